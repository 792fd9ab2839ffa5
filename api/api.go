// Package api is the HTTP gateway: it accepts jobs, hands them to a
// dispatcher and serves status, results and partial results from the store.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/minios-linux/lokitd/dispatch"
	"github.com/minios-linux/lokitd/orchestrator"
	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/store"
	"github.com/minios-linux/lokitd/translate"
)

// Canceler stops a job running in this process.
type Canceler interface {
	Cancel(id string) bool
}

// Server holds the handler dependencies.
type Server struct {
	Jobs       *store.Jobs
	Registry   *translate.Registry
	Dispatcher dispatch.Dispatcher
	// Threshold is the lowest priority routed to the high priority queue.
	Threshold int
	// Canceler is set when jobs run in-process.
	Canceler Canceler
	Version  string
	// AccessLog enables echo's request logger.
	AccessLog bool

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)
}

func (s *Server) log(format string, args ...any) {
	if s.OnLog != nil {
		s.OnLog(format, args...)
	}
}

func (s *Server) logError(format string, args ...any) {
	if s.OnError != nil {
		s.OnError(format, args...)
	}
}

// Echo builds the router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if s.AccessLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.POST("/messages", s.Submit)
	e.GET("/messages/:id", s.Status)
	e.GET("/translation/:id", s.Translation)
	e.GET("/translation/:id/partial", s.Partial)
	e.POST("/queue/:id/terminate", s.Terminate)
	e.GET("/queue/stats", s.Stats)
	e.GET("/health", s.Health)
	return e
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	e := s.Echo()
	errCh := make(chan error, 1)
	go func() {
		s.log("listening on %s", addr)
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// SubmitRequest is the body of POST /messages.
type SubmitRequest struct {
	Content      string         `json:"content"`
	ModelName    string         `json:"model_name"`
	APIKey       string         `json:"api_key"`
	Priority     int            `json:"priority"`
	Metadata     map[string]any `json:"metadata"`
	Webhook      string         `json:"webhook"`
	Segmentation string         `json:"segmentation"`
	SourceLang   string         `json:"source_lang"`
	TargetLang   string         `json:"target_lang"`
}

// SubmitResponse is the reply of POST /messages.
type SubmitResponse struct {
	ID       string             `json:"id"`
	Status   orchestrator.Phase `json:"status"`
	Queue    string             `json:"queue"`
	Position int                `json:"position"`
}

// Submit creates a job and dispatches it.
func (s *Server) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return errorJSON(c, http.StatusBadRequest, "content is required")
	}
	if _, err := s.Registry.Backend(req.ModelName); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if _, ok := segment.ParseMode(req.Segmentation); !ok {
		return errorJSON(c, http.StatusBadRequest, "unknown segmentation mode: "+req.Segmentation)
	}

	job := &store.Job{
		Content:      req.Content,
		ModelName:    req.ModelName,
		APIKey:       req.APIKey,
		Priority:     req.Priority,
		SourceLang:   req.SourceLang,
		TargetLang:   req.TargetLang,
		Segmentation: req.Segmentation,
		Webhook:      req.Webhook,
		Metadata:     req.Metadata,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		s.logError("creating job: %v", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	position := 0
	if counts, err := s.Jobs.Stats(ctx); err == nil {
		position = counts[orchestrator.PhaseQueued]
	}

	task := dispatch.NewTask(job.ID, job.Priority, s.Threshold)
	if err := s.Dispatcher.Dispatch(ctx, task); err != nil {
		s.logError("dispatching job %s: %v", job.ID, err)
		_, _ = s.Jobs.UpdateStatus(ctx, job.ID, orchestrator.Progress{
			Phase:      orchestrator.PhaseFailed,
			Message:    "dispatch failed: " + err.Error(),
			BatchIndex: orchestrator.JobLevel,
		})
		return errorJSON(c, http.StatusServiceUnavailable, "could not queue job")
	}
	s.log("job %s queued on %s", job.ID, task.Queue)

	return c.JSON(http.StatusCreated, SubmitResponse{
		ID:       job.ID,
		Status:   orchestrator.PhaseQueued,
		Queue:    task.Queue,
		Position: position,
	})
}

// StatusResponse is the reply of GET /messages/:id.
type StatusResponse struct {
	ID     string       `json:"id"`
	Status store.Status `json:"status"`
}

// Status returns the current status of a job.
func (s *Server) Status(c echo.Context) error {
	id := c.Param("id")
	st, err := s.Jobs.Status(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "message not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, StatusResponse{ID: id, Status: st})
}

// TranslationResponse is the reply of GET /translation/:id.
type TranslationResponse struct {
	ID             string              `json:"id"`
	Status         store.Status        `json:"status"`
	Message        string              `json:"message,omitempty"`
	TranslatedText string              `json:"translated_text,omitempty"`
	ModelUsed      string              `json:"model_used,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Performance    *orchestrator.Stats `json:"performance,omitempty"`
}

// Translation returns the final text once the job has completed.
func (s *Server) Translation(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	st, err := s.Jobs.Status(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "message not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	resp := TranslationResponse{ID: id, Status: st}
	if st.Phase != orchestrator.PhaseCompleted {
		resp.Message = "Translation not yet completed"
		return c.JSON(http.StatusOK, resp)
	}
	res, err := s.Jobs.Result(ctx, id)
	if err != nil {
		resp.Message = "Translation not yet completed"
		return c.JSON(http.StatusOK, resp)
	}
	resp.TranslatedText = res.TranslatedText
	resp.ModelUsed = res.ModelUsed
	resp.CompletedAt = &res.CompletedAt
	resp.Performance = &res.Performance
	return c.JSON(http.StatusOK, resp)
}

// PartialResponse is the reply of GET /translation/:id/partial.
type PartialResponse struct {
	ID                 string               `json:"id"`
	TotalBatches       int                  `json:"total_batches"`
	CompletedBatches   int                  `json:"completed_batches"`
	ProgressPercentage int                  `json:"progress_percentage"`
	PartialResults     []store.PartialEntry `json:"partial_results"`
}

// Partial returns the batches translated so far, sorted by index.
func (s *Server) Partial(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	st, err := s.Jobs.Status(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "message not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	p, err := s.Jobs.Partials(ctx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	resp := PartialResponse{
		ID:                 id,
		TotalBatches:       p.TotalBatches,
		CompletedBatches:   p.Completed(),
		ProgressPercentage: p.Percent(),
		PartialResults:     p.Results,
	}
	if resp.PartialResults == nil {
		resp.PartialResults = []store.PartialEntry{}
	}
	if st.Phase == orchestrator.PhaseCompleted {
		resp.ProgressPercentage = 100
	}
	return c.JSON(http.StatusOK, resp)
}

// TerminateResponse is the reply of POST /queue/:id/terminate.
type TerminateResponse struct {
	ID      string       `json:"id"`
	Changed bool         `json:"changed"`
	Status  store.Status `json:"status"`
}

// Terminate stops a job. Terminating a finished job is a no-op.
func (s *Server) Terminate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	changed, st, err := s.Jobs.Terminate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "message not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if changed {
		if s.Canceler != nil {
			s.Canceler.Cancel(id)
		}
		s.log("job %s terminated", id)
	}
	return c.JSON(http.StatusOK, TerminateResponse{ID: id, Changed: changed, Status: st})
}

// Stats counts jobs per status.
func (s *Server) Stats(c echo.Context) error {
	counts, err := s.Jobs.Stats(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	total := 0
	out := make(map[string]int, len(counts))
	for phase, n := range counts {
		out[string(phase)] = n
		total += n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"counts": out,
		"total":  total,
	})
}

// Health reports liveness.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Version,
	})
}
