package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/minios-linux/lokitd/dispatch"
	"github.com/minios-linux/lokitd/orchestrator"
	"github.com/minios-linux/lokitd/store"
	"github.com/minios-linux/lokitd/translate"
)

// recordingDispatcher keeps dispatched tasks instead of running them.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t dispatch.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

type cancelRecorder struct{ ids []string }

func (c *cancelRecorder) Cancel(id string) bool {
	c.ids = append(c.ids, id)
	return true
}

func newServer() (*Server, *recordingDispatcher, *echo.Echo) {
	d := &recordingDispatcher{}
	s := &Server{
		Jobs:       store.NewJobs(store.NewMemory(), 0, 0),
		Registry:   translate.NewDefaultRegistry(nil, nil),
		Dispatcher: d,
		Threshold:  5,
		Version:    "test",
	}
	return s, d, s.Echo()
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitValidation(t *testing.T) {
	_, d, e := newServer()
	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"empty content", `{"content":"  ","model_name":"gpt-4o"}`, http.StatusBadRequest},
		{"unsupported model", `{"content":"Hi.","model_name":"llama-3"}`, http.StatusBadRequest},
		{"bad segmentation", `{"content":"Hi.","model_name":"gpt-4o","segmentation":"words"}`, http.StatusBadRequest},
		{"ok", `{"content":"Hi.","model_name":"gpt-4o","segmentation":"newline"}`, http.StatusCreated},
	}
	for _, tc := range tests {
		rec := do(e, http.MethodPost, "/messages", tc.body)
		if rec.Code != tc.code {
			t.Fatalf("%s: code = %d, want %d (%s)", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}
	if len(d.tasks) != 1 {
		t.Fatalf("dispatched %d tasks, want 1", len(d.tasks))
	}
}

func TestSubmitRoutesByPriority(t *testing.T) {
	_, d, e := newServer()
	rec := do(e, http.MethodPost, "/messages", `{"content":"Hi.","model_name":"claude-3","priority":8,"metadata":{"user":"u"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitResponse](t, rec)
	if resp.ID == "" || resp.Status != orchestrator.PhaseQueued || resp.Queue != dispatch.QueueHigh || resp.Position != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if d.tasks[0].JobID != resp.ID || d.tasks[0].Queue != dispatch.QueueHigh {
		t.Fatalf("task = %+v", d.tasks[0])
	}

	rec = do(e, http.MethodPost, "/messages", `{"content":"Hi.","model_name":"gpt-4o","priority":1}`)
	if resp := decode[SubmitResponse](t, rec); resp.Queue != dispatch.QueueDefault || resp.Position != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSubmitDispatchFailure(t *testing.T) {
	s, d, e := newServer()
	d.err = errors.New("broker down")
	rec := do(e, http.MethodPost, "/messages", `{"content":"Hi.","model_name":"gpt-4o"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	stats, _ := s.Jobs.Stats(context.Background())
	if stats[orchestrator.PhaseFailed] != 1 {
		t.Fatalf("stats = %v, want one failed job", stats)
	}
}

func TestStatusAndTranslation(t *testing.T) {
	s, _, e := newServer()
	ctx := context.Background()
	job := &store.Job{Content: "Hi.", ModelName: "gpt-4o"}
	_ = s.Jobs.Create(ctx, job)

	if rec := do(e, http.MethodGet, "/messages/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id code = %d", rec.Code)
	}

	rec := do(e, http.MethodGet, "/messages/"+job.ID, "")
	st := decode[StatusResponse](t, rec)
	if rec.Code != http.StatusOK || st.Status.Phase != orchestrator.PhaseQueued {
		t.Fatalf("status = %d %+v", rec.Code, st)
	}

	tr := decode[TranslationResponse](t, do(e, http.MethodGet, "/translation/"+job.ID, ""))
	if tr.Message != "Translation not yet completed" || tr.TranslatedText != "" {
		t.Fatalf("pending translation = %+v", tr)
	}

	_ = s.Jobs.SaveResult(ctx, job.ID, store.JobResult{TranslatedText: "Salut.", ModelUsed: "gpt-4o", Status: orchestrator.PhaseCompleted})
	_, _ = s.Jobs.UpdateStatus(ctx, job.ID, store.Status{Percent: 100, Phase: orchestrator.PhaseCompleted, Message: "Translation completed"})

	tr = decode[TranslationResponse](t, do(e, http.MethodGet, "/translation/"+job.ID, ""))
	if tr.TranslatedText != "Salut." || tr.ModelUsed != "gpt-4o" || tr.CompletedAt == nil || tr.Message != "" {
		t.Fatalf("completed translation = %+v", tr)
	}
}

func TestPartial(t *testing.T) {
	s, _, e := newServer()
	ctx := context.Background()
	job := &store.Job{Content: "x", ModelName: "gpt-4o"}
	_ = s.Jobs.Create(ctx, job)

	p := decode[PartialResponse](t, do(e, http.MethodGet, "/translation/"+job.ID+"/partial", ""))
	if p.CompletedBatches != 0 || p.PartialResults == nil {
		t.Fatalf("empty partial = %+v", p)
	}

	_ = s.Jobs.SavePartial(ctx, job.ID, 2, store.PartialEntry{BatchIndex: 1, TranslatedText: "b"})
	p = decode[PartialResponse](t, do(e, http.MethodGet, "/translation/"+job.ID+"/partial", ""))
	if p.TotalBatches != 2 || p.CompletedBatches != 1 || p.ProgressPercentage != 52 || p.PartialResults[0].TranslatedText != "b" {
		t.Fatalf("partial = %+v", p)
	}

	if rec := do(e, http.MethodGet, "/translation/nope/partial", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id code = %d", rec.Code)
	}
}

func TestTerminate(t *testing.T) {
	s, _, e := newServer()
	canceler := &cancelRecorder{}
	s.Canceler = canceler
	ctx := context.Background()
	job := &store.Job{Content: "x", ModelName: "gpt-4o"}
	_ = s.Jobs.Create(ctx, job)

	resp := decode[TerminateResponse](t, do(e, http.MethodPost, "/queue/"+job.ID+"/terminate", ""))
	if !resp.Changed || resp.Status.Phase != orchestrator.PhaseTerminated {
		t.Fatalf("first terminate = %+v", resp)
	}
	resp = decode[TerminateResponse](t, do(e, http.MethodPost, "/queue/"+job.ID+"/terminate", ""))
	if resp.Changed || resp.Status.Phase != orchestrator.PhaseTerminated {
		t.Fatalf("second terminate = %+v", resp)
	}
	if len(canceler.ids) != 1 || canceler.ids[0] != job.ID {
		t.Fatalf("cancel calls = %v", canceler.ids)
	}
	if rec := do(e, http.MethodPost, "/queue/nope/terminate", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id code = %d", rec.Code)
	}
}

func TestStatsAndHealth(t *testing.T) {
	s, _, e := newServer()
	ctx := context.Background()
	for range 2 {
		_ = s.Jobs.Create(ctx, &store.Job{Content: "x"})
	}

	stats := decode[struct {
		Counts map[string]int `json:"counts"`
		Total  int            `json:"total"`
	}](t, do(e, http.MethodGet, "/queue/stats", ""))
	if stats.Total != 2 || stats.Counts["queued"] != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	health := decode[map[string]string](t, do(e, http.MethodGet, "/health", ""))
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("health = %v", health)
	}
}
