// Package worker turns dispatched tasks into orchestrator runs and keeps
// the job store up to date while they execute.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minios-linux/lokitd/dispatch"
	"github.com/minios-linux/lokitd/notify"
	"github.com/minios-linux/lokitd/orchestrator"
	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/store"
	"github.com/minios-linux/lokitd/translate"
)

// DefaultPollInterval is how often a running job checks for termination.
const DefaultPollInterval = 2 * time.Second

// Runner executes jobs. One Runner serves any number of concurrent tasks.
type Runner struct {
	Jobs     *store.Jobs
	Registry *translate.Registry
	// Notifier is optional.
	Notifier *notify.Notifier

	Options orchestrator.Options
	// Attempts and Backoff configure every BatchTranslator.
	Attempts int
	Backoff  time.Duration
	// TargetLang is used for jobs that name none.
	TargetLang   string
	PollInterval time.Duration

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func (r *Runner) log(format string, args ...any) {
	if r.OnLog != nil {
		r.OnLog(format, args...)
	}
}

func (r *Runner) logError(format string, args ...any) {
	if r.OnError != nil {
		r.OnError(format, args...)
	}
}

func (r *Runner) register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]context.CancelFunc)
	}
	r.active[id] = cancel
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Cancel stops a job running in this process. It reports whether the job
// was running here.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of jobs running in this process.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Handle runs the job named by t. It returns an error only when the task
// should be redelivered: the store was unreachable, or the worker is
// shutting down mid-job.
func (r *Runner) Handle(ctx context.Context, t dispatch.Task) error {
	job, err := r.Jobs.Get(ctx, t.JobID)
	if errors.Is(err, store.ErrNotFound) {
		r.logError("job %s not found, dropping task", t.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Phase.Terminal() {
		r.log("job %s already %s, skipping", job.ID, job.Status.Phase)
		return nil
	}

	bg := context.WithoutCancel(ctx)

	tr, err := r.Registry.Resolve(job.ModelName)
	if err != nil {
		r.finish(bg, job, orchestrator.Progress{Percent: 0, Phase: orchestrator.PhaseFailed, Message: err.Error()}, nil)
		return nil
	}

	mode, ok := segment.ParseMode(job.Segmentation)
	if !ok {
		r.log("job %s: unknown segmentation %q, using %s", job.ID, job.Segmentation, segment.ModeSentence)
		mode = segment.ModeSentence
	}
	if job.Segmentation == "" {
		mode = ""
	}
	target := job.TargetLang
	if target == "" {
		target = r.TargetLang
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(job.ID, cancel)
	defer r.unregister(job.ID)
	go r.watch(jobCtx, job.ID, cancel)

	sink := orchestrator.NewAsyncSink(&storeSink{jobs: r.Jobs, ctx: bg, id: job.ID, onError: r.OnError})
	orch := &orchestrator.Orchestrator{
		Segmenter: &segment.Segmenter{OnLog: r.OnLog},
		Translator: &translate.BatchTranslator{
			Translator: tr,
			Attempts:   r.Attempts,
			Backoff:    r.Backoff,
			OnLog:      r.OnLog,
		},
		Sink:    sink,
		Options: r.Options,
		OnLog:   r.OnLog,
		OnError: r.OnError,
	}

	r.log("job %s: running with %s", job.ID, job.ModelName)
	res, runErr := orch.Run(jobCtx, orchestrator.Job{
		ID:           job.ID,
		Text:         job.Content,
		LanguageHint: job.SourceLang,
		Mode:         mode,
		Model:        job.ModelName,
		Credentials:  job.APIKey,
		TargetLang:   target,
	})
	sink.Close()

	switch res.Status {
	case orchestrator.PhaseCompleted:
		result := store.JobResult{
			TranslatedText: res.Text,
			ModelUsed:      job.ModelName,
			Performance:    res.Stats,
			Status:         orchestrator.PhaseCompleted,
		}
		if err := r.Jobs.SaveResult(bg, job.ID, result); err != nil {
			r.logError("job %s: saving result: %v", job.ID, err)
		}
		msg := "Translation completed"
		if res.Stats.Partial {
			msg = "Translation partially completed (time limit reached)"
		} else if res.HasFailures() {
			msg = fmt.Sprintf("Translation completed with %d failed batches", res.Stats.BatchesFailed)
		}
		r.finish(bg, job, orchestrator.Progress{Percent: 100, Phase: orchestrator.PhaseCompleted, Message: msg}, &result)
		r.log("job %s: completed in %.1fs (%d/%d batches ok)", job.ID, res.Stats.TotalSeconds, res.Stats.BatchesCompleted, res.Stats.TotalBatches)

	case orchestrator.PhaseTerminated:
		if ctx.Err() != nil {
			// Worker shutdown, not a user request: hand the job back.
			r.log("job %s interrupted by shutdown, requeueing", job.ID)
			if _, err := r.Jobs.UpdateStatus(bg, job.ID, orchestrator.Progress{Phase: orchestrator.PhaseQueued, Message: "Requeued after worker shutdown"}); err != nil {
				r.logError("job %s: %v", job.ID, err)
			}
			return ctx.Err()
		}
		r.finish(bg, job, orchestrator.Progress{Percent: 0, Phase: orchestrator.PhaseTerminated, Message: "Translation terminated by user"}, nil)
		r.log("job %s terminated", job.ID)

	default:
		msg := "Translation failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		r.finish(bg, job, orchestrator.Progress{Percent: 0, Phase: orchestrator.PhaseFailed, Message: msg}, nil)
		r.logError("job %s failed: %s", job.ID, msg)
	}
	return nil
}

// finish writes the terminal status and fires the webhook.
func (r *Runner) finish(ctx context.Context, job *store.Job, s orchestrator.Progress, result *store.JobResult) {
	s.BatchIndex = orchestrator.JobLevel
	changed, err := r.Jobs.UpdateStatus(ctx, job.ID, s)
	if err != nil {
		r.logError("job %s: writing status: %v", job.ID, err)
	}
	if !changed && s.Phase != orchestrator.PhaseTerminated {
		if cur, err := r.Jobs.Status(ctx, job.ID); err == nil {
			s = cur
		}
	}

	if r.Notifier == nil {
		return
	}
	p := notify.Payload{
		MessageID: job.ID,
		Status:    string(s.Phase),
		Progress:  s.Percent,
		Message:   s.Message,
		Metadata:  job.Metadata,
	}
	if result != nil && s.Phase == orchestrator.PhaseCompleted {
		completed := time.Now().UTC()
		p.TranslatedText = result.TranslatedText
		p.ModelUsed = result.ModelUsed
		p.CompletedAt = &completed
	}
	r.Notifier.Notify(job.Webhook, p)
}

// watch cancels the job once its stored status turns terminated.
func (r *Runner) watch(ctx context.Context, id string, cancel context.CancelFunc) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := r.Jobs.Status(ctx, id)
			if err != nil {
				continue
			}
			if s.Phase == orchestrator.PhaseTerminated {
				r.log("job %s: termination requested", id)
				cancel()
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Store-backed sink
// ---------------------------------------------------------------------------

// storeSink persists orchestrator events. Terminal events are left to
// Handle, which writes them after the result is stored.
type storeSink struct {
	jobs    *store.Jobs
	ctx     context.Context
	id      string
	onError func(format string, args ...any)
}

func (s *storeSink) logError(format string, args ...any) {
	if s.onError != nil {
		s.onError(format, args...)
	}
}

func (s *storeSink) Emit(e orchestrator.Event) {
	switch e.Kind {
	case orchestrator.KindPartial:
		err := s.jobs.SavePartial(s.ctx, s.id, e.Partial.Total, store.PartialEntry{
			BatchIndex:     e.Partial.BatchIndex,
			TranslatedText: e.Partial.Text,
		})
		if err != nil {
			s.logError("job %s: saving batch %d: %v", s.id, e.Partial.BatchIndex, err)
		}

	case orchestrator.KindProgress:
		p := e.Progress
		if p.BatchIndex == orchestrator.JobLevel && p.Phase.Terminal() {
			return
		}
		if p.BatchIndex != orchestrator.JobLevel {
			// Batch retries and failures leave the job translating.
			p.Phase = orchestrator.PhaseTranslating
			p.BatchIndex = orchestrator.JobLevel
		}
		if _, err := s.jobs.UpdateStatus(s.ctx, s.id, p); err != nil {
			s.logError("job %s: writing status: %v", s.id, err)
		}
	}
}
