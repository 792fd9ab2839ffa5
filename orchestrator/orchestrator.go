// Package orchestrator runs one translation job: segment, batch, translate
// the batches concurrently, then reassemble the text in source order.
//
// Progress and partial results go to a Sink as the job runs. Batch failures
// are contained: a batch that runs out of retries becomes a <failed>
// placeholder in the assembled text and the job still completes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/minios-linux/lokitd/batch"
	"github.com/minios-linux/lokitd/segment"
	"github.com/minios-linux/lokitd/translate"
)

var (
	// ErrTerminated is returned when the job was cancelled from outside.
	ErrTerminated = errors.New("job terminated")
	// ErrHardTimeout is returned when the job ran past Options.HardTimeout.
	ErrHardTimeout = errors.New("job exceeded hard time limit")
)

// Progress checkpoints.
const (
	PercentInitializing = 5
	PercentSegmenting   = 8
	PercentStarting     = 10
	PercentTranslated   = 95
	PercentAssembling   = 97
	PercentCompleted    = 100
)

// Options configures a run. Zero values pick the defaults.
type Options struct {
	// Limits bounds each batch (defaults: 6000 chars, 10 units).
	Limits batch.Limits
	// Workers caps concurrent batches (default 1).
	Workers int
	// Adaptive scales Limits.MaxUnits and Workers with content size.
	Adaptive bool
	// LaunchDelay staggers batch starts.
	LaunchDelay time.Duration
	// SoftTimeout stops launching new batches; what is done is returned as
	// a partial result.
	SoftTimeout time.Duration
	// HardTimeout cancels everything and fails the job.
	HardTimeout time.Duration
	// Mode is the segmentation mode used when a job names none.
	Mode segment.Mode
}

// Job is the input of one run.
type Job struct {
	ID           string
	Text         string
	LanguageHint string
	Mode         segment.Mode
	Model        string
	Credentials  string
	TargetLang   string
}

// Stats describes a finished run.
type Stats struct {
	TotalTime        time.Duration `json:"-"`
	TotalSeconds     float64       `json:"total_time"`
	TotalBatches     int           `json:"total_batches"`
	BatchesCompleted int           `json:"batches_completed"`
	BatchesFailed    int           `json:"batches_failed"`
	TotalChars       int           `json:"total_chars"`
	CharsPerSecond   float64       `json:"chars_per_second"`
	Workers          int           `json:"workers"`
	// Partial is set when the soft time limit cut the run short.
	Partial bool `json:"partial"`
}

// Result is the outcome of Run.
type Result struct {
	Status Phase
	Text   string
	Stats  Stats
}

// HasFailures reports whether the assembled text carries failure markers.
func (r Result) HasFailures() bool {
	return translate.HasFailures(r.Text)
}

// Orchestrator drives jobs. All dependencies are injected; it holds no
// per-job state and may run several jobs at once.
type Orchestrator struct {
	Segmenter  *segment.Segmenter
	Translator *translate.BatchTranslator
	Sink       Sink
	Options    Options

	OnLog   func(format string, args ...any)
	OnError func(format string, args ...any)
}

func (o *Orchestrator) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Orchestrator) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	}
}

// Assemble joins batch texts in index order. Missing indices become empty
// placeholders, so the output always has total slots.
func Assemble(results map[int]string, total int) string {
	parts := make([]string, total)
	for i := range total {
		text, ok := results[i]
		if !ok {
			text = translate.Placeholder("")
		}
		parts[i] = text
	}
	return strings.Join(parts, batch.Separator)
}

// plan resolves batch limits and the worker count for units.
func (o *Orchestrator) plan(units []segment.Unit) batch.Plan {
	lim := o.Options.Limits
	if lim.MaxChars <= 0 {
		lim.MaxChars = batch.DefaultMaxChars
	}
	if lim.MaxUnits <= 0 {
		lim.MaxUnits = batch.DefaultMaxUnits
	}
	workers := max(o.Options.Workers, 1)
	if o.Options.Adaptive {
		return batch.Scale(batch.TotalChars(units), lim, workers)
	}
	return batch.Plan{Limits: lim, Workers: workers}
}

// Run executes job. Cancelling ctx terminates the job: no new batches are
// launched, in-flight retries are abandoned, and Run returns ErrTerminated.
func (o *Orchestrator) Run(ctx context.Context, job Job) (res Result, err error) {
	start := time.Now()
	sink := o.Sink
	if sink == nil {
		sink = Discard
	}
	tr := &tracker{sink: sink, jobID: job.ID}

	if o.Options.HardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.Options.HardTimeout, ErrHardTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestration failed: %v", r)
			o.logError("job %s: %v", job.ID, err)
			tr.finish(PhaseFailed, err.Error())
			res = Result{Status: PhaseFailed, Stats: Stats{TotalTime: time.Since(start)}}
		}
	}()

	tr.progress(PercentInitializing, PhaseQueued, "Initializing")
	if ctx.Err() != nil {
		return o.stopped(ctx, tr, Stats{})
	}

	tr.progress(PercentSegmenting, PhaseSegmenting, "Segmenting text")
	mode := job.Mode
	if mode == "" {
		mode = o.Options.Mode
	}
	if mode == "" {
		mode = segment.ModeSentence
	}
	seg := o.Segmenter
	if seg == nil {
		seg = &segment.Segmenter{OnLog: o.OnLog}
	}
	units := seg.Segment(job.Text, job.LanguageHint, mode)
	p := o.plan(units)
	batches := batch.Make(units, p.Limits)
	total := len(batches)

	stats := Stats{
		TotalBatches: total,
		TotalChars:   batch.TotalChars(units),
		Workers:      min(p.Workers, max(total, 1)),
	}

	if total == 0 {
		stats.TotalTime = time.Since(start)
		stats.TotalSeconds = stats.TotalTime.Seconds()
		tr.finish(PhaseCompleted, "Translation completed")
		return Result{Status: PhaseCompleted, Stats: stats}, nil
	}

	tr.start(total)
	tr.progress(PercentStarting, PhaseTranslating, fmt.Sprintf("Starting translation of %d batches", total))
	o.log("job %s: %d units in %d batches, %d workers", job.ID, len(units), total, stats.Workers)

	bt := *o.Translator
	userRetry := bt.OnRetry
	bt.OnRetry = func(index, next int, err error) {
		if userRetry != nil {
			userRetry(index, next, err)
		}
		tr.note(index, fmt.Sprintf("Retrying batch %d/%d (attempt %d/%d)", index+1, total, next, bt.Attempts))
	}
	if bt.Attempts <= 0 {
		bt.Attempts = translate.DefaultAttempts
	}

	launchCtx := ctx
	if o.Options.SoftTimeout > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, o.Options.SoftTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	results := make(map[int]translate.Result, total)
	tjob := translate.Job{Model: job.Model, Credentials: job.Credentials, TargetLang: job.TargetLang}

	launched, runErr := runParallel(ctx, launchCtx, batches, p.Workers, o.Options.LaunchDelay, func(ctx context.Context, b batch.Batch) error {
		r := o.translateBatch(ctx, &bt, b, tjob)
		if r.Status == translate.StatusFailed && r.Err != nil && ctx.Err() != nil && errors.Is(r.Err, ctx.Err()) {
			// Abandoned by cancellation; the slot is backfilled later.
			return nil
		}
		mu.Lock()
		results[b.Index] = r
		mu.Unlock()
		tr.resolved(r)
		return nil
	})

	stats.TotalTime = time.Since(start)
	stats.TotalSeconds = stats.TotalTime.Seconds()
	if runErr != nil {
		o.logError("job %s: %v", job.ID, runErr)
		tr.finish(PhaseFailed, runErr.Error())
		return Result{Status: PhaseFailed, Stats: stats}, runErr
	}
	if ctx.Err() != nil {
		o.countResults(&stats, results, total)
		return o.stopped(ctx, tr, stats)
	}
	if launched < total {
		stats.Partial = true
		o.log("job %s: soft time limit reached after launching %d/%d batches", job.ID, launched, total)
	}

	// Backfill slots that never produced a result.
	texts := make(map[int]string, total)
	for _, b := range batches {
		if r, ok := results[b.Index]; ok {
			texts[b.Index] = r.Text
		} else {
			texts[b.Index] = translate.Placeholder(b.Text())
		}
	}
	o.countResults(&stats, results, total)

	tr.progress(PercentAssembling, PhaseAssembling, "Assembling translation")
	text := Assemble(texts, total)

	stats.TotalTime = time.Since(start)
	stats.TotalSeconds = stats.TotalTime.Seconds()
	if secs := stats.TotalSeconds; secs > 0 {
		stats.CharsPerSecond = float64(stats.TotalChars) / secs
	}

	msg := "Translation completed"
	switch {
	case stats.Partial:
		msg = fmt.Sprintf("Translation partially completed (%d/%d batches)", stats.BatchesCompleted, total)
	case stats.BatchesFailed > 0:
		msg = fmt.Sprintf("Translation completed with %d failed batches", stats.BatchesFailed)
	}
	tr.finish(PhaseCompleted, msg)
	return Result{Status: PhaseCompleted, Text: text, Stats: stats}, nil
}

// translateBatch contains a panic to its own slot.
func (o *Orchestrator) translateBatch(ctx context.Context, bt *translate.BatchTranslator, b batch.Batch, job translate.Job) (r translate.Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("batch task panicked: %v", p)
			o.logError("batch %d/%d: %v", b.Index+1, b.Total, err)
			r = translate.Result{Index: b.Index, Status: translate.StatusFailed, Text: translate.Placeholder(b.Text()), Err: err}
		}
	}()
	return bt.TranslateBatch(ctx, b, job)
}

func (o *Orchestrator) countResults(stats *Stats, results map[int]translate.Result, total int) {
	stats.BatchesCompleted, stats.BatchesFailed = 0, 0
	for _, r := range results {
		if r.Status == translate.StatusOK {
			stats.BatchesCompleted++
		}
	}
	stats.BatchesFailed = total - stats.BatchesCompleted
}

// stopped reports a run that ended because ctx is done.
func (o *Orchestrator) stopped(ctx context.Context, tr *tracker, stats Stats) (Result, error) {
	if errors.Is(context.Cause(ctx), ErrHardTimeout) {
		tr.finish(PhaseFailed, ErrHardTimeout.Error())
		return Result{Status: PhaseFailed, Stats: stats}, ErrHardTimeout
	}
	tr.finish(PhaseTerminated, "Translation terminated")
	return Result{Status: PhaseTerminated, Stats: stats}, ErrTerminated
}

// ---------------------------------------------------------------------------
// Progress tracking
// ---------------------------------------------------------------------------

// tracker serializes event emission so percents never go down.
type tracker struct {
	mu        sync.Mutex
	sink      Sink
	jobID     string
	percent   int
	total     int
	completed int
	done      bool
}

func (t *tracker) emitLocked(p Progress) {
	if p.Percent < t.percent {
		p.Percent = t.percent
	}
	t.percent = p.Percent
	t.sink.Emit(Event{JobID: t.jobID, Kind: KindProgress, Progress: p})
}

func (t *tracker) progress(percent int, phase Phase, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(Progress{Percent: percent, Phase: phase, Message: msg, BatchIndex: JobLevel})
}

func (t *tracker) start(total int) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// note re-emits the current percent as a started notice for batch index.
func (t *tracker) note(index int, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.emitLocked(Progress{Percent: t.percent, Phase: PhaseStarted, Message: msg, BatchIndex: index})
}

// resolved counts a batch that succeeded or failed for good.
func (t *tracker) resolved(r translate.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	percent := PercentStarting + t.completed*(PercentTranslated-PercentStarting)/t.total

	if r.Status == translate.StatusOK {
		t.sink.Emit(Event{JobID: t.jobID, Kind: KindPartial, Partial: PartialResult{
			BatchIndex: r.Index,
			Text:       r.Text,
			Completed:  t.completed,
			Total:      t.total,
		}})
		t.emitLocked(Progress{
			Percent:    percent,
			Phase:      PhaseTranslating,
			Message:    fmt.Sprintf("Completed batch %d/%d", t.completed, t.total),
			BatchIndex: JobLevel,
		})
		return
	}
	msg := fmt.Sprintf("Batch %d/%d failed", r.Index+1, t.total)
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	t.emitLocked(Progress{Percent: percent, Phase: PhaseFailed, Message: msg, BatchIndex: r.Index})
}

// finish emits the terminal event once.
func (t *tracker) finish(phase Phase, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	percent := t.percent
	if phase == PhaseCompleted {
		percent = PercentCompleted
	}
	t.emitLocked(Progress{Percent: percent, Phase: phase, Message: msg, BatchIndex: JobLevel})
}
