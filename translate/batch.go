package translate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/minios-linux/lokitd/batch"
)

// Failure marker wrapped around the source text of a batch that could not
// be translated.
const (
	FailedOpen  = "<failed>"
	FailedClose = "</failed>"
)

// Retry defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 60 * time.Second
)

// Placeholder wraps source text in the failure marker.
func Placeholder(source string) string {
	return FailedOpen + source + FailedClose
}

// HasFailures reports whether assembled text carries any failure marker.
func HasFailures(text string) bool {
	return strings.Contains(text, FailedOpen)
}

// Status of one batch.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result is the outcome of one batch.
type Result struct {
	Index    int
	Status   Status
	Text     string
	Attempts int
	// Err is the last error for failed batches. It wraps context.Canceled
	// or context.DeadlineExceeded when the batch was abandoned.
	Err error
}

// Job carries the per-job parameters of a batch call.
type Job struct {
	Model       string
	Credentials string
	TargetLang  string
}

// BatchTranslator translates one batch with bounded retries. It never
// returns an error: when attempts run out the result text is the source
// wrapped in the failure marker.
type BatchTranslator struct {
	// Translator is the backend, resolved once per job.
	Translator Translator
	// Attempts is the total number of tries (default 3).
	Attempts int
	// Backoff is the wait between tries (default 60s). A longer delay
	// requested by a 429 wins.
	Backoff time.Duration

	// OnRetry is called before waiting for attempt `next`.
	OnRetry func(index, next int, err error)
	// OnFailed is called once when a batch exhausts its attempts.
	OnFailed func(index int, err error)
	// OnLog receives informational lines.
	OnLog func(format string, args ...any)
}

func (bt *BatchTranslator) log(format string, args ...any) {
	if bt.OnLog != nil {
		bt.OnLog(format, args...)
	}
}

func (bt *BatchTranslator) effectiveAttempts() int {
	if bt.Attempts > 0 {
		return bt.Attempts
	}
	return DefaultAttempts
}

func (bt *BatchTranslator) backoffFor(err error) time.Duration {
	wait := bt.Backoff
	if wait <= 0 {
		wait = DefaultBackoff
	}
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.Delay > wait {
		wait = rle.Delay
	}
	return wait
}

// TranslateBatch translates b. Cancelling ctx abandons the batch at the
// next suspension point without further attempts.
func (bt *BatchTranslator) TranslateBatch(ctx context.Context, b batch.Batch, job Job) Result {
	source := b.Text()
	units := batch.SplitText(source)
	req := Request{
		Prompt:      BuildPrompt(units, job.TargetLang),
		Model:       job.Model,
		Credentials: job.Credentials,
		Expected:    len(units),
	}

	abandoned := func(attempts int) Result {
		return Result{Index: b.Index, Status: StatusFailed, Text: Placeholder(source), Attempts: attempts, Err: ctx.Err()}
	}

	attempts := bt.effectiveAttempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return abandoned(attempt - 1)
		}

		translated, err := bt.Translator.Translate(ctx, req)
		if err == nil && len(translated) > 0 {
			if len(translated) != len(units) {
				bt.log("batch %d/%d: got %d units, sent %d", b.Index+1, b.Total, len(translated), len(units))
			}
			return Result{
				Index:    b.Index,
				Status:   StatusOK,
				Text:     strings.Join(normalizeUnits(translated), batch.Separator),
				Attempts: attempt,
			}
		}
		if err == nil {
			err = ErrEmptyResponse
		}
		lastErr = err
		if ctx.Err() != nil {
			return abandoned(attempt)
		}

		bt.log("batch %d/%d attempt %d/%d failed: %v", b.Index+1, b.Total, attempt, attempts, err)
		if attempt == attempts {
			break
		}
		if bt.OnRetry != nil {
			bt.OnRetry(b.Index, attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return abandoned(attempt)
		case <-time.After(bt.backoffFor(err)):
		}
	}

	if bt.OnFailed != nil {
		bt.OnFailed(b.Index, lastErr)
	}
	return Result{Index: b.Index, Status: StatusFailed, Text: Placeholder(source), Attempts: attempts, Err: lastErr}
}
