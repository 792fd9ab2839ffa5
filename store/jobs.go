package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minios-linux/lokitd/orchestrator"
)

// Key prefixes.
const (
	JobPrefix     = "job:"
	ResultPrefix  = "job-result:"
	PartialPrefix = "job-partial:"

	batchFieldPrefix = "batch:"
)

// Default expiry.
const (
	DefaultTTL       = 24 * time.Hour
	DefaultResultTTL = 7 * 24 * time.Hour
)

// Status is the persisted job status.
type Status = orchestrator.Progress

// Job is a submitted translation job.
type Job struct {
	ID           string
	Content      string
	ModelName    string
	APIKey       string
	Priority     int
	SourceLang   string
	TargetLang   string
	Segmentation string
	Webhook      string
	Metadata     map[string]any
	CreatedAt    time.Time
	Status       Status
}

// JobResult is the final output of a completed job.
type JobResult struct {
	TranslatedText string             `json:"translated_text"`
	ModelUsed      string             `json:"model_used"`
	CompletedAt    time.Time          `json:"completed_at"`
	Performance    orchestrator.Stats `json:"performance"`
	Status         orchestrator.Phase `json:"status"`
}

// PartialEntry is one translated batch.
type PartialEntry struct {
	BatchIndex     int       `json:"batch_index"`
	TranslatedText string    `json:"translated_text"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Partials is the partial-result summary of a job.
type Partials struct {
	TotalBatches int
	Results      []PartialEntry
	UpdatedAt    time.Time
}

// Completed is the number of batches translated so far.
func (p *Partials) Completed() int {
	return len(p.Results)
}

// Percent maps the completion fraction onto the translating range and
// never reports more than 95 before the job finishes.
func (p *Partials) Percent() int {
	if p.TotalBatches <= 0 {
		return 0
	}
	span := orchestrator.PercentTranslated - orchestrator.PercentStarting
	return min(orchestrator.PercentStarting+p.Completed()*span/p.TotalBatches, orchestrator.PercentTranslated)
}

// Jobs is the job repository.
type Jobs struct {
	kv        KV
	TTL       time.Duration
	ResultTTL time.Duration

	// mu serializes status check-and-set within this process.
	mu  sync.Mutex
	now func() time.Time
}

// NewJobs wraps kv. Zero TTLs pick the defaults.
func NewJobs(kv KV, ttl, resultTTL time.Duration) *Jobs {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &Jobs{kv: kv, TTL: ttl, ResultTTL: resultTTL, now: time.Now}
}

// KV returns the underlying store.
func (j *Jobs) KV() KV { return j.kv }

func (j *Jobs) write(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if err := j.kv.SetHash(ctx, key, fields); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := j.kv.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("refreshing ttl of %s: %w", key, err)
	}
	return nil
}

func encodeStatus(s Status) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func decodeStatus(raw string) (Status, error) {
	var s Status
	err := json.Unmarshal([]byte(raw), &s)
	s.BatchIndex = orchestrator.JobLevel
	return s, err
}

// Create stores a new job in the queued state. An empty ID is filled in.
func (j *Jobs) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = j.now().UTC()
	job.Status = Status{Percent: 0, Phase: orchestrator.PhaseQueued, Message: "Queued", BatchIndex: orchestrator.JobLevel}

	meta := "{}"
	if len(job.Metadata) > 0 {
		data, err := json.Marshal(job.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		meta = string(data)
	}

	return j.write(ctx, JobPrefix+job.ID, map[string]string{
		"id":           job.ID,
		"content":      job.Content,
		"model_name":   job.ModelName,
		"api_key":      job.APIKey,
		"priority":     strconv.Itoa(job.Priority),
		"source_lang":  job.SourceLang,
		"target_lang":  job.TargetLang,
		"segmentation": job.Segmentation,
		"webhook":      job.Webhook,
		"metadata":     meta,
		"created_at":   job.CreatedAt.Format(time.RFC3339Nano),
		"status":       encodeStatus(job.Status),
	}, j.TTL)
}

// Get loads a job.
func (j *Jobs) Get(ctx context.Context, id string) (*Job, error) {
	h, err := j.kv.GetHash(ctx, JobPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	job := &Job{
		ID:           h["id"],
		Content:      h["content"],
		ModelName:    h["model_name"],
		APIKey:       h["api_key"],
		SourceLang:   h["source_lang"],
		TargetLang:   h["target_lang"],
		Segmentation: h["segmentation"],
		Webhook:      h["webhook"],
	}
	if job.ID == "" {
		job.ID = id
	}
	job.Priority, _ = strconv.Atoi(h["priority"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	if raw := h["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &job.Metadata)
	}
	if raw := h["status"]; raw != "" {
		if job.Status, err = decodeStatus(raw); err != nil {
			return nil, fmt.Errorf("job %s: corrupt status: %w", id, err)
		}
	}
	return job, nil
}

// Status reads only the status of a job.
func (j *Jobs) Status(ctx context.Context, id string) (Status, error) {
	h, err := j.kv.GetHash(ctx, JobPrefix+id)
	if err != nil {
		return Status{}, fmt.Errorf("reading job %s: %w", id, err)
	}
	raw, ok := h["status"]
	if !ok {
		return Status{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return decodeStatus(raw)
}

// UpdateStatus writes s unless the job is already in a terminal state,
// and refreshes the TTL. It reports whether the write happened.
func (j *Jobs) UpdateStatus(ctx context.Context, id string, s Status) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	cur, err := j.Status(ctx, id)
	if err != nil {
		return false, err
	}
	if cur.Phase.Terminal() {
		return false, nil
	}
	if err := j.write(ctx, JobPrefix+id, map[string]string{"status": encodeStatus(s)}, j.TTL); err != nil {
		return false, err
	}
	return true, nil
}

// Terminate marks a non-terminal job as terminated. Terminating a job that
// already finished changes nothing and returns its current status.
func (j *Jobs) Terminate(ctx context.Context, id string) (bool, Status, error) {
	s := Status{Percent: 0, Phase: orchestrator.PhaseTerminated, Message: "Translation terminated by user", BatchIndex: orchestrator.JobLevel}
	changed, err := j.UpdateStatus(ctx, id, s)
	if err != nil {
		return false, Status{}, err
	}
	if !changed {
		cur, err := j.Status(ctx, id)
		return false, cur, err
	}
	return true, s, nil
}

// SaveResult stores the final output with the result TTL.
func (j *Jobs) SaveResult(ctx context.Context, id string, r JobResult) error {
	perf, err := json.Marshal(r.Performance)
	if err != nil {
		return fmt.Errorf("encoding performance: %w", err)
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = j.now().UTC()
	}
	return j.write(ctx, ResultPrefix+id, map[string]string{
		"translated_text": r.TranslatedText,
		"model_used":      r.ModelUsed,
		"completed_at":    r.CompletedAt.Format(time.RFC3339Nano),
		"performance":     string(perf),
		"status":          string(r.Status),
	}, j.ResultTTL)
}

// Result loads the final output of a job.
func (j *Jobs) Result(ctx context.Context, id string) (*JobResult, error) {
	h, err := j.kv.GetHash(ctx, ResultPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("reading result %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	r := &JobResult{
		TranslatedText: h["translated_text"],
		ModelUsed:      h["model_used"],
		Status:         orchestrator.Phase(h["status"]),
	}
	r.CompletedAt, _ = time.Parse(time.RFC3339Nano, h["completed_at"])
	if raw := h["performance"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &r.Performance)
	}
	return r, nil
}

// SavePartial records one translated batch. Each batch owns its own field,
// so concurrent writers never overwrite each other.
func (j *Jobs) SavePartial(ctx context.Context, id string, total int, e PartialEntry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = j.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding partial: %w", err)
	}
	fields := map[string]string{
		"total_batches": strconv.Itoa(total),
		"updated_at":    e.CompletedAt.Format(time.RFC3339Nano),
	}
	fields[batchFieldPrefix+strconv.Itoa(e.BatchIndex)] = string(data)
	return j.write(ctx, PartialPrefix+id, fields, j.TTL)
}

// Partials loads the partial results sorted by batch index. A job with no
// translated batch yet yields an empty summary.
func (j *Jobs) Partials(ctx context.Context, id string) (*Partials, error) {
	h, err := j.kv.GetHash(ctx, PartialPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("reading partials %s: %w", id, err)
	}
	p := &Partials{}
	p.TotalBatches, _ = strconv.Atoi(h["total_batches"])
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	for field, raw := range h {
		if !strings.HasPrefix(field, batchFieldPrefix) {
			continue
		}
		var e PartialEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		p.Results = append(p.Results, e)
	}
	sort.Slice(p.Results, func(a, b int) bool {
		return p.Results[a].BatchIndex < p.Results[b].BatchIndex
	})
	return p, nil
}

// Stats counts jobs per status type.
func (j *Jobs) Stats(ctx context.Context) (map[orchestrator.Phase]int, error) {
	keys, err := j.kv.Keys(ctx, JobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make(map[orchestrator.Phase]int)
	for _, k := range keys {
		s, err := j.Status(ctx, strings.TrimPrefix(k, JobPrefix))
		if err != nil {
			continue
		}
		out[s.Phase]++
	}
	return out, nil
}
