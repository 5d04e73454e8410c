package importrun

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IngestParams is the retry payload persisted on the run: enough to
// re-issue an equivalent ingestion without re-uploading anything.
type IngestParams struct {
	FilePath     string `json:"file_path,omitempty"`
	SourceSystem string `json:"source_system"`
	Object       string `json:"object"`
	DryRun       bool   `json:"dry_run"`
	KeepFile     bool   `json:"keep_file"`
}

type Run struct {
	id           uuid.UUID
	adapter      string
	status       Status
	dryRun       bool
	startedAt    *time.Time
	finishedAt   *time.Time
	errorSummary string
	counts       map[string]any
	metrics      map[string]any
	ingestParams IngestParams

	maxSourceUpdatedAt *time.Time

	createdAt time.Time
	updatedAt time.Time
}

func New(adapter string, dryRun bool, params IngestParams) Run {
	return Run{
		id:           uuid.New(),
		adapter:      strings.TrimSpace(adapter),
		status:       StatusPending,
		dryRun:       dryRun,
		counts:       map[string]any{},
		metrics:      map[string]any{},
		ingestParams: params,
	}
}

func Hydrate(
	id uuid.UUID,
	adapter string,
	status Status,
	dryRun bool,
	startedAt, finishedAt *time.Time,
	errorSummary string,
	counts, metrics map[string]any,
	params IngestParams,
	maxSourceUpdatedAt *time.Time,
	createdAt, updatedAt time.Time,
) Run {
	if counts == nil {
		counts = map[string]any{}
	}
	if metrics == nil {
		metrics = map[string]any{}
	}
	return Run{
		id:                 id,
		adapter:            adapter,
		status:             status,
		dryRun:             dryRun,
		startedAt:          startedAt,
		finishedAt:         finishedAt,
		errorSummary:       errorSummary,
		counts:             counts,
		metrics:            metrics,
		ingestParams:       params,
		maxSourceUpdatedAt: maxSourceUpdatedAt,
		createdAt:          createdAt,
		updatedAt:          updatedAt,
	}
}

func (r Run) ID() uuid.UUID                  { return r.id }
func (r Run) Adapter() string                { return r.adapter }
func (r Run) Status() Status                 { return r.status }
func (r Run) DryRun() bool                   { return r.dryRun }
func (r Run) StartedAt() *time.Time          { return r.startedAt }
func (r Run) FinishedAt() *time.Time         { return r.finishedAt }
func (r Run) ErrorSummary() string           { return r.errorSummary }
func (r Run) Counts() map[string]any         { return r.counts }
func (r Run) Metrics() map[string]any        { return r.metrics }
func (r Run) IngestParams() IngestParams     { return r.ingestParams }
func (r Run) MaxSourceUpdatedAt() *time.Time { return r.maxSourceUpdatedAt }
func (r Run) CreatedAt() time.Time           { return r.createdAt }
func (r Run) UpdatedAt() time.Time           { return r.updatedAt }

func (r Run) IsTerminal() bool {
	return r.status == StatusSucceeded || r.status == StatusFailed
}

func (r Run) Started(at time.Time) Run {
	r.status = StatusRunning
	r.startedAt = &at
	return r
}

func (r Run) Succeeded(at time.Time) Run {
	r.status = StatusSucceeded
	r.finishedAt = &at
	return r
}

func (r Run) Failed(at time.Time, summary string) Run {
	r.status = StatusFailed
	r.finishedAt = &at
	r.errorSummary = summary
	return r
}

// WithStageCounts records the counter block for one pipeline stage, e.g.
// "ingest" or "load.organization".
func (r Run) WithStageCounts(stage string, counts any) Run {
	m := cloneMap(r.counts)
	m[stage] = counts
	r.counts = m
	return r
}

func (r Run) WithStageMetrics(stage string, metrics any) Run {
	m := cloneMap(r.metrics)
	m[stage] = metrics
	r.metrics = m
	return r
}

func (r Run) WithMaxSourceUpdatedAt(at time.Time) Run {
	r.maxSourceUpdatedAt = &at
	return r
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
