package models

import "time"

// ContentKind classifies a fetched provider response
type ContentKind string

const (
	ContentImage ContentKind = "image"
	ContentHTML  ContentKind = "html"
)

// UploadOutcome describes how a device upload attempt ended
type UploadOutcome string

const (
	UploadSkipped     UploadOutcome = "skipped"
	UploadUnavailable UploadOutcome = "unavailable"
	UploadSeeded      UploadOutcome = "seeded"
	UploadReplaced    UploadOutcome = "replaced"
	UploadFailed      UploadOutcome = "failed"
)

// CycleResultType is the Type of every published CycleResult
const CycleResultType = "cycle_result"

// CycleResult summarises one fetch, render, store and upload pass
type CycleResult struct {
	Type        string        `json:"type"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	SourceURL   string        `json:"source_url,omitempty"`
	ContentKind ContentKind   `json:"content_kind,omitempty"`
	Rendered    bool          `json:"rendered"`
	Stored      bool          `json:"stored"`
	StoredBytes int           `json:"stored_bytes,omitempty"`
	Upload      UploadOutcome `json:"upload"`
	ContentID   string        `json:"content_id,omitempty"`
	Errors      []StageError  `json:"errors,omitempty"`
}

// StageError records a failure for one stage of a cycle
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// AddError appends a stage failure to the result
func (r *CycleResult) AddError(stage string, err error) {
	r.Errors = append(r.Errors, StageError{Stage: stage, Message: err.Error()})
}

// Duration returns how long the cycle took
func (r *CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
