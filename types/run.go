package types

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunType discriminates the two kinds of worker jobs.
type RunType string

const (
	RunTypeTrain    RunType = "train"
	RunTypeBacktest RunType = "backtest"
)

// RunStatus is the lifecycle state of a run.
// Transitions form a DAG: QUEUED → RUNNING → {SUCCEEDED | FAILED | CANCELLED}.
type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// Terminal returns true when no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// RunRecord is the unit of orchestration: one training or backtest worker
// execution materialized as an out_dir tree.
//
// The record is exclusively owned by the run registry; the launcher mutates
// it only through registry.Save.
type RunRecord struct {
	// ID is the opaque run identifier (ULID).
	ID string `json:"id"`
	// Type is train or backtest.
	Type RunType `json:"type"`
	// Status is the lifecycle state.
	Status RunStatus `json:"status"`
	// OutDir is the absolute artifact directory, under an allow-listed root.
	OutDir string `json:"out_dir"`
	// CreatedAt is the submission time.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is set when the worker process spawns.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is set on any terminal transition.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// PID is the worker process id, set at spawn time.
	PID *int `json:"pid,omitempty"`
	// Error holds the failure reason for FAILED runs ("exit_code=N" or spawn error).
	Error string `json:"error,omitempty"`
	// Meta echoes the originating request, including the config_snapshot path.
	Meta map[string]any `json:"meta,omitempty"`
}

// Clone returns a deep-enough copy for handing snapshots to readers.
// Meta values are shared; callers treat Meta as read-only.
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.PID != nil {
		p := *r.PID
		cp.PID = &p
	}
	if r.Meta != nil {
		meta := make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			meta[k] = v
		}
		cp.Meta = meta
	}
	return &cp
}

// StatusFrame is the differential snapshot streamed to status subscribers.
type StatusFrame struct {
	ID         string     `json:"id"`
	Type       RunType    `json:"type"`
	Status     RunStatus  `json:"status"`
	OutDir     string     `json:"out_dir"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Frame projects the record onto its streamable status fields.
func (r *RunRecord) Frame() StatusFrame {
	return StatusFrame{
		ID:         r.ID,
		Type:       r.Type,
		Status:     r.Status,
		OutDir:     r.OutDir,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}

// NewRunID generates a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}
