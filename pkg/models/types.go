package models

import (
	"sync/atomic"
)

// ObjectStatus is the lifecycle state of a single object within a sync.
type ObjectStatus string

const (
	StatusError          ObjectStatus = "Error"
	StatusRetryQueue     ObjectStatus = "RetryQueue"
	StatusInTransfer     ObjectStatus = "InTransfer"
	StatusInVerification ObjectStatus = "InVerification"
	StatusTransferred    ObjectStatus = "Transferred"
	StatusVerified       ObjectStatus = "Verified"
)

// IsSuccess reports whether the object reached a completed state.
func (s ObjectStatus) IsSuccess() bool {
	return s == StatusTransferred || s == StatusVerified
}

// IsTerminal reports whether no further transitions are expected.
func (s ObjectStatus) IsTerminal() bool {
	return s.IsSuccess() || s == StatusError
}

// ObjectSummary describes an object found during enumeration.
type ObjectSummary struct {
	Identifier  string `json:"identifier"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
	ListFileRow string `json:"list_file_row,omitempty"`
}

// ObjectContext is the unit of work handed to a sync task. A context is owned
// by the task executing it.
type ObjectContext struct {
	Summary  *ObjectSummary
	TargetID string
	Object   *SyncObject
	Status   ObjectStatus
	Options  *SyncOptions

	failures atomic.Int32
}

// NewObjectContext wraps summary for dispatch.
func NewObjectContext(summary *ObjectSummary, opts *SyncOptions) *ObjectContext {
	return &ObjectContext{Summary: summary, Options: opts}
}

// SourceID returns the source identifier of the object.
func (oc *ObjectContext) SourceID() string {
	return oc.Summary.Identifier
}

// Failures returns the number of failed attempts so far.
func (oc *ObjectContext) Failures() int {
	return int(oc.failures.Load())
}

// IncFailures records a failed attempt and returns the new count.
func (oc *ObjectContext) IncFailures() int {
	return int(oc.failures.Add(1))
}

// SyncEstimate holds totals gathered by the estimation pre-scan.
type SyncEstimate struct {
	totalObjects atomic.Int64
	totalBytes   atomic.Int64
	running      atomic.Bool
}

// Add accounts one enumerated object.
func (e *SyncEstimate) Add(size int64) {
	e.totalObjects.Add(1)
	e.totalBytes.Add(size)
}

func (e *SyncEstimate) SetRunning(running bool) { e.running.Store(running) }
func (e *SyncEstimate) Running() bool           { return e.running.Load() }
func (e *SyncEstimate) TotalObjects() int64     { return e.totalObjects.Load() }
func (e *SyncEstimate) TotalBytes() int64       { return e.totalBytes.Load() }
