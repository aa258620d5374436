// Package events carries upload lifecycle notifications from the engine to
// any number of observers.
package events

import (
	"time"

	"github.com/arkilian/spool/pkg/types"
)

// Kind identifies a lifecycle notification.
type Kind int

const (
	Added Kind = iota
	Progress
	Finished
	Failed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Progress:
		return "progress"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sink observes upload lifecycle events. Calls arrive from engine goroutines,
// possibly concurrently for different records, and must not block for long.
type Sink interface {
	// OnAdded is called when a record is accepted or recovered.
	OnAdded(rec *types.UploadRecord)
	// OnProgress reports cumulative bytes sent during an attempt.
	OnProgress(rec *types.UploadRecord, done int64)
	// OnFinished is called once when a record uploads successfully.
	OnFinished(rec *types.UploadRecord, node *types.Node)
	// OnFailed is called for every failed attempt. err may be nil.
	OnFailed(rec *types.UploadRecord, reason types.FailReason, err error)
}

// Event is a Sink callback captured as a value.
type Event struct {
	Kind   Kind
	Record *types.UploadRecord
	Done   int64
	Node   *types.Node
	Reason types.FailReason
	Err    error
	Time   time.Time
}

// Funcs adapts plain functions to a Sink. Nil fields are skipped.
type Funcs struct {
	Added    func(rec *types.UploadRecord)
	Progress func(rec *types.UploadRecord, done int64)
	Finished func(rec *types.UploadRecord, node *types.Node)
	Failed   func(rec *types.UploadRecord, reason types.FailReason, err error)
}

func (f Funcs) OnAdded(rec *types.UploadRecord) {
	if f.Added != nil {
		f.Added(rec)
	}
}

func (f Funcs) OnProgress(rec *types.UploadRecord, done int64) {
	if f.Progress != nil {
		f.Progress(rec, done)
	}
}

func (f Funcs) OnFinished(rec *types.UploadRecord, node *types.Node) {
	if f.Finished != nil {
		f.Finished(rec, node)
	}
}

func (f Funcs) OnFailed(rec *types.UploadRecord, reason types.FailReason, err error) {
	if f.Failed != nil {
		f.Failed(rec, reason, err)
	}
}
