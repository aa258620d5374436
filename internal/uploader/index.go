package uploader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arkilian/spool/pkg/types"
)

// State is where an accepted record currently sits in the pipeline.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateWaiting State = "waiting"
)

// entry is the engine's bookkeeping for one accepted record. The record's
// own cancellation signal lives here, beside the record.
type entry struct {
	rec    *types.UploadRecord
	ctx    context.Context
	cancel context.CancelFunc

	state      State
	attempts   int
	done       int64
	lastReason *types.FailReason
	acceptedAt time.Time
}

// Status is a point-in-time view of an accepted record.
type Status struct {
	Record     *types.UploadRecord `json:"record"`
	State      State               `json:"state"`
	Attempts   int                 `json:"attempts"`
	Done       int64               `json:"done"`
	LastReason string              `json:"last_reason,omitempty"`
}

// activeIndex maps record ids to entries for every record that has been
// accepted and has not yet reached a terminal outcome.
type activeIndex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newActiveIndex() *activeIndex {
	return &activeIndex{entries: map[string]*entry{}}
}

// add registers rec and reports false if its id is already present.
func (x *activeIndex) add(rec *types.UploadRecord) (*entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[rec.ID]; ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{rec: rec, ctx: ctx, cancel: cancel, state: StateQueued, acceptedAt: time.Now()}
	x.entries[rec.ID] = e
	return e, true
}

func (x *activeIndex) get(id string) *entry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.entries[id]
}

// remove drops the entry and releases its cancellation resources.
func (x *activeIndex) remove(id string) {
	x.mu.Lock()
	e, ok := x.entries[id]
	delete(x.entries, id)
	x.mu.Unlock()
	if ok {
		e.cancel()
	}
}

func (x *activeIndex) setState(e *entry, s State) {
	x.mu.Lock()
	e.state = s
	x.mu.Unlock()
}

// begin marks e running and returns its attempt number, starting at 1.
func (x *activeIndex) begin(e *entry) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	e.state = StateRunning
	e.attempts++
	e.done = 0
	return e.attempts
}

func (x *activeIndex) progress(e *entry, done int64) {
	x.mu.Lock()
	e.done = done
	x.mu.Unlock()
}

func (x *activeIndex) failed(e *entry, reason types.FailReason) {
	x.mu.Lock()
	e.lastReason = &reason
	x.mu.Unlock()
}

func (x *activeIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

// snapshot returns every entry's status ordered by acceptance time.
func (x *activeIndex) snapshot() []Status {
	x.mu.Lock()
	defer x.mu.Unlock()

	type keyed struct {
		at time.Time
		s  Status
	}
	all := make([]keyed, 0, len(x.entries))
	for _, e := range x.entries {
		s := Status{
			Record:   e.rec.Clone(),
			State:    e.state,
			Attempts: e.attempts,
			Done:     e.done,
		}
		s.Record.Attempts = e.attempts
		if e.lastReason != nil {
			s.LastReason = e.lastReason.String()
		}
		all = append(all, keyed{at: e.acceptedAt, s: s})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].s.Record.ID < all[j].s.Record.ID
	})

	out := make([]Status, len(all))
	for i, k := range all {
		out[i] = k.s
	}
	return out
}
