// Package uploader moves cached files to a remote backend.
//
// An Engine accepts upload records, persists them, and runs them through a
// bounded pool of attempts. Records survive restarts: anything accepted and
// not yet finished is recovered from the record store on the next Start.
// Transient failures are retried after a delay; permanent ones are reported
// once through the event sinks.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/internal/events"
	"github.com/arkilian/spool/internal/limiter"
	"github.com/arkilian/spool/internal/queue"
	"github.com/arkilian/spool/internal/recordstore"
	"github.com/arkilian/spool/internal/remote"
	"github.com/arkilian/spool/pkg/types"
)

var (
	// ErrDuplicateID is returned when a record with the same id is already pending.
	ErrDuplicateID = serrors.NewValidationError(serrors.CodeDuplicateID, "upload with this id is already pending")

	// ErrNotRunning is returned by WaitForDrain when records are pending but the
	// engine is stopped, so they can never drain.
	ErrNotRunning = serrors.NewUploadError(serrors.CodeNotRunning, "upload engine is not running")
)

// EventSink observes upload lifecycle events.
type EventSink = events.Sink

// drainPollInterval is how often WaitForDrain rechecks the pending count.
const drainPollInterval = 100 * time.Millisecond

// Engine is the upload pipeline for one remote account.
type Engine struct {
	client  remote.Client
	store   *recordstore.Store
	queue   *queue.Pending
	limiter *limiter.Limiter
	index   *activeIndex
	bus     *events.Bus
	retry   RetryPolicy
	logger  zerolog.Logger
	wait    func(ctx context.Context, d time.Duration) bool

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	recovered bool
	done      chan struct{}

	// attempts tracks attempt and retry-delay goroutines.
	attempts sync.WaitGroup
	// pending counts records accepted and not yet terminal.
	pending atomic.Int64

	finished atomic.Int64
	failed   atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency sets the number of simultaneous attempts (default 4).
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.limiter = limiter.New(n) }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSinks subscribes sinks to the engine's event bus.
func WithSinks(sinks ...EventSink) Option {
	return func(e *Engine) {
		for _, s := range sinks {
			e.bus.SubscribeAutoID(s)
		}
	}
}

// WithWaitFunc replaces the retry-delay wait. fn must return true once d has
// elapsed, or false early if ctx is done.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Engine) { e.wait = fn }
}

// New creates a stopped engine. Records can be enqueued before Start; they
// begin uploading once the engine runs.
func New(client remote.Client, store *recordstore.Store, opts ...Option) *Engine {
	e := &Engine{
		client:  client,
		store:   store,
		queue:   queue.NewPending(),
		limiter: limiter.New(4),
		index:   newActiveIndex(),
		retry:   DefaultRetryPolicy(),
		logger:  zerolog.Nop(),
		wait:    sleepCtx,
	}
	e.bus = events.NewBus(zerolog.Nop())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events returns the bus sinks can subscribe to at any time.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// EnqueueNew accepts a new file for upload under ref.ParentID. An id is
// generated when ref.ID is empty; LocalPath defaults to the store's cache path
// for the id.
//
// A zero-length ref is reported as a ZeroLength failure and not persisted; the
// returned error is nil in that case.
func (e *Engine) EnqueueNew(ref types.FileRef) (*types.UploadRecord, error) {
	id := ref.ID
	if id == "" {
		var err error
		if id, err = types.NewRecordID(); err != nil {
			return nil, serrors.NewInternalError("generate record id", err)
		}
	}
	return e.accept(e.newRecord(id, ref, false))
}

// EnqueueOverwrite accepts new contents for the existing remote file ref.ID.
func (e *Engine) EnqueueOverwrite(ref types.FileRef) (*types.UploadRecord, error) {
	if ref.ID == "" {
		return nil, serrors.NewValidationError(serrors.CodeInvalidRef, "overwrite requires the node id")
	}
	return e.accept(e.newRecord(ref.ID, ref, true))
}

func (e *Engine) newRecord(id string, ref types.FileRef, overwrite bool) *types.UploadRecord {
	local := ref.LocalPath
	if local == "" {
		local = e.store.CachePath(id)
	}
	return &types.UploadRecord{
		ID:         id,
		LocalPath:  local,
		RemotePath: ref.RemotePath,
		ParentID:   ref.ParentID,
		Length:     ref.Length,
		Overwrite:  overwrite,
		CreatedAt:  time.Now().UTC(),
	}
}

func (e *Engine) accept(rec *types.UploadRecord) (*types.UploadRecord, error) {
	if rec.Length <= 0 {
		e.logger.Warn().Str("id", rec.ID).Str("path", rec.RemotePath).Msg("zero length upload rejected")
		e.failed.Add(1)
		e.bus.OnFailed(rec, types.ZeroLength, serrors.NewValidationError(serrors.CodeZeroLength, "file is empty"))
		return rec, nil
	}

	ent, ok := e.index.add(rec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if err := e.store.Persist(rec); err != nil {
		e.index.remove(rec.ID)
		if errors.Is(err, recordstore.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return nil, err
	}

	e.pending.Add(1)
	e.bus.OnAdded(rec)
	e.queue.Push(ent.rec)
	e.logger.Debug().Str("id", rec.ID).Str("path", rec.RemotePath).Bool("overwrite", rec.Overwrite).Msg("upload accepted")
	return rec, nil
}

// Cancel requests cancellation of record id. It is a no-op for unknown ids.
// A cancelled record is reported once as Cancelled and its persistence and
// cached bytes are removed.
func (e *Engine) Cancel(id string) {
	if ent := e.index.get(id); ent != nil {
		ent.cancel()
	}
}

// Start launches the dispatcher. The first Start also recovers persisted
// records. Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.done = make(chan struct{})
	firstStart := !e.recovered
	e.recovered = true
	runCtx, done := e.ctx, e.done
	e.mu.Unlock()

	if firstStart {
		e.recoverRecords()
	}

	e.logger.Info().
		Int("concurrency", e.limiter.Capacity()).
		Int("queued", e.queue.Len()).
		Msg("upload engine started")
	go e.dispatch(runCtx, done)
	return nil
}

// recoverRecords re-accepts every persisted record not already pending.
func (e *Engine) recoverRecords() {
	n := 0
	for rec := range e.store.RecoverAll() {
		ent, ok := e.index.add(rec)
		if !ok {
			continue
		}
		e.pending.Add(1)
		e.bus.OnAdded(rec)
		e.queue.Push(ent.rec)
		n++
	}
	if n > 0 {
		e.logger.Info().Int("count", n).Str("dir", e.store.Dir()).Msg("recovered pending uploads")
	}
}

// Stop cancels the engine and waits for the dispatcher to exit. Running
// attempts observe the cancellation and end on their own: a transfer in
// progress ends as Cancelled and is purged, an attempt that had not started
// sending goes back to the queue. Stop on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	<-done
	e.logger.Info().Int64("pending", e.pending.Load()).Msg("upload engine stopped")
}

// Close stops the engine and waits for running attempts to wind down.
func (e *Engine) Close() error {
	e.Stop()
	e.attempts.Wait()
	return nil
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// WaitForDrain blocks until no accepted record is waiting, retrying or
// running and every upload slot is free. It returns at once when idle,
// ctx.Err() if ctx ends first, and ErrNotRunning if the engine is stopped
// while records are still pending.
func (e *Engine) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if e.pending.Load() == 0 {
			return e.limiter.DrainAll(ctx)
		}
		if !e.Running() {
			return ErrNotRunning
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Active returns the status of every pending record, oldest first.
func (e *Engine) Active() []Status {
	return e.index.snapshot()
}

// Stats is a summary of the engine's counters.
type Stats struct {
	Running   bool  `json:"running"`
	Pending   int64 `json:"pending"`
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Capacity  int   `json:"capacity"`
	Persisted int   `json:"persisted"`
	Finished  int64 `json:"finished"`
	Failed    int64 `json:"failed"`
}

// Stats returns the engine's current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Running:   e.Running(),
		Pending:   e.pending.Load(),
		Queued:    e.queue.Len(),
		InFlight:  e.limiter.InUse(),
		Capacity:  e.limiter.Capacity(),
		Persisted: e.store.Count(),
		Finished:  e.finished.Load(),
		Failed:    e.failed.Load(),
	}
}
