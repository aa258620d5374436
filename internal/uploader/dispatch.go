package uploader

import (
	"context"
	"fmt"
	"time"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/pkg/types"
)

// dispatch moves records from the queue into attempts, one slot each, until
// ctx is cancelled. A record taken but not started goes back to the head of
// the queue.
func (e *Engine) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		rec, err := e.queue.Take(ctx)
		if err != nil {
			return
		}
		ent := e.index.get(rec.ID)
		if ent == nil {
			continue
		}
		if err := e.limiter.Acquire(ctx); err != nil {
			e.queue.PushFront(rec)
			return
		}
		e.attempts.Add(1)
		go e.run(ctx, ent)
	}
}

// run executes one attempt in its slot and settles the outcome.
func (e *Engine) run(ctx context.Context, ent *entry) {
	defer e.attempts.Done()
	out := e.safeAttempt(ctx, ent)
	e.limiter.Release()
	e.settle(ctx, ent, out)
}

// safeAttempt turns a panic inside an attempt into a retryable failure.
func (e *Engine) safeAttempt(ctx context.Context, ent *entry) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("id", ent.rec.ID).Interface("panic", r).Msg("upload attempt panicked")
			out = outcome{
				verdict: verdictRetry,
				reason:  types.Unexpected,
				err:     serrors.NewInternalError(fmt.Sprintf("upload attempt panicked: %v", r), nil),
			}
		}
	}()
	return e.attempt(ctx, ent)
}

// settle applies an attempt outcome: persistence, index, events and retry.
func (e *Engine) settle(ctx context.Context, ent *entry, out outcome) {
	rec := ent.rec
	view := e.view(ent)
	log := e.logger.With().Str("id", rec.ID).Str("path", rec.RemotePath).Int("attempt", view.Attempts).Logger()

	switch out.verdict {
	case verdictFinish:
		e.cleanup(rec, out.purge)
		e.complete(ent)
		e.finished.Add(1)
		log.Info().Str("node", out.node.ID).Msg("upload finished")
		e.bus.OnFinished(view, out.node)

	case verdictDrop:
		e.cleanup(rec, out.purge)
		e.complete(ent)
		e.failed.Add(1)
		log.Warn().Err(out.err).Stringer("reason", out.reason).Msg("upload failed permanently")
		e.bus.OnFailed(view, out.reason, out.err)

	case verdictShutdown:
		// Nothing was sent; the record is first in line when the engine runs again.
		e.index.setState(ent, StateQueued)
		log.Debug().Msg("upload not started before shutdown")
		e.queue.PushFront(rec)

	case verdictRetry:
		e.failed.Add(1)
		e.index.failed(ent, out.reason)
		if e.retry.Exhausted(view.Attempts) {
			err := fmt.Errorf("giving up after %d attempts: %w", view.Attempts, out.err)
			e.cleanup(rec, false)
			e.complete(ent)
			log.Error().Err(out.err).Stringer("reason", out.reason).Msg("upload retries exhausted")
			e.bus.OnFailed(view, types.Unexpected, err)
			return
		}

		delay := e.retry.Backoff(view.Attempts)
		log.Warn().Err(out.err).Stringer("reason", out.reason).Dur("retry_in", delay).Msg("upload failed, will retry")
		e.index.setState(ent, StateWaiting)
		e.bus.OnFailed(view, out.reason, out.err)
		e.attempts.Add(1)
		go e.requeueAfter(ctx, ent, delay)
	}
}

// requeueAfter parks a failed record for the retry delay, then queues it
// again. Cancelling the record during the delay ends it as Cancelled;
// stopping the engine queues it at once.
//
// The entry stays in the active index as StateWaiting for the whole delay
// instead of leaving it, so Cancel and Active still see the record.
func (e *Engine) requeueAfter(ctx context.Context, ent *entry, delay time.Duration) {
	defer e.attempts.Done()

	waitCtx, stop := joinContexts(ctx, ent.ctx)
	e.wait(waitCtx, delay)
	stop()

	if ent.ctx.Err() != nil {
		e.settle(ctx, ent, outcome{verdict: verdictDrop, reason: types.Cancelled, err: context.Canceled, purge: true})
		return
	}
	e.index.setState(ent, StateQueued)
	e.queue.Push(ent.rec)
}

// cleanup removes the record's persistence and, with purge, its cached bytes.
func (e *Engine) cleanup(rec *types.UploadRecord, purge bool) {
	var err error
	if purge {
		err = e.store.Purge(rec)
	} else {
		err = e.store.Remove(rec.ID)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("id", rec.ID).Msg("failed to remove upload record")
	}
}

// complete ends the record's lifecycle in the engine.
func (e *Engine) complete(ent *entry) {
	e.index.remove(ent.rec.ID)
	e.pending.Add(-1)
}

// view returns a copy of the record carrying its attempt count, for observers.
func (e *Engine) view(ent *entry) *types.UploadRecord {
	e.index.mu.Lock()
	defer e.index.mu.Unlock()
	v := ent.rec.Clone()
	v.Attempts = ent.attempts
	return v
}

// joinContexts returns a context done when either parent is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
