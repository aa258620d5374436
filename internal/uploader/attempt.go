package uploader

import (
	"context"
	"errors"
	"fmt"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/internal/remote"
	"github.com/arkilian/spool/pkg/types"
)

type verdict int

const (
	// verdictFinish: uploaded; drop persistence and report the node.
	verdictFinish verdict = iota
	// verdictRetry: transient failure; report it and queue again after a delay.
	verdictRetry
	// verdictDrop: permanent failure; report it and drop persistence.
	verdictDrop
	// verdictShutdown: the engine stopped before the transfer began; the
	// record goes back to the head of the queue untouched.
	verdictShutdown
)

type outcome struct {
	verdict verdict
	node    *types.Node
	reason  types.FailReason
	err     error
	// purge also deletes the cached bytes when dropping persistence.
	purge bool
}

// attempt runs one upload of ent's record: validate, transfer, classify.
// engineCtx is the engine's signal; ent.ctx is the record's own.
func (e *Engine) attempt(engineCtx context.Context, ent *entry) outcome {
	rec := ent.rec
	n := e.index.begin(ent)
	e.logger.Debug().Str("id", rec.ID).Str("path", rec.RemotePath).Int("attempt", n).Msg("upload started")

	ctx, stop := joinContexts(engineCtx, ent.ctx)
	defer stop()

	// Either signal ends a running transfer for good. Before the transfer an
	// engine stop only hands the record back.
	transferring := false
	interrupted := func() (outcome, bool) {
		switch {
		case ent.ctx.Err() != nil:
			return outcome{verdict: verdictDrop, reason: types.Cancelled, err: context.Canceled, purge: true}, true
		case engineCtx.Err() != nil && transferring:
			return outcome{verdict: verdictDrop, reason: types.Cancelled, err: engineCtx.Err(), purge: true}, true
		case engineCtx.Err() != nil:
			return outcome{verdict: verdictShutdown, err: engineCtx.Err()}, true
		}
		return outcome{}, false
	}

	if out, ok := interrupted(); ok {
		return out
	}
	if rec.Length == 0 {
		return outcome{
			verdict: verdictDrop,
			reason:  types.ZeroLength,
			err:     serrors.NewValidationError(serrors.CodeZeroLength, "cached file is empty or missing"),
		}
	}

	src := remote.FileSource(rec.LocalPath)
	progress := e.progressFunc(engineCtx, ent)

	var (
		node *types.Node
		err  error
	)
	if !rec.Overwrite {
		parent, lerr := e.client.GetNode(ctx, rec.ParentID)
		if lerr != nil {
			if out, ok := interrupted(); ok {
				return out
			}
			return outcome{verdict: verdictRetry, reason: types.Unexpected, err: lerr}
		}
		if parent == nil || !parent.IsDir {
			return outcome{
				verdict: verdictDrop,
				reason:  types.NoFolderNode,
				err:     serrors.NewRemoteError(serrors.CodeNotAFolder, "parent folder is missing", nil),
			}
		}
		transferring = true
		node, err = e.client.UploadNew(ctx, rec.ParentID, rec.Name(), src, progress)
	} else {
		target, lerr := e.client.GetNode(ctx, rec.ID)
		if lerr != nil {
			if out, ok := interrupted(); ok {
				return out
			}
			return outcome{verdict: verdictRetry, reason: types.Unexpected, err: lerr}
		}
		if target == nil {
			return outcome{
				verdict: verdictDrop,
				reason:  types.NoOverwriteNode,
				err:     serrors.NewRemoteError(serrors.CodeRemoteNotFound, "no file to overwrite", nil),
			}
		}
		transferring = true
		node, err = e.client.Overwrite(ctx, rec.ID, src, progress)
	}

	if err != nil {
		if out, ok := interrupted(); ok {
			return out
		}
	}

	switch {
	case err == nil && node == nil:
		return outcome{
			verdict: verdictRetry,
			reason:  types.NoResultNode,
			err:     serrors.NewUploadError(serrors.CodeNoResultNode, "backend returned no node"),
		}

	case err == nil:
		if node.Path == "" {
			node.Path = rec.RemotePath
		}
		return outcome{verdict: verdictFinish, node: node}

	case errors.Is(err, remote.ErrConflict):
		// The name is taken. If it is ours from an earlier attempt whose reply
		// was lost, that counts as done.
		existing, gerr := e.client.GetChild(ctx, rec.ParentID, rec.Name())
		if gerr == nil && existing != nil {
			if existing.Path == "" {
				existing.Path = rec.RemotePath
			}
			return outcome{verdict: verdictFinish, node: existing, purge: true}
		}
		return outcome{
			verdict: verdictDrop,
			reason:  types.Unexpected,
			err:     fmt.Errorf("unresolved upload conflict: %w", errors.Join(err, gerr)),
			purge:   true,
		}

	case errors.Is(err, remote.ErrNotFound):
		return outcome{verdict: verdictDrop, reason: types.NoFolderNode, err: err, purge: true}

	default:
		return outcome{verdict: verdictRetry, reason: types.Unexpected, err: err}
	}
}

// progressFunc reports transfer progress and aborts the transfer as soon as
// either cancellation signal is set.
func (e *Engine) progressFunc(engineCtx context.Context, ent *entry) remote.ProgressFunc {
	return func(done int64) error {
		e.index.progress(ent, done)
		e.bus.OnProgress(e.view(ent), done)
		if err := ent.ctx.Err(); err != nil {
			return err
		}
		return engineCtx.Err()
	}
}
