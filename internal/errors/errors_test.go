package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arkilian/spool/pkg/types"
)

func TestSpoolError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeIOFailure, "write record")
	assert.Equal(t, "[STORAGE:IO_FAILURE] write record", err.Error())

	wrapped := Wrap(ErrCategoryRemote, CodeTransferFailed, "upload", fmt.Errorf("connection reset"))
	assert.Equal(t, "[REMOTE:TRANSFER_FAILED] upload: connection reset", wrapped.Error())
}

func TestSpoolError_IsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewStorageError(CodeIOFailure, "persist", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, fmt.Errorf("outer: %w", err), New(ErrCategoryStorage, CodeIOFailure, "other message"))
	assert.NotErrorIs(t, err, New(ErrCategoryStorage, CodeCorruptRecord, "x"))
	assert.NotErrorIs(t, err, New(ErrCategoryRemote, CodeIOFailure, "x"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryRemote, CodeTransferFailed, true},
		{ErrCategoryRemote, CodeRemoteConflict, false},
		{ErrCategoryRemote, CodeRemoteNotFound, false},
		{ErrCategoryUpload, CodeNoResultNode, true},
		{ErrCategoryUpload, CodeCancelled, false},
		{ErrCategoryValidation, CodeZeroLength, false},
		{ErrCategoryValidation, CodeDuplicateID, false},
		{ErrCategoryStorage, CodeIOFailure, false},
		{ErrCategoryInternal, CodeUnexpected, true},
	}
	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		assert.Equal(t, tt.retryable, IsRetryable(err), "%s:%s", tt.category, tt.code)
	}
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewRemoteError(CodeRemoteConflict, "exists", nil))
	assert.Equal(t, ErrCategoryRemote, GetCategory(err))
	assert.Equal(t, CodeRemoteConflict, GetCode(err))

	assert.Empty(t, GetCategory(errors.New("plain")))
	assert.Empty(t, GetCode(errors.New("plain")))
}

func TestWithDetails(t *testing.T) {
	err := NewValidationError(CodeInvalidRef, "missing parent")
	detailed := err.WithDetails(map[string]any{"field": "parent_id"})

	assert.Equal(t, "parent_id", detailed.Details["field"])
	assert.Nil(t, err.Details)
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.FailReason
	}{
		{"zero length", NewValidationError(CodeZeroLength, "empty"), types.ZeroLength},
		{"no result", NewUploadError(CodeNoResultNode, "nil node"), types.NoResultNode},
		{"missing folder", NewRemoteError(CodeRemoteNotFound, "gone", nil), types.NoFolderNode},
		{"not a folder", NewRemoteError(CodeNotAFolder, "file", nil), types.NoFolderNode},
		{"conflict", fmt.Errorf("put: %w", NewRemoteError(CodeRemoteConflict, "exists", nil)), types.Conflict},
		{"cancelled code", NewUploadError(CodeCancelled, "stop"), types.Cancelled},
		{"context canceled", fmt.Errorf("read: %w", context.Canceled), types.Cancelled},
		{"transport", NewRemoteError(CodeTransferFailed, "reset", nil), types.Unexpected},
		{"plain", errors.New("boom"), types.Unexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.err))
		})
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	s := NewStorageError(CodeIOFailure, "fsync", cause)
	assert.Equal(t, ErrCategoryStorage, s.Category)
	assert.ErrorIs(t, s, cause)

	i := NewInternalError("panic", cause)
	assert.Equal(t, CodeUnexpected, i.Code)
	assert.True(t, i.Retryable)

	u := NewUploadError(CodeNotRunning, "stopped")
	assert.Equal(t, ErrCategoryUpload, u.Category)
	assert.Nil(t, u.Cause)
}
