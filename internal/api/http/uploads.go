package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/internal/observability"
	"github.com/arkilian/spool/internal/uploader"
	"github.com/arkilian/spool/pkg/types"
)

// defaultDrainTimeout bounds POST /v1/drain when no timeout is given.
const defaultDrainTimeout = 30 * time.Second

// Engine is the part of uploader.Engine the API drives.
type Engine interface {
	EnqueueNew(ref types.FileRef) (*types.UploadRecord, error)
	EnqueueOverwrite(ref types.FileRef) (*types.UploadRecord, error)
	Cancel(id string)
	Active() []uploader.Status
	Stats() uploader.Stats
	WaitForDrain(ctx context.Context) error
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Engine   uploader.Stats              `json:"engine"`
	Folders  []observability.FolderStats `json:"folders,omitempty"`
	Failures map[string]int64            `json:"failures,omitempty"`
}

// UploadsHandler serves the upload control routes.
type UploadsHandler struct {
	engine Engine
	stats  *observability.UploadStats
	logger zerolog.Logger
}

// NewUploadsHandler creates the handler. stats may be nil.
func NewUploadsHandler(engine Engine, stats *observability.UploadStats, logger zerolog.Logger) *UploadsHandler {
	return &UploadsHandler{engine: engine, stats: stats, logger: logger}
}

// NewRouter mounts the API. metrics is served at /metrics when non-nil.
func NewRouter(h *UploadsHandler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/uploads", h.enqueueNew)
	mux.HandleFunc("POST /v1/uploads/overwrite", h.enqueueOverwrite)
	mux.HandleFunc("GET /v1/uploads", h.list)
	mux.HandleFunc("DELETE /v1/uploads/{id...}", h.cancel)
	mux.HandleFunc("POST /v1/drain", h.drain)
	mux.HandleFunc("GET /v1/stats", h.statsHandler)
	mux.HandleFunc("GET /health", h.health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return DefaultMiddleware(h.logger)(mux)
}

func (h *UploadsHandler) enqueueNew(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.engine.EnqueueNew)
}

func (h *UploadsHandler) enqueueOverwrite(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, h.engine.EnqueueOverwrite)
}

func (h *UploadsHandler) enqueue(w http.ResponseWriter, r *http.Request, fn func(types.FileRef) (*types.UploadRecord, error)) {
	requestID := GetRequestID(r.Context())

	var ref types.FileRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), serrors.CodeInvalidRef, requestID)
		return
	}
	if ref.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "remote_path is required", serrors.CodeInvalidRef, requestID)
		return
	}

	rec, err := fn(ref)
	if err != nil {
		h.writeEngineError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *UploadsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Active())
}

// cancel is a no-op for unknown ids, so it always answers 204.
func (h *UploadsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.engine.Cancel(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *UploadsHandler) drain(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	timeout := defaultDrainTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v), "", requestID)
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := h.engine.WaitForDrain(ctx); err != nil {
		switch {
		case errors.Is(err, uploader.ErrNotRunning):
			writeError(w, http.StatusConflict, err.Error(), serrors.CodeNotRunning, requestID)
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "uploads still pending", "", requestID)
		default:
			writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		}
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *UploadsHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Engine: h.engine.Stats()}
	if h.stats != nil {
		resp.Folders = h.stats.TopFolders(20)
		resp.Failures = h.stats.Failures()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadsHandler) health(w http.ResponseWriter, r *http.Request) {
	st := h.engine.Stats()
	status := http.StatusOK
	state := "ok"
	if !st.Running {
		status, state = http.StatusServiceUnavailable, "stopped"
	}
	writeJSON(w, status, map[string]any{"status": state, "pending": st.Pending})
}

func (h *UploadsHandler) writeEngineError(w http.ResponseWriter, err error, requestID string) {
	code := serrors.GetCode(err)
	switch {
	case errors.Is(err, uploader.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error(), code, requestID)
	case serrors.GetCategory(err) == serrors.ErrCategoryValidation:
		writeError(w, http.StatusBadRequest, err.Error(), code, requestID)
	default:
		h.logger.Error().Err(err).Str("request_id", requestID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, err.Error(), code, requestID)
	}
}
