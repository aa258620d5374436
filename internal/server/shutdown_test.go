package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_OrderAndOnce(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	sm.RegisterCloser("a", CloserFunc(func() error { record("close a"); return nil }))
	sm.RegisterCloser("b", CloserFunc(func() error { record("close b"); return nil }))
	sm.RegisterDrain("engine", func(ctx context.Context) error { record("drain"); return nil })

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Equal(t, []string{"drain", "close b", "close a"}, order)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond})
	boom := errors.New("boom")
	sm.RegisterCloser("bad", CloserFunc(func() error { return boom }))
	sm.RegisterDrain("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMiddleware_RejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	h := sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), sm.InFlightCount())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	require.True(t, sm.TrackRequest())

	done := make(chan error, 1)
	go func() { done <- sm.Shutdown(context.Background(), "test") }()

	select {
	case <-done:
		t.Fatal("shutdown finished with a request in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, sm.TrackRequest())
	sm.UntrackRequest()
	require.NoError(t, <-done)
}

func TestServeHTTP_ClosedByShutdown(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{Handler: sm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))}
	served := make(chan error, 1)
	go func() { served <- sm.ServeHTTP(srv, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusTeapot
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.NoError(t, <-served)
}
