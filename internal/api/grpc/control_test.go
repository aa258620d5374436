package grpc

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/arkilian/spool/internal/recordstore"
	"github.com/arkilian/spool/internal/remote/remotetest"
	"github.com/arkilian/spool/internal/uploader"
	"github.com/arkilian/spool/pkg/types"
)

type fixture struct {
	store  *recordstore.Store
	engine *uploader.Engine
	remote *remotetest.Client
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rc := remotetest.NewClient()
	rc.AddFolder("docs", remotetest.RootID, "docs")
	store, err := recordstore.Open(t.TempDir())
	require.NoError(t, err)
	engine := uploader.New(rc, store,
		uploader.WithWaitFunc(func(context.Context, time.Duration) bool { return true }))
	t.Cleanup(func() { _ = engine.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(engine, zerolog.Nop())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fixture{store: store, engine: engine, remote: rc, client: NewClient(conn)}
}

func (f *fixture) ref(t *testing.T, id string, n int) types.FileRef {
	t.Helper()
	require.NoError(t, os.WriteFile(f.store.CachePath(id), make([]byte, n), 0644))
	return types.FileRef{ID: id, RemotePath: "/docs/" + id, ParentID: "docs", Length: int64(n)}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControl_EnqueueListDrain(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	id, err := f.client.Enqueue(ctx, f.ref(t, "g1", 50), false)
	require.NoError(t, err)
	assert.Equal(t, "g1", id)

	items, err := f.client.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "g1", items[0]["id"])
	assert.Equal(t, "queued", items[0]["state"])
	assert.Equal(t, 50.0, items[0]["length"])

	err = f.client.Drain(ctx)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.client.Drain(ctx))

	items, err = f.client.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, f.remote.Transfers())
}

func TestControl_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	_, err := f.client.Enqueue(ctx, types.FileRef{Length: 3}, false)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ref := f.ref(t, "dup", 3)
	_, err = f.client.Enqueue(ctx, ref, false)
	require.NoError(t, err)
	_, err = f.client.Enqueue(ctx, ref, false)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = f.client.Enqueue(ctx, types.FileRef{RemotePath: "/docs/x", Length: 3}, true)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Equal(t, codes.InvalidArgument, status.Code(f.client.Cancel(ctx, "")))
}

func TestControl_CancelAndRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := metadata.AppendToOutgoingContext(ctxTimeout(t), "x-request-id", "rid-7")

	_, err := f.client.Enqueue(ctx, f.ref(t, "c1", 4), false)
	require.NoError(t, err)

	var header metadata.MD
	require.NoError(t, f.client.Cancel(ctx, "c1", grpc.Header(&header)))
	assert.Equal(t, []string{"rid-7"}, header.Get("x-request-id"))

	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.client.Drain(ctx))
	assert.Equal(t, 0, f.remote.Transfers())
	assert.Equal(t, 0, f.store.Count())
}

func TestControl_DrainDeadline(t *testing.T) {
	f := newFixture(t)
	f.remote.Block()
	t.Cleanup(f.remote.Unblock)
	require.NoError(t, f.engine.Start(context.Background()))

	_, err := f.client.Enqueue(ctxTimeout(t), f.ref(t, "slow", 4), false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = f.client.Drain(ctx)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}
