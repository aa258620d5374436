package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/spool/pkg/types"
)

func TestBus_NoSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop())
	rec := &types.UploadRecord{ID: "a"}
	assert.NotPanics(t, func() {
		b.OnAdded(rec)
		b.OnProgress(rec, 1)
		b.OnFinished(rec, &types.Node{ID: "n"})
		b.OnFailed(rec, types.Unexpected, nil)
	})
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus(zerolog.Nop())
	first := NewChannelSink(8)
	second := NewChannelSink(8)
	b.Subscribe("first", first)
	id := b.SubscribeAutoID(second)
	assert.NotEmpty(t, id)

	rec := &types.UploadRecord{ID: "a", RemotePath: "/x"}
	b.OnAdded(rec)
	b.OnFailed(rec, types.NoFolderNode, errors.New("gone"))

	for _, s := range []*ChannelSink{first, second} {
		ev := <-s.C()
		assert.Equal(t, Added, ev.Kind)
		ev = <-s.C()
		assert.Equal(t, Failed, ev.Kind)
		assert.Equal(t, types.NoFolderNode, ev.Reason)
		assert.EqualError(t, ev.Err, "gone")
		assert.False(t, ev.Time.IsZero())
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(zerolog.Nop())
	s := NewChannelSink(1)
	b.Subscribe("s", s)
	b.Unsubscribe("s")

	_, ok := <-s.C()
	assert.False(t, ok)

	// later events go nowhere and do not panic
	b.OnAdded(&types.UploadRecord{ID: "a"})
	b.Unsubscribe("s")
}

func TestBus_PanickingSinkIsIsolated(t *testing.T) {
	b := NewBus(zerolog.Nop())
	b.Subscribe("bad", Funcs{Added: func(*types.UploadRecord) { panic("boom") }})
	good := NewChannelSink(1)
	b.Subscribe("good", good)

	require.NotPanics(t, func() { b.OnAdded(&types.UploadRecord{ID: "a"}) })
	ev := <-good.C()
	assert.Equal(t, "a", ev.Record.ID)
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	rec := &types.UploadRecord{ID: "a"}
	s.OnAdded(rec)
	s.OnAdded(rec)
	s.OnAdded(rec)

	assert.Len(t, s.C(), 1)
	assert.Equal(t, int64(2), s.Dropped())
}

func TestChannelSink_Filters(t *testing.T) {
	s := NewChannelSink(4, WithPathPrefixes("/docs/"))
	s.OnAdded(&types.UploadRecord{ID: "1", RemotePath: "/docs/a"})
	s.OnAdded(&types.UploadRecord{ID: "2", RemotePath: "/music/b"})
	s.OnProgress(&types.UploadRecord{ID: "1", RemotePath: "/docs/a"}, 10)

	require.Len(t, s.C(), 1)
	assert.Equal(t, "1", (<-s.C()).Record.ID)

	withProgress := NewChannelSink(4, WithProgress())
	withProgress.OnProgress(&types.UploadRecord{ID: "1"}, 10)
	ev := <-withProgress.C()
	assert.Equal(t, Progress, ev.Kind)
	assert.Equal(t, int64(10), ev.Done)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
