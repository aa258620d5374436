package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arkilian/spool/pkg/types"
)

// Bus fans events out to every subscribed Sink. A bus with no subscribers
// discards events. A panicking sink is logged and does not affect the others.
type Bus struct {
	sinks  sync.Map // id -> Sink
	logger zerolog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers sink under id, replacing any sink with the same id.
func (b *Bus) Subscribe(id string, sink Sink) {
	b.sinks.Store(id, sink)
}

// SubscribeAutoID registers sink under a generated id and returns the id.
func (b *Bus) SubscribeAutoID(sink Sink) string {
	id := "sub_" + uuid.NewString()
	b.Subscribe(id, sink)
	return id
}

// Unsubscribe removes the sink registered under id. A ChannelSink is closed.
func (b *Bus) Unsubscribe(id string) {
	if v, ok := b.sinks.LoadAndDelete(id); ok {
		if cs, ok := v.(*ChannelSink); ok {
			cs.close()
		}
	}
}

func (b *Bus) each(fn func(Sink)) {
	b.sinks.Range(func(key, value any) bool {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Interface("panic", r).Interface("sink", key).Msg("events: sink panicked")
				}
			}()
			fn(value.(Sink))
		}()
		return true
	})
}

func (b *Bus) OnAdded(rec *types.UploadRecord) {
	b.each(func(s Sink) { s.OnAdded(rec) })
}

func (b *Bus) OnProgress(rec *types.UploadRecord, done int64) {
	b.each(func(s Sink) { s.OnProgress(rec, done) })
}

func (b *Bus) OnFinished(rec *types.UploadRecord, node *types.Node) {
	b.each(func(s Sink) { s.OnFinished(rec, node) })
}

func (b *Bus) OnFailed(rec *types.UploadRecord, reason types.FailReason, err error) {
	b.each(func(s Sink) { s.OnFailed(rec, reason, err) })
}

var _ Sink = (*Bus)(nil)
