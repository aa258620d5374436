package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/spool/pkg/types"
)

// ChannelSink delivers events to a buffered channel. Delivery never blocks:
// when the channel is full the event is dropped and counted.
type ChannelSink struct {
	ch       chan Event
	prefixes []string
	progress bool
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// ChannelOption configures a ChannelSink.
type ChannelOption func(*ChannelSink)

// WithPathPrefixes only delivers events for records whose RemotePath starts
// with one of prefixes.
func WithPathPrefixes(prefixes ...string) ChannelOption {
	return func(c *ChannelSink) { c.prefixes = prefixes }
}

// WithProgress enables delivery of progress events, which are skipped by default.
func WithProgress() ChannelOption {
	return func(c *ChannelSink) { c.progress = true }
}

// NewChannelSink returns a sink with a channel of the given capacity.
func NewChannelSink(buffer int, opts ...ChannelOption) *ChannelSink {
	c := &ChannelSink{ch: make(chan Event, buffer)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// C returns the receive side of the channel. It is closed when the sink is
// unsubscribed from a Bus.
func (c *ChannelSink) C() <-chan Event {
	return c.ch
}

// Dropped returns the number of events discarded because the channel was full.
func (c *ChannelSink) Dropped() int64 {
	return c.dropped.Load()
}

func (c *ChannelSink) matches(rec *types.UploadRecord) bool {
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if p == "" || strings.HasPrefix(rec.RemotePath, p) {
			return true
		}
	}
	return false
}

func (c *ChannelSink) send(ev Event) {
	if !c.matches(ev.Record) {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	ev.Time = time.Now()
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelSink) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func (c *ChannelSink) OnAdded(rec *types.UploadRecord) {
	c.send(Event{Kind: Added, Record: rec})
}

func (c *ChannelSink) OnProgress(rec *types.UploadRecord, done int64) {
	if c.progress {
		c.send(Event{Kind: Progress, Record: rec, Done: done})
	}
}

func (c *ChannelSink) OnFinished(rec *types.UploadRecord, node *types.Node) {
	c.send(Event{Kind: Finished, Record: rec, Node: node})
}

func (c *ChannelSink) OnFailed(rec *types.UploadRecord, reason types.FailReason, err error) {
	c.send(Event{Kind: Failed, Record: rec, Reason: reason, Err: err})
}

var _ Sink = (*ChannelSink)(nil)
