package uploader

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/spool/internal/events"
)

func TestProperty_TransientFailuresThenSuccess(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// A record that fails n times emits n failures, then one finish on
	// attempt n+1, and leaves nothing persisted.
	properties.Property("n failures then success", prop.ForAll(
		func(n int) bool {
			h := newHarness(t)
			errs := make([]error, n)
			for i := range errs {
				errs[i] = fmt.Errorf("transient %d", i)
			}
			h.client.FailNext(errs...)
			h.start()

			if _, err := h.engine.EnqueueNew(h.cached("prop", payload(33))); err != nil {
				return false
			}
			failures := 0
			fin := h.next(func(ev events.Event) bool {
				if ev.Kind == events.Failed {
					failures++
				}
				return ev.Kind == events.Finished
			})
			h.drain()
			_ = h.engine.Close()
			return failures == n &&
				fin.Record.Attempts == n+1 &&
				h.client.Transfers() == n+1 &&
				h.store.Count() == 0
		},
		gen.IntRange(0, 4),
	))

	// Two concurrent records never share an attempt slot for the same id.
	properties.Property("one attempt per id at a time", prop.ForAll(
		func(k int) bool {
			h := newHarness(t, WithConcurrency(k))
			h.client.FailNext(errors.New("a"), errors.New("b"), errors.New("c"))
			h.start()
			for i := 0; i < 8; i++ {
				if _, err := h.engine.EnqueueNew(h.cached(fmt.Sprintf("id%d", i), payload(10+i))); err != nil {
					return false
				}
			}
			h.drain()
			_ = h.engine.Close()
			return h.client.PeakConcurrentPerTarget() == 1 &&
				h.client.PeakConcurrent() <= k &&
				h.engine.Stats().Finished == 8
		},
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
