// Package fence implements the monotonic timeline used to order work between
// the CPU and the backend queues.
package fence

import (
	"context"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-rhi/engine/core"
)

// Infinite makes Wait block until the value is reached.
const Infinite time.Duration = -1

// Timeline is a monotonically increasing 64-bit counter. Once a value V has
// been reached every Wait for a value <= V returns immediately.
type Timeline struct {
	name   string
	logger *core.Logger

	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

// NewTimeline creates a timeline starting at initial.
func NewTimeline(name string, initial uint64, logger *core.Logger) *Timeline {
	return &Timeline{
		name:    core.DebugNameOr(name, "fence"),
		logger:  logger.OrDefault(),
		value:   initial,
		changed: make(chan struct{}),
	}
}

func (t *Timeline) Name() string {
	return t.name
}

// Signal moves the timeline to value. Lower or equal values are ignored.
func (t *Timeline) Signal(value uint64) {
	t.mu.Lock()
	if value <= t.value {
		cur := t.value
		t.mu.Unlock()
		if value < cur {
			t.logger.Debugf("fence %s: ignoring signal %d below current value %d", t.name, value, cur)
		}
		return
	}
	t.value = value
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// CurrentValue returns the last value reached.
func (t *Timeline) CurrentValue() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Reached reports whether value has been reached, without blocking.
func (t *Timeline) Reached(value uint64) bool {
	return t.CurrentValue() >= value
}

// Wait blocks until value is reached or timeout elapses. A zero timeout polls,
// a negative one waits forever. A timeout is not an error; it returns false.
func (t *Timeline) Wait(value uint64, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout == 0 {
		return t.Reached(value)
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		ch, ok := t.poll(value)
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			if t.Reached(value) {
				return true
			}
			t.logger.Warnf("fence %s: timed out waiting for value %d (current %d)", t.name, value, t.CurrentValue())
			return false
		}
	}
}

// WaitContext blocks until value is reached or ctx is done.
func (t *Timeline) WaitContext(ctx context.Context, value uint64) error {
	for {
		ch, ok := t.poll(value)
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			if t.Reached(value) {
				return nil
			}
			return ctx.Err()
		}
	}
}

func (t *Timeline) poll(value uint64) (<-chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value >= value {
		return nil, true
	}
	return t.changed, false
}

// Destroy is a no-op; it lets a Timeline stand in for a backend fence.
func (t *Timeline) Destroy() {}
