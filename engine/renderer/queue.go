package renderer

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// submission is in flight until the queue fence reaches value.
type submission struct {
	value    uint64
	retained []*descriptor.Descriptor
}

// CommandQueue submits command contexts of one work class. Every submission
// signals the queue's own timeline fence with the next value; the transient
// descriptor ranges it used are released once that value is reached.
type CommandQueue struct {
	class   metadata.WorkClass
	backend backend.Queue
	fence   *Fence
	logger  *core.Logger

	mu       sync.Mutex
	last     uint64
	inflight []submission
}

func newCommandQueue(class metadata.WorkClass, q backend.Queue, f *Fence, logger *core.Logger) *CommandQueue {
	return &CommandQueue{
		class:   class,
		backend: q,
		fence:   f,
		logger:  logger.With("queue", class.String()),
	}
}

func (q *CommandQueue) Class() metadata.WorkClass {
	return q.class
}

// Fence is the queue's timeline.
func (q *CommandQueue) Fence() *Fence {
	return q.fence
}

// LastSubmitted is the fence value of the latest submission.
func (q *CommandQueue) LastSubmitted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// CompletedValue is the last fence value the queue reached.
func (q *CommandQueue) CompletedValue() uint64 {
	return q.fence.CurrentValue()
}

// IsComplete reports whether the submission with the given value finished.
func (q *CommandQueue) IsComplete(value uint64) bool {
	return q.fence.CurrentValue() >= value
}

func toBackend(values []FenceValue) []backend.FenceValue {
	out := make([]backend.FenceValue, 0, len(values))
	for _, v := range values {
		if v.Fence == nil {
			continue
		}
		out = append(out, backend.FenceValue{Fence: v.Fence.backend, Value: v.Value})
	}
	return out
}

// Submit enqueues the closed contexts. Work waits for every waits entry and
// signals every signals entry once done. Contexts of another work class, or
// not closed, are logged and skipped. The returned value is signalled on the
// queue fence when the submission completes. When nothing is left to run and
// there is nothing to signal, Submit is a no-op returning the last value.
func (q *CommandQueue) Submit(contexts []*CommandContext, waits []FenceValue, signals []FenceValue) (uint64, error) {
	accepted := make([]*CommandContext, 0, len(contexts))
	lists := make([]backend.CommandList, 0, len(contexts))
	for _, c := range contexts {
		if c == nil {
			continue
		}
		if c.class != q.class {
			q.logger.Warnf("%v", core.Mismatch("dropping %s context %q submitted to the %s queue", c.class, c.name, q.class))
			continue
		}
		if c.State() != ContextClosed {
			q.logger.Warnf("%v", core.InvalidState("dropping context %q in state %s; only closed contexts can be submitted", c.name, c.State()))
			continue
		}
		accepted = append(accepted, c)
		lists = append(lists, c.list)
	}

	if len(accepted) == 0 && len(signals) == 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(contexts) > 0 {
			q.logger.Debugf("nothing to submit to the %s queue", q.class)
		}
		return q.last, nil
	}
	return q.submit(accepted, lists, waits, signals)
}

// submit hands lists to the backend and signals the next queue fence value.
func (q *CommandQueue) submit(accepted []*CommandContext, lists []backend.CommandList, waits, signals []FenceValue) (uint64, error) {
	q.mu.Lock()
	value := q.last + 1
	bsignals := append(toBackend(signals), backend.FenceValue{Fence: q.fence.backend, Value: value})
	if err := q.backend.Submit(lists, toBackend(waits), bsignals); err != nil {
		q.mu.Unlock()
		return 0, errors.Wrapf(err, "submitting %d contexts to the %s queue", len(lists), q.class)
	}
	q.last = value

	var retained []*descriptor.Descriptor
	for _, c := range accepted {
		retained = append(retained, c.submitted(q, value)...)
	}
	if len(retained) > 0 {
		q.inflight = append(q.inflight, submission{value: value, retained: retained})
	}
	q.mu.Unlock()

	q.Retire()
	return value, nil
}

// Retire releases the transient ranges of every completed submission and
// returns the completed fence value.
func (q *CommandQueue) Retire() uint64 {
	completed := q.fence.CurrentValue()

	q.mu.Lock()
	n := 0
	for n < len(q.inflight) && q.inflight[n].value <= completed {
		n++
	}
	done := q.inflight[:n]
	q.inflight = append([]submission(nil), q.inflight[n:]...)
	q.mu.Unlock()

	for _, s := range done {
		for _, d := range s.retained {
			d.Release()
		}
	}
	return completed
}

// InFlight is the number of submissions whose transient ranges are still held.
func (q *CommandQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// WaitIdle signals a fresh value after everything already queued and blocks
// until it is reached. It stalls the queue; use it at shutdown or resize.
func (q *CommandQueue) WaitIdle() error {
	value, err := q.submit(nil, nil, nil, nil)
	if err != nil {
		return err
	}
	if !q.fence.Wait(value, fence.Infinite) {
		return core.InvalidState("%s queue never reached %d", q.class, value)
	}
	q.Retire()
	return nil
}

// WaitContext blocks until the queue fence reaches value or ctx is done.
func (q *CommandQueue) WaitContext(ctx context.Context, value uint64) error {
	if err := q.fence.backend.WaitContext(ctx, value); err != nil {
		return err
	}
	q.Retire()
	return nil
}

func (q *CommandQueue) destroy() {
	q.Retire()
	q.mu.Lock()
	for _, s := range q.inflight {
		for _, d := range s.retained {
			d.Release()
		}
	}
	q.inflight = nil
	q.mu.Unlock()
	q.backend.Destroy()
	q.fence.destroy()
}
