package mock

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/systems"
)

// Queue runs submissions one after the other on a single worker, the way a
// hardware queue drains its ring.
type Queue struct {
	class  metadata.WorkClass
	jobs   *systems.JobSystem
	logger *core.Logger

	// Held by Pause to stall execution.
	gate sync.Mutex
	wg   sync.WaitGroup

	mu       sync.Mutex
	executed []*CommandList
}

var _ backend.Queue = (*Queue)(nil)

func newQueue(class metadata.WorkClass, depth int, logger *core.Logger) (*Queue, error) {
	jobs, err := systems.NewJobSystem(1, depth, logger)
	if err != nil {
		return nil, err
	}
	return &Queue{class: class, jobs: jobs, logger: logger}, nil
}

func (q *Queue) Class() metadata.WorkClass {
	return q.class
}

func (q *Queue) Submit(lists []backend.CommandList, waits []backend.FenceValue, signals []backend.FenceValue) error {
	mocks := make([]*CommandList, 0, len(lists))
	for _, l := range lists {
		ml, ok := l.(*CommandList)
		if !ok {
			return core.Mismatch("mock: %T is not a mock command list", l)
		}
		if ml.class != q.class {
			return core.Mismatch("mock: %s command list submitted to %s queue", ml.class, q.class)
		}
		if ml.Recording() {
			return core.InvalidState("mock: command list submitted while still recording")
		}
		mocks = append(mocks, ml)
	}

	q.wg.Add(1)
	err := q.jobs.Submit(systems.JobTask{
		Name: q.class.String() + " submission",
		Run: func() error {
			defer q.wg.Done()
			q.gate.Lock()
			defer q.gate.Unlock()
			for _, w := range waits {
				w.Fence.Wait(w.Value, fence.Infinite)
			}
			for _, l := range mocks {
				l.execute()
				q.mu.Lock()
				q.executed = append(q.executed, l)
				q.mu.Unlock()
			}
			for _, s := range signals {
				s.Fence.Signal(s.Value)
			}
			return nil
		},
	})
	if err != nil {
		q.wg.Done()
		return core.InvalidState("mock: %s queue: %v", q.class, err)
	}
	return nil
}

// Pause stops the queue before its next submission until Resume is called.
// It blocks while a submission is executing.
func (q *Queue) Pause() {
	q.gate.Lock()
}

func (q *Queue) Resume() {
	q.gate.Unlock()
}

// Executed returns the command lists executed so far, in execution order.
func (q *Queue) Executed() []*CommandList {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*CommandList(nil), q.executed...)
}

func (q *Queue) drain() {
	q.wg.Wait()
}

func (q *Queue) Destroy() {
	q.jobs.Shutdown()
}
