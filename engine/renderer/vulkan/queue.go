//go:build vulkan

package vulkan

import (
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/systems"
)

// Queue submits to the vk.Queue of its family from a single worker. Each
// submission waits its fence values on the host, executes with a binary
// fence and signals its timeline values once that fence is reached.
type Queue struct {
	a      *Adapter
	class  metadata.WorkClass
	family uint32
	handle vk.Queue
	jobs   *systems.JobSystem
	wg     sync.WaitGroup
}

var _ backend.Queue = (*Queue)(nil)

func newQueue(a *Adapter, class metadata.WorkClass, family uint32) (*Queue, error) {
	jobs, err := systems.NewJobSystem(1, a.opts.QueueDepth, a.ctx.logger)
	if err != nil {
		return nil, err
	}
	q := &Queue{a: a, class: class, family: family, jobs: jobs}
	vk.GetDeviceQueue(a.ctx.device, family, 0, &q.handle)
	return q, nil
}

func (q *Queue) Class() metadata.WorkClass {
	return q.class
}

func (q *Queue) Submit(lists []backend.CommandList, waits []backend.FenceValue, signals []backend.FenceValue) error {
	buffers := make([]vk.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		vl, ok := l.(*CommandList)
		if !ok {
			return core.Mismatch("vulkan: %T is not a vulkan command list", l)
		}
		if vl.class != q.class {
			return core.Mismatch("vulkan: %s command list submitted to %s queue", vl.class, q.class)
		}
		if vl.recording {
			return core.InvalidState("vulkan: command list submitted while still recording")
		}
		buffers = append(buffers, vl.cmd)
	}
	waits = append([]backend.FenceValue(nil), waits...)
	signals = append([]backend.FenceValue(nil), signals...)

	return q.run(q.class.String()+" submission", func() error {
		for _, w := range waits {
			w.Fence.Wait(w.Value, fence.Infinite)
		}
		if len(buffers) > 0 {
			if err := q.execute(buffers); err != nil {
				return err
			}
		}
		for _, s := range signals {
			s.Fence.Signal(s.Value)
		}
		return nil
	})
}

// run queues fn behind every earlier submission of this queue.
func (q *Queue) run(name string, fn func() error) error {
	q.wg.Add(1)
	err := q.jobs.Submit(systems.JobTask{
		Name: name,
		Run: func() error {
			defer q.wg.Done()
			return fn()
		},
	})
	if err != nil {
		q.wg.Done()
		return core.InvalidState("vulkan: %s queue: %v", q.class, err)
	}
	return nil
}

func (q *Queue) execute(buffers []vk.CommandBuffer) error {
	f, err := q.a.fences.acquire()
	if err != nil {
		return err
	}
	err = q.a.ctx.locks.safeQueueCall(q.family, func() error {
		return check(vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: uint32(len(buffers)),
			PCommandBuffers:    buffers,
		}}, f), "vkQueueSubmit(%s)", q.class)
	})
	if err != nil {
		q.a.fences.release(f)
		return err
	}
	if err := q.a.fences.wait(f); err != nil {
		return err
	}
	q.a.fences.release(f)
	return nil
}

func (q *Queue) drain() {
	q.wg.Wait()
}

func (q *Queue) Destroy() {
	q.jobs.Shutdown()
}
