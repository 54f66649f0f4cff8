//go:build vulkan

package vulkan

import "sync"

type lockGroup string

// Vulkan requires external synchronization of the objects in each group.
const (
	resourceManagement        lockGroup = "resource_management"
	commandPoolManagement     lockGroup = "command_pool_management"
	descriptorManagement      lockGroup = "descriptor_management"
	pipelineManagement        lockGroup = "pipeline_management"
	memoryManagement          lockGroup = "memory_management"
	synchronizationManagement lockGroup = "synchronization_management"
	swapchainManagement       lockGroup = "swapchain_management"
)

type lockPool struct {
	mu     sync.Mutex
	locks  map[lockGroup]*sync.Mutex
	queues map[uint32]*sync.Mutex
}

func newLockPool() *lockPool {
	return &lockPool{
		locks:  make(map[lockGroup]*sync.Mutex),
		queues: make(map[uint32]*sync.Mutex),
	}
}

func (p *lockPool) group(g lockGroup) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[g]
	if !ok {
		l = &sync.Mutex{}
		p.locks[g] = l
	}
	return l
}

func (p *lockPool) safeCall(g lockGroup, fn func() error) error {
	l := p.group(g)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// safeQueueCall serializes access to the queues of one family. Classes that
// share a family also share its vk.Queue.
func (p *lockPool) safeQueueCall(family uint32, fn func() error) error {
	p.mu.Lock()
	l, ok := p.queues[family]
	if !ok {
		l = &sync.Mutex{}
		p.queues[family] = l
	}
	p.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}
