package dispatcher

import (
	"slices"
	"sync"
)

// QueuePool is the registry of the queues of all registered Engines.
type QueuePool struct {
	mu     sync.RWMutex
	queues map[int]*EngineQueue
	order  []int
	cursor int
}

// NewQueuePool creates an empty pool.
func NewQueuePool() *QueuePool {
	return &QueuePool{queues: make(map[int]*EngineQueue)}
}

// Add registers the queue under its engine id, replacing any previous one.
// The replaced queue is returned so the caller can close it.
func (p *QueuePool) Add(q *EngineQueue) *EngineQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.queues[q.ID()]
	p.queues[q.ID()] = q
	p.reindex()
	return old
}

// Remove unregisters the engine and returns its queue, or nil.
func (p *QueuePool) Remove(engineID int) *EngineQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[engineID]
	if !ok {
		return nil
	}
	delete(p.queues, engineID)
	p.reindex()
	return q
}

// reindex rebuilds the round-robin order and resets the cursor.
func (p *QueuePool) reindex() {
	p.order = p.order[:0]
	for id := range p.queues {
		p.order = append(p.order, id)
	}
	slices.Sort(p.order)
	p.cursor = 0
}

// Get returns the queue of the engine, or nil.
func (p *QueuePool) Get(engineID int) *EngineQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queues[engineID]
}

// IsRegistered reports whether the engine has a queue.
func (p *QueuePool) IsRegistered(engineID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.queues[engineID]
	return ok
}

// AvailableQueue returns the next queue in round-robin order, or nil when
// no engine is registered.
func (p *QueuePool) AvailableQueue() *EngineQueue {
	return p.AvailableQueueWhere(func(*EngineQueue) bool { return true })
}

// AvailableQueueWhere walks the round-robin order once from the cursor and
// returns the first queue accepted by ok, advancing the cursor past it.
func (p *QueuePool) AvailableQueueWhere(ok func(*EngineQueue) bool) *EngineQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		q := p.queues[p.order[idx]]
		if ok(q) {
			p.cursor = (idx + 1) % n
			return q
		}
	}
	return nil
}

// Len returns the number of registered engines.
func (p *QueuePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues)
}

// IDs returns the registered engine ids in ascending order.
func (p *QueuePool) IDs() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

// CloseAll removes and closes every queue.
func (p *QueuePool) CloseAll() {
	p.mu.Lock()
	queues := p.queues
	p.queues = make(map[int]*EngineQueue)
	p.reindex()
	p.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}
