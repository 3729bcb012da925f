package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/c360studio/propd/task"
)

// SchedulingPool holds the tasks an engine is working on and the queues
// between its pipeline stages.
type SchedulingPool struct {
	mu          sync.Mutex
	tasks       map[int]*task.Task
	genCancel   map[int]context.CancelFunc
	sendTasks   map[task.SendTaskID]*task.SendTask
	outstanding map[int]int

	newTasks  *BlockingDeque[*task.Task]
	generated *BlockingDeque[*task.Task]
}

// NewSchedulingPool creates an empty pool.
func NewSchedulingPool() *SchedulingPool {
	return &SchedulingPool{
		tasks:       make(map[int]*task.Task),
		genCancel:   make(map[int]context.CancelFunc),
		sendTasks:   make(map[task.SendTaskID]*task.SendTask),
		outstanding: make(map[int]int),
		newTasks:    NewBlockingDeque[*task.Task](),
		generated:   NewBlockingDeque[*task.Task](),
	}
}

// AddTask accepts a task from the dispatcher and queues it for generation,
// forced tasks first. A task already in the pool under the same id is
// replaced: its pending generate is cancelled and it is dropped from the
// stage queues.
func (p *SchedulingPool) AddTask(t *task.Task) (replaced bool) {
	p.mu.Lock()
	if old, ok := p.tasks[t.ID]; ok {
		replaced = true
		p.dropLocked(old.ID)
	}
	p.tasks[t.ID] = t
	p.mu.Unlock()

	if replaced {
		sameID := func(q *task.Task) bool { return q.ID == t.ID }
		p.newTasks.RemoveIf(sameID)
		p.generated.RemoveIf(sameID)
	}
	p.newTasks.Push(t, t.PropagationForced)
	return replaced
}

// IsCurrent reports whether t is the live task for its id.
func (p *SchedulingPool) IsCurrent(t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks[t.ID] == t
}

// Get returns the task with the id.
func (p *SchedulingPool) Get(id int) (*task.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	return t, ok
}

// SetGenerating records the cancel function of t's pending generate. It
// returns false when t was replaced or removed meanwhile.
func (p *SchedulingPool) SetGenerating(t *task.Task, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[t.ID] != t {
		return false
	}
	p.genCancel[t.ID] = cancel
	return true
}

// GenerateFinished forgets the pending generate of t and reports whether t is
// still the live task for its id.
func (p *SchedulingPool) GenerateFinished(t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[t.ID] != t {
		return false
	}
	if cancel, ok := p.genCancel[t.ID]; ok {
		cancel()
		delete(p.genCancel, t.ID)
	}
	return true
}

// AddGenerated queues a generated task for the send stage, forced tasks first.
func (p *SchedulingPool) AddGenerated(t *task.Task) {
	p.generated.Push(t, t.PropagationForced)
}

// AddSendTasks registers the send tasks of parent. All of them must be
// added before any is submitted so the outstanding count cannot reach zero
// early. It returns false, registering nothing, when parent was replaced or
// removed meanwhile.
func (p *SchedulingPool) AddSendTasks(parent *task.Task, sends []*task.SendTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[parent.ID] != parent {
		return false
	}
	for _, s := range sends {
		p.sendTasks[s.ID()] = s
		p.outstanding[parent.ID]++
	}
	return true
}

// CompleteSendTask marks the send task resolved. Once the last send task of
// the parent resolves it returns resolved=true with all of them.
func (p *SchedulingPool) CompleteSendTask(s *task.SendTask) (resolved bool, sends []*task.SendTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := s.ID()
	if p.sendTasks[id] != s {
		return false, nil
	}
	parent := s.Task.ID
	p.outstanding[parent]--
	if p.outstanding[parent] > 0 {
		return false, nil
	}

	delete(p.outstanding, parent)
	for sid, st := range p.sendTasks {
		if sid.TaskID == parent {
			sends = append(sends, st)
			delete(p.sendTasks, sid)
		}
	}
	sort.Slice(sends, func(i, j int) bool { return sends[i].Destination.ID < sends[j].Destination.ID })
	return true, sends
}

// Outstanding returns the number of unresolved send tasks of the parent.
func (p *SchedulingPool) Outstanding(taskID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding[taskID]
}

// RemoveTask evicts t if it is still the live task for its id.
func (p *SchedulingPool) RemoveTask(t *task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[t.ID] != t {
		return false
	}
	p.dropLocked(t.ID)
	delete(p.tasks, t.ID)
	return true
}

func (p *SchedulingPool) dropLocked(id int) {
	if cancel, ok := p.genCancel[id]; ok {
		cancel()
		delete(p.genCancel, id)
	}
	delete(p.outstanding, id)
	for sid := range p.sendTasks {
		if sid.TaskID == id {
			delete(p.sendTasks, sid)
		}
	}
}

// Len returns the number of tasks in the pool.
func (p *SchedulingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// IDs returns the ids of the tasks in the pool, sorted.
func (p *SchedulingPool) IDs() []int {
	p.mu.Lock()
	ids := lo.Keys(p.tasks)
	p.mu.Unlock()
	sort.Ints(ids)
	return ids
}
