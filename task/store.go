package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrDuplicateTask is returned when a different task already owns the (facility, service) pair.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInconsistentStore is returned when the id and pair indices disagree.
	ErrInconsistentStore = errors.New("task store indices are inconsistent")
)

// Store is an in-memory index of Tasks by id and by (facility, service).
// Both indices are guarded by one lock so they are always updated together.
type Store struct {
	mu    sync.RWMutex
	byID  map[int]*Task
	byKey map[Key]*Task
	keyOf map[int]Key
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byID:  make(map[int]*Task),
		byKey: make(map[Key]*Task),
		keyOf: make(map[int]Key),
	}
}

// ByID returns the task with the given id, or nil.
func (s *Store) ByID(id int) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// ByKey returns the task for the (facility, service) pair, or nil.
func (s *Store) ByKey(k Key) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKey[k]
}

// Add inserts the task into both indices. Re-adding the same task id replaces it.
func (s *Store) Add(t *Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := t.Key()
	if existing, ok := s.byKey[k]; ok && existing.ID != t.ID {
		return fmt.Errorf("%w: pair %s already held by task %d", ErrDuplicateTask, k, existing.ID)
	}
	if old, ok := s.keyOf[t.ID]; ok && old != k {
		delete(s.byKey, old)
	}
	s.byID[t.ID] = t
	s.byKey[k] = t
	s.keyOf[t.ID] = k
	return nil
}

// Remove deletes the task from both indices and returns the removed task, or nil if absent.
func (s *Store) Remove(t *Task) *Task {
	if t == nil {
		return nil
	}
	return s.RemoveByID(t.ID)
}

// RemoveByID deletes the task with the given id and returns it, or nil if absent.
func (s *Store) RemoveByID(id int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return nil
	}
	k := s.keyOf[id]
	delete(s.byID, id)
	delete(s.keyOf, id)
	if held, ok := s.byKey[k]; ok && held == t {
		delete(s.byKey, k)
	}
	return t
}

// List returns the tasks ordered by id. With statuses given only tasks in
// one of them are returned.
func (s *Store) List(statuses ...Status) []*Task {
	s.mu.RLock()
	all := lo.Values(s.byID)
	s.mu.RUnlock()

	if len(statuses) > 0 {
		all = lo.Filter(all, func(t *Task, _ int) bool {
			return lo.Contains(statuses, t.Status)
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Clear removes every task.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int]*Task)
	s.byKey = make(map[Key]*Task)
	s.keyOf = make(map[int]Key)
}

// KeyOf returns the pair the task id was indexed under. It does not read
// the task itself, so it is safe while the task is being mutated.
func (s *Store) KeyOf(id int) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keyOf[id]
	return k, ok
}

// IDs returns the task ids in ascending order.
func (s *Store) IDs() []int {
	s.mu.RLock()
	ids := lo.Keys(s.byID)
	s.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Len returns the number of tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// CheckConsistency verifies that both indices describe the same set of tasks.
func (s *Store) CheckConsistency() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.byID) != len(s.byKey) {
		return fmt.Errorf("%w: %d by id, %d by pair", ErrInconsistentStore, len(s.byID), len(s.byKey))
	}
	for k, t := range s.byKey {
		if s.byID[t.ID] != t {
			return fmt.Errorf("%w: pair %s maps to task %d missing from id index", ErrInconsistentStore, k, t.ID)
		}
		if s.keyOf[t.ID] != k {
			return fmt.Errorf("%w: task %d indexed under wrong pair %s", ErrInconsistentStore, t.ID, k)
		}
	}
	return nil
}
