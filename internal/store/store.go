package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/fleet-sync/internal/models"
)

var ErrNotFound = errors.New("entity not found")

// Op is the kind of mutation carried by a Change.
type Op string

const (
	OpUpserted Op = "upserted"
	OpPatched  Op = "patched"
	OpRemoved  Op = "removed"
)

// Change is emitted to subscribers after every mutation. Entity is a
// private copy and is nil for removals.
type Change struct {
	Op         Op                `json:"op"`
	Collection models.Collection `json:"collection"`
	ID         string            `json:"id"`
	Entity     models.Entity     `json:"entity,omitempty"`
}

// Store holds the canonical keyed collections rendered by the UI.
// It has a single writer (the reconciliation policy on the engine loop);
// readers on other goroutines are served under the read lock.
type Store struct {
	mu   sync.RWMutex
	data map[models.Collection]map[string]models.Entity

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

func New() *Store {
	data := make(map[models.Collection]map[string]models.Entity, len(models.Collections))
	for _, c := range models.Collections {
		data[c] = make(map[string]models.Entity)
	}
	return &Store{data: data, subs: make(map[int]func(Change))}
}

// Subscribe registers fn for change notifications and returns its cancel func.
// fn runs synchronously on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Upsert replaces the full entity. It reports whether anything changed;
// writing an identical entity emits no notification.
func (s *Store) Upsert(e models.Entity) (bool, error) {
	c := e.EntityCollection()
	s.mu.Lock()
	coll, ok := s.data[c]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("upsert: unknown collection %q", c)
	}
	if cur, ok := coll[e.EntityID()]; ok && models.EntitiesEqual(cur, e) {
		s.mu.Unlock()
		return false, nil
	}
	stored := e.Clone()
	coll[e.EntityID()] = stored
	out := stored.Clone()
	s.mu.Unlock()

	s.notify(Change{Op: OpUpserted, Collection: c, ID: e.EntityID(), Entity: out})
	return true, nil
}

// Patch applies a partial update to an existing entity. The patch is
// applied to a copy first so an invalid field leaves the entity untouched.
func (s *Store) Patch(c models.Collection, id string, p models.Patch) (bool, error) {
	s.mu.Lock()
	coll, ok := s.data[c]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("patch: unknown collection %q", c)
	}
	cur, ok := coll[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("patch %s/%s: %w", c, id, ErrNotFound)
	}
	next := cur.Clone()
	if err := p.Apply(next); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("patch %s/%s: %w", c, id, err)
	}
	if models.EntitiesEqual(cur, next) {
		s.mu.Unlock()
		return false, nil
	}
	coll[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.notify(Change{Op: OpPatched, Collection: c, ID: id, Entity: out})
	return true, nil
}

func (s *Store) Remove(c models.Collection, id string) bool {
	s.mu.Lock()
	coll, ok := s.data[c]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := coll[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(coll, id)
	s.mu.Unlock()

	s.notify(Change{Op: OpRemoved, Collection: c, ID: id})
	return true
}

// Get returns a copy of the entity.
func (s *Store) Get(c models.Collection, id string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[c][id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// All returns copies of every entity in c, sorted by id.
func (s *Store) All(c models.Collection) []models.Entity {
	s.mu.RLock()
	coll := s.data[c]
	out := make([]models.Entity, 0, len(coll))
	for _, e := range coll {
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// IDs returns the ids held in c.
func (s *Store) IDs(c models.Collection) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.data[c]))
	for id := range s.data[c] {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Store) Len(c models.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[c])
}

func (s *Store) notify(ch Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// GetAs is Get with a type assertion to the concrete entity type.
func GetAs[T models.Entity](s *Store, c models.Collection, id string) (T, bool) {
	var zero T
	e, ok := s.Get(c, id)
	if !ok {
		return zero, false
	}
	t, ok := e.(T)
	return t, ok
}

// AllAs is All with a type assertion to the concrete entity type.
func AllAs[T models.Entity](s *Store, c models.Collection) []T {
	all := s.All(c)
	out := make([]T, 0, len(all))
	for _, e := range all {
		if t, ok := e.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
