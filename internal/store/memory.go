package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps all records in process memory.
// Params: JSON bodies, index sets, relation sets, and scored sets.
// Returns: hermetic store backend for single mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	lockMu  sync.Mutex
	bodies  map[string][]byte             // class:id -> JSON
	indexed map[string]map[string][]string // class:id -> field -> values
	indexes map[string]map[string]struct{} // class:idx:field:value -> ids
	sets    map[string]map[string]struct{} // class:id:field -> members
	scored  map[string]map[string]float64  // class:id:field -> member -> score
}

// NewMemoryStore creates an empty in-memory store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bodies:  make(map[string][]byte),
		indexed: make(map[string]map[string][]string),
		indexes: make(map[string]map[string]struct{}),
		sets:    make(map[string]map[string]struct{}),
		scored:  make(map[string]map[string]float64),
	}
}

func bodyKey(class, id string) string          { return class + ":" + id }
func indexKey(class, field, value string) string { return class + ":idx:" + field + ":" + value }
func relationKey(class, id, field string) string { return class + ":" + id + ":" + field }

// Get unmarshals one record into out.
// Params: class, id, and JSON-unmarshal target.
// Returns: ErrNotFound when absent.
func (s *MemoryStore) Get(_ context.Context, class, id string, out any) error {
	s.mu.Lock()
	body, ok := s.bodies[bodyKey(class, id)]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", class, id, err)
	}
	return nil
}

// Save upserts one record and refreshes its index memberships.
// Params: entity with class/id (and optional Indexes).
// Returns: encode error.
func (s *MemoryStore) Save(_ context.Context, entity Entity) error {
	body, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", entity.Class(), entity.EntityID(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := bodyKey(entity.Class(), entity.EntityID())
	s.bodies[key] = body
	s.removeIndexesLocked(entity.Class(), entity.EntityID())
	if indexed, ok := entity.(Indexed); ok {
		values := indexed.Indexes()
		s.indexed[key] = values
		for field, fieldValues := range values {
			for _, value := range fieldValues {
				members, ok := s.indexes[indexKey(entity.Class(), field, value)]
				if !ok {
					members = make(map[string]struct{})
					s.indexes[indexKey(entity.Class(), field, value)] = members
				}
				members[entity.EntityID()] = struct{}{}
			}
		}
	}
	return nil
}

// Delete removes one record, its indexes, and its relation fields.
// Params: entity with class/id.
// Returns: nil (absent records delete as no-op).
func (s *MemoryStore) Delete(_ context.Context, entity Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bodyKey(entity.Class(), entity.EntityID())
	delete(s.bodies, key)
	s.removeIndexesLocked(entity.Class(), entity.EntityID())
	prefix := entity.Class() + ":" + entity.EntityID() + ":"
	for relKey := range s.sets {
		if len(relKey) > len(prefix) && relKey[:len(prefix)] == prefix {
			delete(s.sets, relKey)
		}
	}
	for relKey := range s.scored {
		if len(relKey) > len(prefix) && relKey[:len(prefix)] == prefix {
			delete(s.scored, relKey)
		}
	}
	return nil
}

// removeIndexesLocked drops recorded index memberships for one record.
// Params: class and id; caller holds the data mutex.
// Returns: none.
func (s *MemoryStore) removeIndexesLocked(class, id string) {
	key := bodyKey(class, id)
	previous, ok := s.indexed[key]
	if !ok {
		return
	}
	for field, values := range previous {
		for _, value := range values {
			if members, ok := s.indexes[indexKey(class, field, value)]; ok {
				delete(members, id)
				if len(members) == 0 {
					delete(s.indexes, indexKey(class, field, value))
				}
			}
		}
	}
	delete(s.indexed, key)
}

// FindByIndex returns ids carrying one indexed value.
// Params: class, index field, and value.
// Returns: sorted id list (empty when none).
func (s *MemoryStore) FindByIndex(_ context.Context, class, field, value string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.indexes[indexKey(class, field, value)]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetAdd adds members to one relation set.
func (s *MemoryStore) SetAdd(_ context.Context, class, id, field string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[relationKey(class, id, field)]
	if !ok {
		set = make(map[string]struct{})
		s.sets[relationKey(class, id, field)] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SetRemove removes members from one relation set.
func (s *MemoryStore) SetRemove(_ context.Context, class, id, field string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[relationKey(class, id, field)]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

// SetMembers lists one relation set.
// Params: class, id, and field.
// Returns: sorted member list.
func (s *MemoryStore) SetMembers(_ context.Context, class, id, field string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[relationKey(class, id, field)]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SetClear drops one relation set entirely.
func (s *MemoryStore) SetClear(_ context.Context, class, id, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, relationKey(class, id, field))
	return nil
}

// SortedAdd upserts one scored member.
func (s *MemoryStore) SortedAdd(_ context.Context, class, id, field string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scored, ok := s.scored[relationKey(class, id, field)]
	if !ok {
		scored = make(map[string]float64)
		s.scored[relationKey(class, id, field)] = scored
	}
	scored[member] = score
	return nil
}

// SortedRange lists members with lo <= score <= hi in score order.
// Params: class, id, field, and inclusive score bounds.
// Returns: members ordered by score then member.
func (s *MemoryStore) SortedRange(_ context.Context, class, id, field string, lo, hi float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scored := s.scored[relationKey(class, id, field)]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(scored))
	for member, score := range scored {
		if score < lo || score > hi {
			continue
		}
		pairs = append(pairs, pair{member: member, score: score})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score == pairs[j].score {
			return pairs[i].member < pairs[j].member
		}
		return pairs[i].score < pairs[j].score
	})
	members := make([]string, 0, len(pairs))
	for _, entry := range pairs {
		members = append(members, entry.member)
	}
	return members, nil
}

// SortedRemove removes members from one scored set.
func (s *MemoryStore) SortedRemove(_ context.Context, class, id, field string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scored, ok := s.scored[relationKey(class, id, field)]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(scored, member)
	}
	return nil
}

// SortedTrim keeps only the keep highest-scored members.
// Params: class, id, field, and member budget.
// Returns: nil; keep <= 0 clears the set.
func (s *MemoryStore) SortedTrim(_ context.Context, class, id, field string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relationKey(class, id, field)
	scored := s.scored[key]
	if keep <= 0 {
		delete(s.scored, key)
		return nil
	}
	if len(scored) <= keep {
		return nil
	}
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(scored))
	for member, score := range scored {
		pairs = append(pairs, pair{member: member, score: score})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	for _, entry := range pairs[keep:] {
		delete(scored, entry.member)
	}
	return nil
}

// Lock serializes fn against all other lock holders.
// The in-memory backend uses one process-wide lock regardless of classes;
// that satisfies the contract, it just over-serializes.
// Params: context, class list, and critical section.
// Returns: fn error or context cancellation.
func (s *MemoryStore) Lock(ctx context.Context, _ []string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return fn(ctx)
}

// Close releases nothing for the memory backend.
func (s *MemoryStore) Close() error { return nil }
