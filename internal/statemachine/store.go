// Package statemachine is the hub's single source of truth for entity
// state: a striped concurrent map plus a bounded fan-out event bus,
// grounded on the teacher's infrastructure/state persistence shape
// (PersistentState/OnChange hooks) generalized from a byte-blob KV store
// into a typed entity store with its own change-notification bus.
package statemachine

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/metrics"
)

const shardCount = 64

type shard struct {
	mu    sync.RWMutex
	items map[string]entity.State
}

// Store is the State Machine: get/get_all/set/remove/subscribe, per §4.1.
// Per-entity writes serialize against each other. Entities are spread over
// shardCount shards by fnv hash of the id, so entities in different shards
// never contend on the same lock; two ids can hash to the same shard.
type Store struct {
	shards [shardCount]*shard

	busMu       sync.Mutex
	subscribers map[int]*subscription
	nextSubID   int
	busCapacity int

	metrics *metrics.Metrics

	stateChanges     int64
	eventsFired      int64
	transitionNanos  int64
	maxTransitionNs  int64
}

// New builds a Store whose event bus subscriber channels have the given
// capacity (a constructor parameter per §4.1's "Event bus... Capacity is a
// constructor parameter").
func New(busCapacity int, m *metrics.Metrics) *Store {
	if busCapacity <= 0 {
		busCapacity = 256
	}
	s := &Store{
		subscribers: make(map[int]*subscription),
		busCapacity: busCapacity,
		metrics:     m,
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]entity.State)}
	}
	return s
}

func (s *Store) shardFor(entityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns a snapshot copy of the entity's current state.
func (s *Store) Get(entityID string) (entity.State, bool) {
	sh := s.shardFor(entityID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.items[entityID]
	if !ok {
		return entity.State{}, false
	}
	return st.Clone(), true
}

// GetAll returns an unordered snapshot of every entity's current state.
func (s *Store) GetAll() []entity.State {
	out := make([]entity.State, 0, 256)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.items {
			out = append(out, st.Clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Set upserts an entity's state and fires a ChangedEvent, even when the
// write is a no-op (§3's "last_reported" invariant). It never blocks on
// the event bus — delivery is best-effort drop-oldest per subscriber.
func (s *Store) Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State {
	start := time.Now()
	sh := s.shardFor(entityID)

	sh.mu.Lock()
	prev, hadPrev := sh.items[entityID]
	now := start.UTC()

	next := entity.State{
		EntityID:     entityID,
		State:        state,
		Attributes:   attributes.Clone(),
		LastReported: now,
		Context:      ctx,
	}
	switch {
	case !hadPrev:
		next.LastChanged = now
		next.LastUpdated = now
	case prev.State != state:
		next.LastChanged = now
		next.LastUpdated = now
	case !prev.Attributes.Equal(attributes):
		next.LastChanged = prev.LastChanged
		next.LastUpdated = now
	default:
		next.LastChanged = prev.LastChanged
		next.LastUpdated = prev.LastUpdated
	}
	sh.items[entityID] = next
	sh.mu.Unlock()

	var oldPtr *entity.State
	if hadPrev {
		cloned := prev.Clone()
		oldPtr = &cloned
	}
	evt := entity.ChangedEvent{
		EntityID: entityID,
		OldState: oldPtr,
		NewState: next.Clone(),
		FiredAt:  now,
	}
	s.publish(evt)
	s.recordMetrics(start)
	return next.Clone()
}

// Remove deletes an entity's record, returning whether it existed.
func (s *Store) Remove(entityID string) bool {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	_, ok := sh.items[entityID]
	delete(sh.items, entityID)
	sh.mu.Unlock()
	return ok
}

// Snapshot is GetAll under another name: it returns every stored state.
func (s *Store) Snapshot() []entity.State {
	return s.GetAll()
}

func (s *Store) recordMetrics(start time.Time) {
	atomic.AddInt64(&s.stateChanges, 1)
	atomic.AddInt64(&s.eventsFired, 1)
	elapsed := time.Since(start).Nanoseconds()
	atomic.AddInt64(&s.transitionNanos, elapsed)
	for {
		cur := atomic.LoadInt64(&s.maxTransitionNs)
		if elapsed <= cur || atomic.CompareAndSwapInt64(&s.maxTransitionNs, cur, elapsed) {
			break
		}
	}
	if s.metrics != nil {
		s.metrics.StateChangesTotal.Inc()
		s.metrics.EventsFiredTotal.Inc()
	}
}

// Stats are the free-running counters from §4.1's metrics requirement.
type Stats struct {
	StateChanges         int64
	EventsFired          int64
	CumulativeTransition time.Duration
	MaxTransition        time.Duration
}

// Stats returns a snapshot of the free-running metrics counters.
func (s *Store) Stats() Stats {
	return Stats{
		StateChanges:         atomic.LoadInt64(&s.stateChanges),
		EventsFired:          atomic.LoadInt64(&s.eventsFired),
		CumulativeTransition: time.Duration(atomic.LoadInt64(&s.transitionNanos)),
		MaxTransition:        time.Duration(atomic.LoadInt64(&s.maxTransitionNs)),
	}
}
