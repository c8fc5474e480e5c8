package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ListFilter narrows ListActive. Empty fields match everything.
type ListFilter struct {
	ClinicID     string
	DepartmentID string
	State        State
}

// Mutator edits a private copy of an entry inside CASUpdate. Returning an
// error aborts the update and leaves the stored entry untouched.
type Mutator func(e *QueueEntry) error

// Store holds the authoritative state of active queue entries.
// CASUpdate is the only mutation path after Insert.
type Store interface {
	Insert(ctx context.Context, e QueueEntry) (QueueEntry, error)
	Get(ctx context.Context, id uuid.UUID) (QueueEntry, error)
	CASUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutator) (QueueEntry, error)
	ListActive(ctx context.Context, f ListFilter) ([]QueueEntry, error)
	FindActiveByPatient(ctx context.Context, clinicID, patientRef string) (QueueEntry, error)
}

type stateKey struct {
	department string
	state      State
}

// clinicShard owns every active entry of one clinic. Patient and room
// exclusivity are clinic-scoped, so both are enforced under the shard lock.
type clinicShard struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*QueueEntry
	byState  map[stateKey]map[uuid.UUID]struct{}
	patients map[string]uuid.UUID
	rooms    map[string]uuid.UUID
}

func newClinicShard() *clinicShard {
	return &clinicShard{
		entries:  make(map[uuid.UUID]*QueueEntry),
		byState:  make(map[stateKey]map[uuid.UUID]struct{}),
		patients: make(map[string]uuid.UUID),
		rooms:    make(map[string]uuid.UUID),
	}
}

func (sh *clinicShard) index(e *QueueEntry) {
	k := stateKey{department: e.DepartmentID, state: e.State}
	if sh.byState[k] == nil {
		sh.byState[k] = make(map[uuid.UUID]struct{})
	}
	sh.byState[k][e.ID] = struct{}{}
	sh.patients[e.PatientRef] = e.ID
	if e.State.HoldsRoom() && e.Room != "" {
		sh.rooms[e.Room] = e.ID
	}
}

func (sh *clinicShard) unindex(e *QueueEntry) {
	k := stateKey{department: e.DepartmentID, state: e.State}
	if set, ok := sh.byState[k]; ok {
		delete(set, e.ID)
		if len(set) == 0 {
			delete(sh.byState, k)
		}
	}
	if sh.patients[e.PatientRef] == e.ID {
		delete(sh.patients, e.PatientRef)
	}
	if e.Room != "" && sh.rooms[e.Room] == e.ID {
		delete(sh.rooms, e.Room)
	}
}

func (sh *clinicShard) collect(f ListFilter) []QueueEntry {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out []QueueEntry
	if f.DepartmentID != "" && f.State != "" {
		for id := range sh.byState[stateKey{department: f.DepartmentID, state: f.State}] {
			out = append(out, sh.entries[id].clone())
		}
		return out
	}
	for _, e := range sh.entries {
		if f.DepartmentID != "" && e.DepartmentID != f.DepartmentID {
			continue
		}
		if f.State != "" && e.State != f.State {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// MemoryStore is an in-process Store sharded by clinic.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[string]*clinicShard
	owners sync.Map // entry id -> clinic id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[string]*clinicShard)}
}

func (s *MemoryStore) shard(clinicID string, create bool) *clinicShard {
	s.mu.RLock()
	sh, ok := s.shards[clinicID]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[clinicID]; !ok {
		sh = newClinicShard()
		s.shards[clinicID] = sh
	}
	return sh
}

func (s *MemoryStore) shardOf(id uuid.UUID) *clinicShard {
	clinicID, ok := s.owners.Load(id)
	if !ok {
		return nil
	}
	return s.shard(clinicID.(string), false)
}

func (s *MemoryStore) Insert(_ context.Context, e QueueEntry) (QueueEntry, error) {
	if e.ID == uuid.Nil || e.ClinicID == "" || e.DepartmentID == "" || e.PatientRef == "" {
		return QueueEntry{}, fmt.Errorf("%w: entry id, clinic, department and patient are required", ErrInvalidInput)
	}
	if e.State != StateWaiting {
		return QueueEntry{}, fmt.Errorf("%w: new entries start in %s, got %s", ErrInvalidTransition, StateWaiting, e.State)
	}

	sh := s.shard(e.ClinicID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.entries[e.ID]; exists {
		return QueueEntry{}, fmt.Errorf("%w: entry %s already exists", ErrInvalidInput, e.ID)
	}
	if holder, ok := sh.patients[e.PatientRef]; ok {
		return QueueEntry{}, fmt.Errorf("%w: patient %s is on entry %s", ErrDuplicateActiveEntry, e.PatientRef, holder)
	}

	stored := e.clone()
	stored.Version = 1
	sh.entries[stored.ID] = &stored
	sh.index(&stored)
	s.owners.Store(stored.ID, stored.ClinicID)

	return stored.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (QueueEntry, error) {
	sh := s.shardOf(id)
	if sh == nil {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[id]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

// CASUpdate applies mutate to a copy of the entry if its stored version
// equals expectedVersion. Identity fields and enqueuedAt cannot be changed.
// A room may be held by at most one called or in-service entry per clinic.
// Entries reaching a terminal state are dropped from the store and the final
// snapshot is returned.
func (s *MemoryStore) CASUpdate(_ context.Context, id uuid.UUID, expectedVersion int64, mutate Mutator) (QueueEntry, error) {
	sh := s.shardOf(id)
	if sh == nil {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[id]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return QueueEntry{}, fmt.Errorf("%w: entry %s is at version %d, expected %d", ErrConflict, id, cur.Version, expectedVersion)
	}

	next := cur.clone()
	if err := mutate(&next); err != nil {
		return QueueEntry{}, err
	}
	next.ID = cur.ID
	next.ClinicID = cur.ClinicID
	next.DepartmentID = cur.DepartmentID
	next.PatientRef = cur.PatientRef
	next.TicketNumber = cur.TicketNumber
	next.EnqueuedAt = cur.EnqueuedAt

	if next.State.HoldsRoom() && next.Room != "" {
		if holder, taken := sh.rooms[next.Room]; taken && holder != id {
			return QueueEntry{}, fmt.Errorf("%w: room %s is held by entry %s", ErrRoomOccupied, next.Room, holder)
		}
	}
	next.Version = cur.Version + 1

	sh.unindex(cur)
	if next.State.Terminal() {
		delete(sh.entries, id)
		s.owners.Delete(id)
		return next.clone(), nil
	}
	sh.entries[id] = &next
	sh.index(&next)

	return next.clone(), nil
}

// ListActive returns matching entries in scheduling order.
func (s *MemoryStore) ListActive(_ context.Context, f ListFilter) ([]QueueEntry, error) {
	var shards []*clinicShard
	if f.ClinicID != "" {
		if sh := s.shard(f.ClinicID, false); sh != nil {
			shards = append(shards, sh)
		}
	} else {
		s.mu.RLock()
		for _, sh := range s.shards {
			shards = append(shards, sh)
		}
		s.mu.RUnlock()
	}

	out := []QueueEntry{}
	for _, sh := range shards {
		out = append(out, sh.collect(f)...)
	}
	slices.SortFunc(out, Compare)
	return out, nil
}

func (s *MemoryStore) FindActiveByPatient(_ context.Context, clinicID, patientRef string) (QueueEntry, error) {
	sh := s.shard(clinicID, false)
	if sh == nil {
		return QueueEntry{}, fmt.Errorf("%w: patient %s", ErrNotFound, patientRef)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	id, ok := sh.patients[patientRef]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: patient %s", ErrNotFound, patientRef)
	}
	return sh.entries[id].clone(), nil
}

func (e *QueueEntry) clone() QueueEntry {
	c := *e
	if e.CalledAt != nil {
		c.CalledAt = timePtr(*e.CalledAt)
	}
	if e.StartedAt != nil {
		c.StartedAt = timePtr(*e.StartedAt)
	}
	if e.CompletedAt != nil {
		c.CompletedAt = timePtr(*e.CompletedAt)
	}
	return c
}
