package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var staff = Actor{ID: "staff-1", ClinicID: "c1", Departments: []string{"*"}}

func TestValidTransition(t *testing.T) {
	states := []State{StateWaiting, StateCalled, StateInService, StateCompleted, StateCancelled, StateNoShow}
	allowed := map[Action]map[State]State{
		ActionCall:         {StateWaiting: StateCalled},
		ActionStartService: {StateCalled: StateInService},
		ActionNoAnswer:     {StateCalled: StateWaiting},
		ActionComplete:     {StateInService: StateCompleted},
		ActionCancel:       {StateWaiting: StateCancelled, StateCalled: StateCancelled},
		ActionTimeout:      {StateCalled: StateNoShow},
		ActionReprioritize: {StateWaiting: StateWaiting},
		ActionCheckIn:      {},
	}

	for action, edges := range allowed {
		for _, from := range states {
			to, ok := ValidTransition(action, from)
			want, wantOK := edges[from]
			assert.Equal(t, wantOK, ok, "%s from %s", action, from)
			assert.Equal(t, want, to, "%s from %s", action, from)
		}
	}
}

type engineFixture struct {
	store  *MemoryStore
	engine *Engine
	now    time.Time
}

func newEngineFixture(policy NoShowPolicy) *engineFixture {
	f := &engineFixture{store: NewMemoryStore(), now: t0}
	f.engine = NewEngine(f.store, NewScheduler(f.store), policy)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) admit(t *testing.T, patient string, p Priority) QueueEntry {
	t.Helper()
	tr, err := f.engine.Admit(context.Background(), newEntry("c1", "lab", patient, 0, p, f.now))
	require.NoError(t, err)
	return tr.Entry
}

func (f *engineFixture) apply(cmd Command) (QueueEntry, error) {
	if cmd.Actor.ID == "" {
		cmd.Actor = staff
	}
	tr, err := f.engine.Apply(context.Background(), cmd)
	return tr.Entry, err
}

func TestEngine_Lifecycle(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)
	assert.Equal(t, StateWaiting, e.State)

	f.now = t0.Add(time.Minute)
	e, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall, Room: "R1"})
	require.NoError(t, err)
	assert.Equal(t, StateCalled, e.State)
	assert.Equal(t, "R1", e.Room)
	assert.Equal(t, "staff-1", e.CalledBy)
	require.NotNil(t, e.CalledAt)

	f.now = t0.Add(2 * time.Minute)
	e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionStartService})
	require.NoError(t, err)
	assert.Equal(t, StateInService, e.State)
	assert.Equal(t, "R1", e.Room, "room carries over from the call")

	// clock steps backwards
	f.now = t0
	e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionComplete})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, e.State)
	assert.Equal(t, int64(4), e.Version)
	assert.False(t, e.CompletedAt.Before(*e.StartedAt))
	assert.False(t, e.StartedAt.Before(*e.CalledAt))
	assert.False(t, e.CalledAt.Before(e.EnqueuedAt))
}

func TestEngine_InvalidEdgeMutatesNothing(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)

	_, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionComplete})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEngine_StaleVersionConflicts(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)

	_, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionReprioritize, Priority: PriorityUrgent})
	require.NoError(t, err)

	_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCancel})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestEngine_OutOfScope(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)

	pharmacist := Actor{ID: "ph-1", ClinicID: "c1", Departments: []string{"pharmacy"}}
	_, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall, Actor: pharmacist})
	assert.ErrorIs(t, err, ErrOutOfScope)

	stranger := Actor{ID: "x", ClinicID: "c2", Departments: []string{"*"}}
	_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall, Actor: stranger})
	assert.ErrorIs(t, err, ErrOutOfScope)
}

func TestEngine_CallMustFollowSchedulerUnlessOverridden(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	normal := f.admit(t, "p1", PriorityNormal)
	f.now = t0.Add(time.Minute)
	f.admit(t, "p2", PriorityUrgent)

	_, err := f.apply(Command{EntryID: normal.ID, Version: normal.Version, Action: ActionCall})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, errNotNextInLine)

	called, err := f.apply(Command{EntryID: normal.ID, Version: normal.Version, Action: ActionCall, Override: true})
	require.NoError(t, err)
	assert.Equal(t, StateCalled, called.State)
}

func TestEngine_StartServiceNeedsRoom(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)
	e, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall})
	require.NoError(t, err)

	_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionStartService})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionStartService, Room: "R2"})
	require.NoError(t, err)
	assert.Equal(t, "R2", e.Room)
}

func TestEngine_NoAnswerRequeues(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityUrgent)
	e, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall, Room: "R1"})
	require.NoError(t, err)

	f.now = t0.Add(5 * time.Minute)
	e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionNoAnswer})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, e.State)
	assert.Nil(t, e.CalledAt)
	assert.Empty(t, e.Room)
	assert.Empty(t, e.CalledBy)
	assert.Equal(t, 1, e.NoAnswerCount)
	assert.Equal(t, PriorityUrgent, e.Priority)
	assert.Equal(t, t0, e.EnqueuedAt)

	// room is free again
	other := f.admit(t, "p2", PriorityNormal)
	_, err = f.apply(Command{EntryID: other.ID, Version: other.Version, Action: ActionCall, Room: "R1", Override: true})
	assert.NoError(t, err)
}

func TestEngine_Timeout(t *testing.T) {
	t.Run("without threshold only explicit", func(t *testing.T) {
		f := newEngineFixture(NoShowPolicy{})
		e := f.admit(t, "p1", PriorityNormal)
		e, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall})
		require.NoError(t, err)

		f.now = t0.Add(24 * time.Hour)
		_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionTimeout})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionTimeout, Explicit: true})
		require.NoError(t, err)
		assert.Equal(t, StateNoShow, e.State)
	})

	t.Run("department threshold", func(t *testing.T) {
		f := newEngineFixture(NoShowPolicy{Default: time.Hour, PerDepartment: map[string]time.Duration{"lab": 10 * time.Minute}})
		e := f.admit(t, "p1", PriorityNormal)
		e, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionCall})
		require.NoError(t, err)

		f.now = t0.Add(10 * time.Minute)
		_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionTimeout})
		assert.ErrorIs(t, err, ErrInvalidTransition, "threshold must be exceeded, not reached")

		f.now = t0.Add(11 * time.Minute)
		e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionTimeout})
		require.NoError(t, err)
		assert.Equal(t, StateNoShow, e.State)
	})
}

func TestEngine_Reprioritize(t *testing.T) {
	f := newEngineFixture(NoShowPolicy{})
	e := f.admit(t, "p1", PriorityNormal)

	_, err := f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionReprioritize, Priority: "vip"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionReprioritize})
	assert.ErrorIs(t, err, ErrInvalidInput)

	e, err = f.apply(Command{EntryID: e.ID, Version: e.Version, Action: ActionReprioritize, Priority: PriorityEmergency})
	require.NoError(t, err)
	assert.Equal(t, PriorityEmergency, e.Priority)
	assert.Equal(t, StateWaiting, e.State)
}

func TestNoShowPolicy_Threshold(t *testing.T) {
	p := NoShowPolicy{Default: 15 * time.Minute, PerDepartment: map[string]time.Duration{"lab": 5 * time.Minute}}

	d, ok := p.Threshold("lab")
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)

	d, ok = p.Threshold("xray")
	assert.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)

	_, ok = NoShowPolicy{}.Threshold("lab")
	assert.False(t, ok)
}
