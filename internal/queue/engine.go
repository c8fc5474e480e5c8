package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCheckIn      Action = "check_in"
	ActionCall         Action = "call"
	ActionStartService Action = "start_service"
	ActionNoAnswer     Action = "no_answer"
	ActionComplete     Action = "complete"
	ActionCancel       Action = "cancel"
	ActionTimeout      Action = "timeout"
	ActionReprioritize Action = "reprioritize"
)

type transitionRule struct {
	from []State
	to   State
}

// check_in is not listed: it creates entries rather than moving them.
var transitionRules = map[Action]transitionRule{
	ActionCall:         {from: []State{StateWaiting}, to: StateCalled},
	ActionStartService: {from: []State{StateCalled}, to: StateInService},
	ActionNoAnswer:     {from: []State{StateCalled}, to: StateWaiting},
	ActionComplete:     {from: []State{StateInService}, to: StateCompleted},
	ActionCancel:       {from: []State{StateWaiting, StateCalled}, to: StateCancelled},
	ActionTimeout:      {from: []State{StateCalled}, to: StateNoShow},
	ActionReprioritize: {from: []State{StateWaiting}, to: StateWaiting},
}

// ValidTransition returns the target state of action from the given state.
func ValidTransition(action Action, from State) (State, bool) {
	rule, ok := transitionRules[action]
	if !ok || !slices.Contains(rule.from, from) {
		return "", false
	}
	return rule.to, true
}

// NoShowPolicy holds the configured call-to-no-show thresholds. A
// department without a threshold never times out on its own.
type NoShowPolicy struct {
	Default       time.Duration
	PerDepartment map[string]time.Duration
}

func (p NoShowPolicy) Threshold(departmentID string) (time.Duration, bool) {
	if d, ok := p.PerDepartment[departmentID]; ok && d > 0 {
		return d, true
	}
	if p.Default > 0 {
		return p.Default, true
	}
	return 0, false
}

// Command asks the engine to move one entry along one edge.
type Command struct {
	EntryID uuid.UUID
	Version int64
	Action  Action
	Actor   Actor

	Room     string
	Priority Priority
	// Override lets a call target an entry other than the scheduler's pick.
	Override bool
	// Explicit marks a staff-declared no-show, bypassing the elapsed-time check.
	Explicit bool
}

type Transition struct {
	Action Action
	From   State
	Entry  QueueEntry
	At     time.Time
}

// Engine validates and applies state transitions. It holds no locks of its
// own: every write goes through Store.CASUpdate with the caller's version.
type Engine struct {
	store     Store
	scheduler *Scheduler
	noShow    NoShowPolicy
	now       func() time.Time
}

func NewEngine(store Store, scheduler *Scheduler, noShow NoShowPolicy) *Engine {
	return &Engine{
		store:     store,
		scheduler: scheduler,
		noShow:    noShow,
		now:       time.Now,
	}
}

// Admit inserts a freshly checked-in entry in the waiting state.
func (e *Engine) Admit(ctx context.Context, entry QueueEntry) (Transition, error) {
	entry.State = StateWaiting
	stored, err := e.store.Insert(ctx, entry)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: ActionCheckIn, Entry: stored, At: stored.EnqueuedAt}, nil
}

func (e *Engine) Apply(ctx context.Context, cmd Command) (Transition, error) {
	cur, err := e.store.Get(ctx, cmd.EntryID)
	if err != nil {
		return Transition{}, err
	}
	if !cmd.Actor.CanAccess(cur.ClinicID, cur.DepartmentID) {
		return Transition{}, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, cmd.Actor.ID, cur.ClinicID, cur.DepartmentID)
	}
	if cur.Version != cmd.Version {
		return Transition{}, fmt.Errorf("%w: entry %s is at version %d, expected %d", ErrConflict, cur.ID, cur.Version, cmd.Version)
	}
	to, ok := ValidTransition(cmd.Action, cur.State)
	if !ok {
		return Transition{}, fmt.Errorf("%w: cannot %s an entry in state %s", ErrInvalidTransition, cmd.Action, cur.State)
	}

	now := e.now()
	if err := e.guard(ctx, cur, cmd, now); err != nil {
		return Transition{}, err
	}

	updated, err := e.store.CASUpdate(ctx, cur.ID, cmd.Version, func(next *QueueEntry) error {
		if next.State != cur.State {
			return fmt.Errorf("%w: entry %s moved to %s", ErrConflict, next.ID, next.State)
		}
		next.State = to
		applyEffects(next, cmd, now)
		return nil
	})
	if err != nil {
		return Transition{}, err
	}

	return Transition{Action: cmd.Action, From: cur.State, Entry: updated, At: now}, nil
}

func (e *Engine) guard(ctx context.Context, cur QueueEntry, cmd Command, now time.Time) error {
	switch cmd.Action {
	case ActionCall:
		if cmd.Override {
			return nil
		}
		next, ok, err := e.scheduler.Next(ctx, cur.ClinicID, cur.DepartmentID)
		if err != nil {
			return err
		}
		if !ok || next.ID != cur.ID {
			return fmt.Errorf("%w: %w: %s", ErrInvalidTransition, errNotNextInLine, cur.ID)
		}
	case ActionStartService:
		if cmd.Room == "" && cur.Room == "" {
			return fmt.Errorf("%w: a room is required to start service", ErrInvalidTransition)
		}
	case ActionTimeout:
		if cmd.Explicit {
			return nil
		}
		threshold, ok := e.noShow.Threshold(cur.DepartmentID)
		if !ok {
			return fmt.Errorf("%w: no no-show threshold configured for department %s", ErrInvalidTransition, cur.DepartmentID)
		}
		if cur.CalledAt == nil || now.Sub(*cur.CalledAt) <= threshold {
			return fmt.Errorf("%w: entry %s is within its no-show window", ErrInvalidTransition, cur.ID)
		}
	case ActionReprioritize:
		if _, ok := ParsePriority(string(cmd.Priority)); !ok || cmd.Priority == "" {
			return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, cmd.Priority)
		}
	}
	return nil
}

func applyEffects(next *QueueEntry, cmd Command, now time.Time) {
	switch cmd.Action {
	case ActionCall:
		next.CalledAt = timePtr(notBefore(now, next.EnqueuedAt))
		next.CalledBy = cmd.Actor.ID
		next.Room = cmd.Room
	case ActionStartService:
		next.StartedAt = timePtr(notBefore(now, *next.CalledAt))
		next.ServedBy = cmd.Actor.ID
		if cmd.Room != "" {
			next.Room = cmd.Room
		}
	case ActionNoAnswer:
		next.CalledAt = nil
		next.CalledBy = ""
		next.Room = ""
		next.NoAnswerCount++
	case ActionComplete:
		next.CompletedAt = timePtr(notBefore(now, *next.StartedAt))
	case ActionReprioritize:
		next.Priority = cmd.Priority
	}
}

// notBefore keeps timestamps ordered when the wall clock steps backwards.
func notBefore(now, prev time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
