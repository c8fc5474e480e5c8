package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultMaxAttempts = 3

var errNotNextInLine = errors.New("entry is not next in line")

type Options struct {
	// MaxAttempts bounds the optimistic retry loop of every operation.
	MaxAttempts int
	// Location decides which calendar day a ticket belongs to.
	Location *time.Location
	NoShow   NoShowPolicy
	Now      func() time.Time
}

type CheckInRequest struct {
	DepartmentID string
	PatientRef   string
	Priority     Priority
}

// TransitionRequest targets one entry. A non-zero Version pins the caller's
// view of the entry: the operation is attempted once and a stale version
// surfaces as ErrConflict instead of being retried.
type TransitionRequest struct {
	EntryID  uuid.UUID
	Version  int64
	Room     string
	Priority Priority
}

// Coordinator is the single entry point for queue operations.
type Coordinator struct {
	store      Store
	tickets    TicketAllocator
	scheduler  *Scheduler
	engine     *Engine
	publisher  Publisher
	dispatcher *Dispatcher
	tally      *dailyTally

	noShow      NoShowPolicy
	maxAttempts int
	loc         *time.Location
	now         func() time.Time
	logger      zerolog.Logger
}

// NewCoordinator wires the queue components together. publisher and
// dispatcher may be nil.
func NewCoordinator(store Store, tickets TicketAllocator, publisher Publisher, dispatcher *Dispatcher, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	scheduler := NewScheduler(store)
	engine := NewEngine(store, scheduler, opts.NoShow)
	engine.now = opts.Now

	return &Coordinator{
		store:       store,
		tickets:     tickets,
		scheduler:   scheduler,
		engine:      engine,
		publisher:   publisher,
		dispatcher:  dispatcher,
		tally:       newDailyTally(),
		noShow:      opts.NoShow,
		maxAttempts: opts.MaxAttempts,
		loc:         opts.Location,
		now:         opts.Now,
		logger:      logger.With().Str("component", "queue-coordinator").Logger(),
	}
}

// CheckIn issues a ticket and puts the patient in the department's waiting
// set. The ticket is only allocated once the patient is known not to be
// active elsewhere in the clinic; the store re-checks atomically on insert.
func (c *Coordinator) CheckIn(ctx context.Context, actor Actor, clinicID string, req CheckInRequest) (QueueEntry, error) {
	req.PatientRef = strings.TrimSpace(req.PatientRef)
	if clinicID == "" || req.DepartmentID == "" || req.PatientRef == "" {
		return QueueEntry{}, fmt.Errorf("%w: clinic, department and patient are required", ErrInvalidInput)
	}
	priority, ok := ParsePriority(string(req.Priority))
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, req.Priority)
	}
	if !actor.CanAccess(clinicID, req.DepartmentID) {
		return QueueEntry{}, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, clinicID, req.DepartmentID)
	}

	existing, err := c.store.FindActiveByPatient(ctx, clinicID, req.PatientRef)
	switch {
	case err == nil:
		return QueueEntry{}, fmt.Errorf("%w: patient %s is %s in %s", ErrDuplicateActiveEntry, req.PatientRef, existing.State, existing.DepartmentID)
	case !errors.Is(err, ErrNotFound):
		return QueueEntry{}, fmt.Errorf("check active entries: %w", err)
	}

	now := c.now().In(c.loc)
	ticket, err := c.tickets.Next(ctx, clinicID, req.DepartmentID, now)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("%w: allocate ticket: %w", ErrInfrastructure, err)
	}

	tr, err := c.engine.Admit(ctx, QueueEntry{
		ID:           uuid.New(),
		ClinicID:     clinicID,
		DepartmentID: req.DepartmentID,
		PatientRef:   req.PatientRef,
		TicketNumber: ticket,
		Priority:     priority,
		CheckedInBy:  actor.ID,
		EnqueuedAt:   now,
	})
	if err != nil {
		return QueueEntry{}, err
	}

	c.emit(ctx, actor, tr)
	return tr.Entry, nil
}

// CallNext calls the scheduler's pick for the department. Losing a race for
// that pick re-queries the scheduler, up to the attempt bound.
func (c *Coordinator) CallNext(ctx context.Context, actor Actor, clinicID, departmentID, room string) (QueueEntry, error) {
	if departmentID == "" {
		return QueueEntry{}, fmt.Errorf("%w: department is required", ErrInvalidInput)
	}
	if !actor.CanAccess(clinicID, departmentID) {
		return QueueEntry{}, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, clinicID, departmentID)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		next, ok, err := c.scheduler.Next(ctx, clinicID, departmentID)
		if err != nil {
			return QueueEntry{}, err
		}
		if !ok {
			return QueueEntry{}, fmt.Errorf("%w: %s/%s", ErrQueueEmpty, clinicID, departmentID)
		}

		tr, err := c.engine.Apply(ctx, Command{
			EntryID: next.ID,
			Version: next.Version,
			Action:  ActionCall,
			Actor:   actor,
			Room:    room,
		})
		if err == nil {
			c.emit(ctx, actor, tr)
			return tr.Entry, nil
		}
		if !retryableCall(err) {
			return QueueEntry{}, err
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt).Str("department_id", departmentID).Msg("call next lost race, retrying")
	}
	return QueueEntry{}, fmt.Errorf("call next gave up after %d attempts: %w", c.maxAttempts, lastErr)
}

func retryableCall(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, errNotNextInLine) || errors.Is(err, ErrNotFound)
}

// CallSpecific calls the named waiting entry regardless of scheduling order.
func (c *Coordinator) CallSpecific(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionCall, req, func(cmd *Command) { cmd.Override = true })
}

func (c *Coordinator) StartService(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionStartService, req, nil)
}

// Requeue returns a called patient who did not answer to the waiting set.
func (c *Coordinator) Requeue(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionNoAnswer, req, nil)
}

func (c *Coordinator) Complete(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionComplete, req, nil)
}

func (c *Coordinator) Cancel(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionCancel, req, nil)
}

// MarkNoShow records a staff-declared no-show for a called patient.
func (c *Coordinator) MarkNoShow(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionTimeout, req, func(cmd *Command) { cmd.Explicit = true })
}

// Reprioritize changes the priority of a waiting entry.
func (c *Coordinator) Reprioritize(ctx context.Context, actor Actor, req TransitionRequest) (QueueEntry, error) {
	return c.transition(ctx, actor, ActionReprioritize, req, nil)
}

func (c *Coordinator) transition(ctx context.Context, actor Actor, action Action, req TransitionRequest, adjust func(*Command)) (QueueEntry, error) {
	attempts := c.maxAttempts
	if req.Version > 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		version := req.Version
		if version == 0 {
			cur, err := c.store.Get(ctx, req.EntryID)
			if err != nil {
				return QueueEntry{}, err
			}
			version = cur.Version
		}

		cmd := Command{
			EntryID:  req.EntryID,
			Version:  version,
			Action:   action,
			Actor:    actor,
			Room:     req.Room,
			Priority: req.Priority,
		}
		if adjust != nil {
			adjust(&cmd)
		}

		tr, err := c.engine.Apply(ctx, cmd)
		if err == nil {
			c.emit(ctx, actor, tr)
			return tr.Entry, nil
		}
		if !errors.Is(err, ErrConflict) {
			return QueueEntry{}, err
		}
		lastErr = err
		c.logger.Debug().Err(err).Int("attempt", attempt).Str("entry_id", req.EntryID.String()).Str("action", string(action)).Msg("version conflict")
	}
	if attempts == 1 {
		return QueueEntry{}, lastErr
	}
	return QueueEntry{}, fmt.Errorf("%s gave up after %d attempts: %w", action, attempts, lastErr)
}

func (c *Coordinator) Get(ctx context.Context, actor Actor, id uuid.UUID) (QueueEntry, error) {
	e, err := c.store.Get(ctx, id)
	if err != nil {
		return QueueEntry{}, err
	}
	if !actor.CanAccess(e.ClinicID, e.DepartmentID) {
		return QueueEntry{}, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, e.ClinicID, e.DepartmentID)
	}
	return e, nil
}

// ListQueue returns a snapshot of the clinic's active entries in calling
// order. Overdue called entries are swept to no_show first.
func (c *Coordinator) ListQueue(ctx context.Context, actor Actor, clinicID, departmentID string, state State) ([]QueueEntry, error) {
	if !actor.CanAccess(clinicID, departmentID) {
		return nil, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, clinicID, departmentID)
	}
	if _, err := c.SweepNoShows(ctx, clinicID); err != nil {
		c.logger.Warn().Err(err).Str("clinic_id", clinicID).Msg("lazy no-show sweep failed")
	}
	entries, err := c.store.ListActive(ctx, ListFilter{ClinicID: clinicID, DepartmentID: departmentID, State: state})
	if err != nil {
		return nil, err
	}
	return actor.Visible(entries), nil
}

// Snapshot lists the actor's view of a clinic without sweeping. It serves
// subscribers that resynchronise after missing events.
func (c *Coordinator) Snapshot(ctx context.Context, actor Actor, clinicID, departmentID string) ([]QueueEntry, error) {
	if !actor.CanAccess(clinicID, departmentID) {
		return nil, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, clinicID, departmentID)
	}
	entries, err := c.store.ListActive(ctx, ListFilter{ClinicID: clinicID, DepartmentID: departmentID})
	if err != nil {
		return nil, err
	}
	return actor.Visible(entries), nil
}

// SweepNoShows moves called entries past their department threshold to
// no_show. An empty clinicID sweeps every clinic. Entries another actor
// touched meanwhile are skipped.
func (c *Coordinator) SweepNoShows(ctx context.Context, clinicID string) (int, error) {
	called, err := c.store.ListActive(ctx, ListFilter{ClinicID: clinicID, State: StateCalled})
	if err != nil {
		return 0, fmt.Errorf("list called entries: %w", err)
	}

	now := c.now()
	swept := 0
	for _, e := range called {
		threshold, ok := c.noShow.Threshold(e.DepartmentID)
		if !ok || e.CalledAt == nil || now.Sub(*e.CalledAt) <= threshold {
			continue
		}

		sweeper := Actor{ID: "system:no-show-sweep", ClinicID: e.ClinicID, Departments: []string{"*"}}
		tr, err := c.engine.Apply(ctx, Command{
			EntryID: e.ID,
			Version: e.Version,
			Action:  ActionTimeout,
			Actor:   sweeper,
		})
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			return swept, fmt.Errorf("expire entry %s: %w", e.ID, err)
		}
		c.emit(ctx, sweeper, tr)
		swept++
	}
	return swept, nil
}

// emit publishes the transition and queues its side effects. Neither can
// fail the transition, which is already committed.
func (c *Coordinator) emit(ctx context.Context, actor Actor, tr Transition) {
	c.tally.record(DayKey(tr.At.In(c.loc)), tr)

	ev := Event{
		ID:           uuid.New(),
		Action:       tr.Action,
		EntryID:      tr.Entry.ID,
		ClinicID:     tr.Entry.ClinicID,
		DepartmentID: tr.Entry.DepartmentID,
		FromState:    tr.From,
		ToState:      tr.Entry.State,
		ActorID:      actor.ID,
		Entry:        tr.Entry,
		Timestamp:    tr.At,
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Str("entry_id", ev.EntryID.String()).Str("action", string(ev.Action)).Msg("publish transition failed")
		}
	}
	if c.dispatcher != nil {
		c.dispatcher.Enqueue(ev)
	}
}
