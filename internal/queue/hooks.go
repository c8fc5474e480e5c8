package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher receives every accepted transition. Implementations must not
// block on subscriber I/O.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Publishers fans one event out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// VisitCreator is the appointment/visit module.
type VisitCreator interface {
	CreateVisit(ctx context.Context, patientRef, clinicID string) (string, error)
}

// BillingNotifier is told when an encounter leaves the queue for good.
type BillingNotifier interface {
	NotifyEncounterEnded(ctx context.Context, patientRef, visitID string, outcome Outcome) error
}

// Archiver persists entries that reached a terminal state.
type Archiver interface {
	Archive(ctx context.Context, entry QueueEntry, visitID string) error
}

// EventLogger keeps a durable audit trail of transitions.
type EventLogger interface {
	LogEvent(ctx context.Context, ev Event) error
}

// Hooks groups the downstream collaborators. Nil members are skipped.
type Hooks struct {
	Visits  VisitCreator
	Billing BillingNotifier
	Archive Archiver
	Events  EventLogger
}

// Dispatcher runs side-effect hooks on a single background worker so that
// a visit is always created before the billing notice of the same entry.
// Hooks never influence the outcome of the transition that queued them.
type Dispatcher struct {
	hooks   Hooks
	jobs    chan Event
	visits  map[uuid.UUID]string // worker goroutine only
	timeout time.Duration
	logger  zerolog.Logger
}

func NewDispatcher(hooks Hooks, size int, logger zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		hooks:   hooks,
		jobs:    make(chan Event, size),
		visits:  make(map[uuid.UUID]string),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "hook-dispatcher").Logger(),
	}
}

// Enqueue hands ev to the worker without blocking. It reports false when
// the backlog is full and the hooks for ev were dropped.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.jobs <- ev:
		return true
	default:
		d.logger.Error().
			Str("entry_id", ev.EntryID.String()).
			Str("action", string(ev.Action)).
			Msg("hook backlog full, dropping side effects")
		return false
	}
}

// Run processes hooks until ctx is cancelled, then drains what is already
// queued under a short grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.jobs:
			d.handle(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	graceCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case ev := <-d.jobs:
			d.handle(graceCtx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	jobCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	log := d.logger.With().
		Str("entry_id", ev.EntryID.String()).
		Str("action", string(ev.Action)).
		Logger()

	if d.hooks.Events != nil {
		if err := d.hooks.Events.LogEvent(jobCtx, ev); err != nil {
			log.Error().Err(err).Msg("event log write failed")
		}
	}

	if ev.Action == ActionCheckIn && d.hooks.Visits != nil {
		visitID, err := d.hooks.Visits.CreateVisit(jobCtx, ev.Entry.PatientRef, ev.ClinicID)
		if err != nil {
			log.Error().Err(err).Msg("create visit failed")
			return
		}
		d.visits[ev.EntryID] = visitID
		return
	}

	if !ev.ToState.Terminal() {
		return
	}

	visitID := d.visits[ev.EntryID]
	delete(d.visits, ev.EntryID)

	if d.hooks.Billing != nil {
		if err := d.hooks.Billing.NotifyEncounterEnded(jobCtx, ev.Entry.PatientRef, visitID, outcomeFor(ev.ToState)); err != nil {
			log.Error().Err(err).Str("visit_id", visitID).Msg("billing notification failed")
		}
	}
	if d.hooks.Archive != nil {
		if err := d.hooks.Archive.Archive(jobCtx, ev.Entry, visitID); err != nil {
			log.Error().Err(err).Msg("archive terminal entry failed")
		}
	}
}
