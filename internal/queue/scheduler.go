package queue

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Compare orders entries for calling: higher priority first, then arrival
// time, then ticket number. The final id comparison only keeps listings
// that span departments deterministic.
func Compare(a, b QueueEntry) int {
	if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
		return c
	}
	if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TicketNumber, b.TicketNumber); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.String(), b.ID.String())
}

// Scheduler picks the default next patient of a department. It reads a
// snapshot; the caller's CAS on the chosen entry settles any race.
type Scheduler struct {
	store Store
}

func NewScheduler(store Store) *Scheduler {
	return &Scheduler{store: store}
}

// Next returns the waiting entry that should be called next, or false when
// nobody is waiting.
func (s *Scheduler) Next(ctx context.Context, clinicID, departmentID string) (QueueEntry, bool, error) {
	waiting, err := s.store.ListActive(ctx, ListFilter{
		ClinicID:     clinicID,
		DepartmentID: departmentID,
		State:        StateWaiting,
	})
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("list waiting entries: %w", err)
	}
	if len(waiting) == 0 {
		return QueueEntry{}, false, nil
	}
	return slices.MinFunc(waiting, Compare), true, nil
}
