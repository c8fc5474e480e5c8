package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// DepartmentStats summarises one department's queue for the current
// calendar day. Counts covers the active states as they are now and the
// terminal states reached today.
type DepartmentStats struct {
	ClinicID     string
	DepartmentID string
	Day          string
	Counts       map[State]int

	// Waits of patients still in the waiting set, measured from check-in.
	LongestWait        time.Duration
	AverageCurrentWait time.Duration

	// Calls made today and the mean time from check-in to call.
	Calls       int64
	AverageWait time.Duration

	// Services completed today and the mean time from start to completion.
	Served         int64
	AverageService time.Duration
}

type tallyKey struct {
	clinicID     string
	departmentID string
}

type departmentTally struct {
	ended        map[State]int
	calls        int64
	waitTotal    time.Duration
	served       int64
	serviceTotal time.Duration
}

// dailyTally accumulates what the live store forgets: terminal entries
// leave it, so their counts and durations are recorded as they happen.
// Only the latest calendar day is kept.
type dailyTally struct {
	mu    sync.Mutex
	day   string
	depts map[tallyKey]*departmentTally
}

func newDailyTally() *dailyTally {
	return &dailyTally{depts: make(map[tallyKey]*departmentTally)}
}

func (t *dailyTally) record(day string, tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case day < t.day:
		return
	case day > t.day:
		t.day = day
		clear(t.depts)
	}

	e := tr.Entry
	key := tallyKey{clinicID: e.ClinicID, departmentID: e.DepartmentID}
	d := t.depts[key]
	if d == nil {
		d = &departmentTally{ended: make(map[State]int)}
		t.depts[key] = d
	}

	switch tr.Action {
	case ActionCall:
		if e.CalledAt != nil {
			d.calls++
			d.waitTotal += nonNegative(e.CalledAt.Sub(e.EnqueuedAt))
		}
	case ActionComplete:
		if e.StartedAt != nil && e.CompletedAt != nil {
			d.served++
			d.serviceTotal += nonNegative(e.CompletedAt.Sub(*e.StartedAt))
		}
	}
	if e.State.Terminal() {
		d.ended[e.State]++
	}
}

// clinic copies the tallies of one clinic for day, keyed by department.
func (t *dailyTally) clinic(day, clinicID string) map[string]departmentTally {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]departmentTally)
	if day != t.day {
		return out
	}
	for key, d := range t.depts {
		if key.clinicID != clinicID {
			continue
		}
		cp := *d
		cp.ended = maps.Clone(d.ended)
		out[key.departmentID] = cp
	}
	return out
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func average(total time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Stats reports per-department queue statistics for today. An empty
// departmentID covers every department of the clinic the actor can see.
func (c *Coordinator) Stats(ctx context.Context, actor Actor, clinicID, departmentID string) ([]DepartmentStats, error) {
	if !actor.CanAccess(clinicID, departmentID) {
		return nil, fmt.Errorf("%w: %s on %s/%s", ErrOutOfScope, actor.ID, clinicID, departmentID)
	}
	if _, err := c.SweepNoShows(ctx, clinicID); err != nil {
		c.logger.Warn().Err(err).Str("clinic_id", clinicID).Msg("lazy no-show sweep failed")
	}

	entries, err := c.store.ListActive(ctx, ListFilter{ClinicID: clinicID, DepartmentID: departmentID})
	if err != nil {
		return nil, err
	}
	entries = actor.Visible(entries)

	now := c.now()
	day := DayKey(now.In(c.loc))

	byDept := make(map[string]*DepartmentStats)
	get := func(dept string) *DepartmentStats {
		s, ok := byDept[dept]
		if !ok {
			s = &DepartmentStats{ClinicID: clinicID, DepartmentID: dept, Day: day, Counts: make(map[State]int)}
			byDept[dept] = s
		}
		return s
	}
	if departmentID != "" {
		get(departmentID)
	}

	currentTotal := make(map[string]time.Duration)
	for _, e := range entries {
		s := get(e.DepartmentID)
		s.Counts[e.State]++
		if e.State != StateWaiting {
			continue
		}
		wait := nonNegative(now.Sub(e.EnqueuedAt))
		currentTotal[e.DepartmentID] += wait
		if wait > s.LongestWait {
			s.LongestWait = wait
		}
	}

	for dept, d := range c.tally.clinic(day, clinicID) {
		if (departmentID != "" && dept != departmentID) || !actor.Sees(dept) {
			continue
		}
		s := get(dept)
		for state, n := range d.ended {
			s.Counts[state] += n
		}
		s.Calls = d.calls
		s.AverageWait = average(d.waitTotal, d.calls)
		s.Served = d.served
		s.AverageService = average(d.serviceTotal, d.served)
	}

	out := make([]DepartmentStats, 0, len(byDept))
	for _, s := range byDept {
		s.AverageCurrentWait = average(currentTotal[s.DepartmentID], int64(s.Counts[StateWaiting]))
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b DepartmentStats) int {
		return strings.Compare(a.DepartmentID, b.DepartmentID)
	})
	return out, nil
}
