package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TicketAllocator issues queue numbers that strictly increase within a
// (clinic, department, calendar day) scope.
type TicketAllocator interface {
	Next(ctx context.Context, clinicID, departmentID string, day time.Time) (int64, error)
}

// DayKey formats the calendar day of t in t's own location.
func DayKey(t time.Time) string {
	return t.Format("20060102")
}

// MemoryAllocator keeps counters in process memory. Numbers restart when
// the process does, so it suits tests and single-node development only.
// Counters of the latest day and the day before are kept; earlier days are
// retired and refuse new numbers rather than issue them twice.
type MemoryAllocator struct {
	mu      sync.Mutex
	days    map[string]map[string]int64
	latest  string
	retired string
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{days: make(map[string]map[string]int64)}
}

func (a *MemoryAllocator) Next(_ context.Context, clinicID, departmentID string, day time.Time) (int64, error) {
	dk := DayKey(day)

	a.mu.Lock()
	defer a.mu.Unlock()

	if dk <= a.retired {
		return 0, fmt.Errorf("tickets for %s are closed, the oldest open day is after %s", dk, a.retired)
	}
	if dk > a.latest {
		// keep the previous day for callers racing across midnight
		for old := range a.days {
			if old < a.latest {
				delete(a.days, old)
				a.retired = max(a.retired, old)
			}
		}
		a.latest = dk
	}

	counters, ok := a.days[dk]
	if !ok {
		counters = make(map[string]int64)
		a.days[dk] = counters
	}
	scope := clinicID + "|" + departmentID
	counters[scope]++
	return counters[scope], nil
}
