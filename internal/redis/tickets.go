package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-queue/internal/queue"
)

const defaultTicketTTL = 48 * time.Hour

// The expiry is only set by the call that creates the counter, so later
// increments never extend it.
var nextTicketScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// TicketAllocator keeps one INCR counter per clinic, department and day.
// Counters outlive api-server restarts, so a ticket is never issued twice
// on the same day.
type TicketAllocator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTicketAllocator(client *redis.Client, ttl time.Duration) *TicketAllocator {
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &TicketAllocator{client: client, ttl: ttl}
}

func TicketKey(clinicID, departmentID string, day time.Time) string {
	return fmt.Sprintf("ticket:%s:%s:%s", clinicID, departmentID, queue.DayKey(day))
}

func (a *TicketAllocator) Next(ctx context.Context, clinicID, departmentID string, day time.Time) (int64, error) {
	key := TicketKey(clinicID, departmentID, day)
	n, err := nextTicketScript.Run(ctx, a.client, []string{key}, a.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr ticket counter %s: %w", key, err)
	}
	return n, nil
}
