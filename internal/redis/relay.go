package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/queue"
)

const GlobalChannel = "queue:events:all"

func ClinicChannel(clinicID string) string {
	return "queue:events:" + clinicID
}

// EventRelay mirrors queue transitions onto Redis pub/sub for consumers
// outside this process. Publish only buffers; Run does the network I/O.
type EventRelay struct {
	client  *redis.Client
	pending chan queue.Event
	logger  zerolog.Logger
}

func NewEventRelay(client *redis.Client, buffer int, logger zerolog.Logger) *EventRelay {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventRelay{
		client:  client,
		pending: make(chan queue.Event, buffer),
		logger:  logger.With().Str("component", "redis-relay").Logger(),
	}
}

func (r *EventRelay) Publish(_ context.Context, ev queue.Event) error {
	select {
	case r.pending <- ev:
		return nil
	default:
		return fmt.Errorf("redis relay backlog full, dropped event %s", ev.ID)
	}
}

func (r *EventRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.pending:
			if err := r.send(ctx, ev); err != nil {
				r.logger.Warn().Err(err).Str("entry_id", ev.EntryID.String()).Msg("relay publish failed")
			}
		}
	}
}

func (r *EventRelay) send(ctx context.Context, ev queue.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, ClinicChannel(ev.ClinicID), payload)
	pipe.Publish(ctx, GlobalChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}
