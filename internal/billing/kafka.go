// Package billing tells the billing module that an encounter left the
// queue. Notices go to a Kafka topic keyed by patient so that all notices of
// one patient land on the same partition.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hackgods/clinic-queue/internal/queue"
)

// EncounterEnded is the message body published per notice.
type EncounterEnded struct {
	PatientRef string        `json:"patientRef"`
	VisitID    string        `json:"visitId,omitempty"`
	Outcome    queue.Outcome `json:"outcome"`
	OccurredAt time.Time     `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaNotifier struct {
	writer messageWriter
	now    func() time.Time
	logger zerolog.Logger
	failed atomic.Uint64
}

// NewKafkaNotifier builds an asynchronous writer: NotifyEncounterEnded only
// enqueues the message, so the hook worker never waits on a batch. Delivery
// failures surface in the completion callback and are logged there.
func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) *KafkaNotifier {
	n := &KafkaNotifier{
		now:    time.Now,
		logger: logger.With().Str("component", "billing").Str("topic", topic).Logger(),
	}
	n.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion:   n.completed,
	}
	return n
}

func (n *KafkaNotifier) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	n.failed.Add(uint64(len(msgs)))
	for _, m := range msgs {
		n.logger.Error().Err(err).Str("patient_ref", string(m.Key)).Msg("encounter notice not delivered")
	}
}

// Failed counts notices the brokers never acknowledged.
func (n *KafkaNotifier) Failed() uint64 {
	return n.failed.Load()
}

func (n *KafkaNotifier) NotifyEncounterEnded(ctx context.Context, patientRef, visitID string, outcome queue.Outcome) error {
	body, err := json.Marshal(EncounterEnded{
		PatientRef: patientRef,
		VisitID:    visitID,
		Outcome:    outcome,
		OccurredAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal encounter notice: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(patientRef),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("write encounter notice: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
