// Package events implements best-effort saga lifecycle event emission over
// RabbitMQ via streadway/amqp, grounded on the teacher's queue.RabbitMQService
// dependency-injected-dialer pattern: the publisher depends on a narrow
// Channel interface instead of the concrete amqp.Channel, so tests can
// substitute a recording fake.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

// SagaEvent is the structured payload published for every terminal saga
// state, per SPEC_FULL.md's Saga Event Emission section.
type SagaEvent struct {
	SagaID     string           `json:"saga_id"`
	DocumentID string           `json:"document_id"`
	Status     model.SagaStatus `json:"status"`
	StepCount  int              `json:"step_count"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Channel is the narrow amqp surface this package depends on, mirroring
// the teacher's DI seam for the RabbitMQ channel.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher emits saga lifecycle events best-effort: a publish failure is
// logged and swallowed, never surfaced to the saga coordinator, since
// event emission must not affect saga correctness per SPEC_FULL.md.
type Publisher struct {
	channel  Channel
	exchange string
	logger   *logrus.Entry
}

// NewPublisher wraps an already-open amqp channel. exchange is the topic
// exchange saga events are published to; routing key is "saga.<status>".
func NewPublisher(channel Channel, exchange string, logger *logrus.Entry) *Publisher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{channel: channel, exchange: exchange, logger: logger}
}

// Publish emits ev without blocking the caller on broker latency beyond one
// channel.Publish call; it never returns an error, matching the
// best-effort, non-blocking emission contract.
func (p *Publisher) Publish(ctx context.Context, ev SagaEvent) {
	if p == nil || p.channel == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).WithField("saga_id", ev.SagaID).Warn("events: failed to encode saga event")
		return
	}

	routingKey := "saga." + string(ev.Status)
	err = p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    ev.OccurredAt,
		DeliveryMode: amqp.Transient,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{"saga_id": ev.SagaID, "status": ev.Status}).
			Warn("events: failed to publish saga event, continuing")
	}
}
