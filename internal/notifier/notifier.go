// Package notifier forwards stored/failed events to the external
// message queue, grounded directly on the teacher's NATS publisher:
// marshal to JSON, publish, retry with linear backoff.
package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/similie/hyphen-rtsp-tunnel/internal/events"
)

// Publisher forwards snapshot lifecycle events to a downstream
// message queue.
type Publisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewPublisher(conn *nats.Conn, subject string, maxRetries int) *Publisher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Publisher{conn: conn, subject: subject, maxRetries: maxRetries}
}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (p *Publisher) publish(msgType string, data any) error {
	payload, err := json.Marshal(message{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("notifier: marshal: %w", err)
	}

	var lastErr error
	for i := 0; i <= p.maxRetries; i++ {
		lastErr = p.conn.Publish(p.subject, payload)
		if lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("notifier: publish failed after %d retries: %w", p.maxRetries, lastErr)
}

// PublishStored notifies downstream of a successful store.
func (p *Publisher) PublishStored(e events.StoredEvent) error {
	return p.publish("snapshot.stored", e)
}

// PublishFailed notifies downstream of a terminal failure.
func (p *Publisher) PublishFailed(e events.FailedEvent) error {
	return p.publish("snapshot.failed", e)
}

// Run forwards events from the given stored/failed subscription channels
// until done is closed or either channel is closed. Publish errors are
// swallowed; the core does not retry
// beyond Publisher's own retry budget and must not block the bus.
func (p *Publisher) Run(stored <-chan events.StoredEvent, failed <-chan events.FailedEvent, done <-chan struct{}) {
	for {
		select {
		case e, ok := <-stored:
			if !ok {
				return
			}
			p.PublishStored(e)
		case e, ok := <-failed:
			if !ok {
				return
			}
			p.PublishFailed(e)
		case <-done:
			return
		}
	}
}
