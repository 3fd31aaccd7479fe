package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix run events are published under.
const DefaultSubject = "sessionflow.runs"

// NATSPublisher publishes events as JSON on "<subject>.<runID>".
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL     string
	Subject string
}

// NewNATSPublisher connects to the NATS server at cfg.URL.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("sessionflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Subject returns the subject events for runID are published on.
func (p *NATSPublisher) Subject(runID string) string {
	return SubjectFor(p.subject, runID)
}

// SubjectFor joins a subject prefix and a run id.
func SubjectFor(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + runID
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(ev.RunID), data)
}

// Forward subscribes to the events every process publishes under the
// subject prefix and hands them to to, typically a Broker feeding local
// watchers. The returned function ends the subscription.
func (p *NATSPublisher) Forward(to Publisher, log *slog.Logger) (func() error, error) {
	sub, err := p.nc.Subscribe(p.subject+".*", func(msg *nats.Msg) {
		if err := forward(to, msg.Data); err != nil {
			log.Warn("forwarding nats event", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s.*: %w", p.subject, err)
	}
	return sub.Unsubscribe, nil
}

func forward(to Publisher, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	if ev.RunID == "" {
		return errors.New("event without run id")
	}
	return to.Publish(context.Background(), ev)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
