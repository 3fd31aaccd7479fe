// Package events distributes run status changes to in-process subscribers
// and, optionally, to a NATS subject.
package events

import (
	"context"
	"errors"
	"time"
)

// Event is a snapshot of a run taken when its state changed.
type Event struct {
	RunID       string    `json:"runId"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	PollCount   int       `json:"pollCount"`
	SessionID   string    `json:"sessionId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans one event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
