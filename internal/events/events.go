// Package events defines the notifications emitted by the bank service and
// the sinks that deliver them.
package events

import (
	"context"
	"errors"
	"time"

	"bankist.org/internal/ids"
)

// Type names an event.
type Type string

const (
	SessionStarted   Type = "session.started"
	SessionEnded     Type = "session.ended"
	TransferApplied  Type = "transfer.applied"
	TransferReceived Type = "transfer.received"
	LoanRequested    Type = "loan.requested"
	LoanCredited     Type = "loan.credited"
	LoanDropped      Type = "loan.dropped"
	AccountClosed    Type = "account.closed"
	SortToggled      Type = "movements.sort_toggled"
	OperationFailed  Type = "operation.rejected"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "bankist.events"

// Event is the envelope delivered to every sink.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Username  string         `json:"username,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event stamped at at.
func New(typ Type, username string, at time.Time, data map[string]any) Event {
	return Event{
		ID:        ids.Prefixed("evt", at),
		Type:      typ,
		Username:  username,
		Timestamp: at.UTC(),
		Data:      data,
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
