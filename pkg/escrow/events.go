package escrow

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a ledger event.
type EventType string

const (
	EventTaskCreated     EventType = "TaskCreated"
	EventTaskClaimed     EventType = "TaskClaimed"
	EventWorkSubmitted   EventType = "WorkSubmitted"
	EventTaskVerified    EventType = "TaskVerified"
	EventPaymentReleased EventType = "PaymentReleased"
	EventTaskDisputed    EventType = "TaskDisputed"
	EventFundsRefunded   EventType = "FundsRefunded"
	EventPayoutDeferred  EventType = "PayoutDeferred"
)

// Event is an observable fact about a task.
type Event struct {
	Type   EventType      `json:"type"`
	TaskID int64          `json:"task_id"`
	Actor  string         `json:"actor,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// EventSink receives events after the state change they describe has been committed.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"event", string(e.Type), "task_id", e.TaskID}
	if e.Actor != "" {
		attrs = append(attrs, "actor", e.Actor)
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	l.InfoContext(ctx, "escrow event", attrs...)
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
