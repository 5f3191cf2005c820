package stt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

type EventType string

const (
	EventStarted EventType = "started"
	EventResult  EventType = "result"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
)

// Event is a session lifecycle transition or transcript update.
type Event struct {
	SessionID string
	Provider  string
	Type      EventType
	Text      string
	Final     bool
	Sequence  int
	Fallback  bool
	Reason    string
	Error     string
	Kind      string
	Time      time.Time
}

// Observer receives session events synchronously, in order, from the
// goroutine that produced them. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }

// BusPublisher broadcasts transcripts and lifecycle events on the bus.
type BusPublisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusPublisher(client *bus.Client, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{bus: client, logger: logger.With(slog.String("component", "stt-bus-publisher"))}
}

func (p *BusPublisher) Observe(_ context.Context, evt Event) {
	if p.bus == nil {
		return
	}
	var (
		subject string
		msg     any
	)
	if evt.Type == EventResult {
		subject = protocol.SubjectTranscriptPartial
		if evt.Final {
			subject = protocol.SubjectTranscriptFinal
		}
		msg = protocol.Transcript{
			SessionID: evt.SessionID,
			Provider:  evt.Provider,
			Text:      evt.Text,
			Partial:   !evt.Final,
			Sequence:  evt.Sequence,
			Timestamp: evt.Time,
		}
	} else {
		subject = protocol.SessionSubject(string(evt.Type))
		msg = protocol.SessionEvent{
			SessionID:  evt.SessionID,
			Provider:   evt.Provider,
			Event:      string(evt.Type),
			Fallback:   evt.Fallback,
			Reason:     evt.Reason,
			Transcript: evt.Text,
			Error:      evt.Error,
			ErrorKind:  evt.Kind,
			Timestamp:  evt.Time,
		}
	}
	if err := p.bus.PublishJSON(subject, msg); err != nil {
		p.logger.Warn("failed to publish session event", slog.String("subject", subject), slogError(err))
	}
}

// StoreRecorder appends session events to the event store timeline.
type StoreRecorder struct {
	store  *eventstore.Store
	logger *slog.Logger
}

func NewStoreRecorder(store *eventstore.Store, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{store: store, logger: logger.With(slog.String("component", "stt-event-recorder"))}
}

func (r *StoreRecorder) Observe(ctx context.Context, evt Event) {
	if r.store == nil {
		return
	}
	var err error
	switch evt.Type {
	case EventStarted:
		err = r.store.BeginSession(ctx, eventstore.Session{
			ID:        evt.SessionID,
			Provider:  evt.Provider,
			Fallback:  evt.Fallback,
			State:     string(StateActive),
			CreatedAt: evt.Time,
		})
	case EventStopped, EventFailed:
		state := StateStopped
		if evt.Type == EventFailed {
			state = StateFailed
		}
		err = r.store.EndSession(ctx, eventstore.Session{
			ID:         evt.SessionID,
			Provider:   evt.Provider,
			Fallback:   evt.Fallback,
			State:      string(state),
			Transcript: evt.Text,
			Error:      evt.Error,
			EndedAt:    evt.Time,
		})
	}
	if err != nil {
		r.logger.Warn("failed to record session", slog.String("session_id", evt.SessionID), slogError(err))
		return
	}
	err = r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: evt.SessionID,
		Type:      string(evt.Type),
		Text:      evt.Text,
		Final:     evt.Final,
		Payload:   []byte(evt.Error),
		CreatedAt: evt.Time,
	})
	if err != nil {
		r.logger.Warn("failed to record session event", slog.String("session_id", evt.SessionID), slogError(err))
	}
}
