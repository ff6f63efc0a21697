package audit

import (
	"time"

	"go.uber.org/zap"
)

// EventKind classifies audit events
type EventKind string

const (
	// KindAuth records an authentication outcome
	KindAuth EventKind = "auth"
	// KindMigration records a migration state transition
	KindMigration EventKind = "migration"
	// KindBackup records a backup or restore completion
	KindBackup EventKind = "backup"
)

// Event is a structured audit record
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Principal string
	Origin    string
	Outcome   string
	Details   map[string]string
}

// Sink receives audit events. Implementations must never block the caller.
type Sink interface {
	Emit(event Event)
}

// NopSink discards all events
type NopSink struct{}

// Emit discards the event
func (NopSink) Emit(Event) {}

// ZapSink writes audit events through a zap logger. Events are queued on a
// bounded channel and dropped when the sink cannot keep up, so emission never
// blocks authentication or backup paths.
type ZapSink struct {
	logger *zap.Logger
	events chan Event
	done   chan struct{}
}

// NewZapSink creates a zap-backed audit sink with the given queue depth
func NewZapSink(logger *zap.Logger, depth int) *ZapSink {
	s := &ZapSink{
		logger: logger,
		events: make(chan Event, depth),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit queues the event, dropping it if the queue is full
func (s *ZapSink) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- event:
	default:
		// Sink backpressure must not reach the core
	}
}

// Close stops the drain loop after flushing queued events
func (s *ZapSink) Close() {
	close(s.events)
	<-s.done
}

func (s *ZapSink) drain() {
	defer close(s.done)
	for event := range s.events {
		fields := []zap.Field{
			zap.Time("timestamp", event.Timestamp),
			zap.String("kind", string(event.Kind)),
			zap.String("principal", event.Principal),
			zap.String("origin", event.Origin),
			zap.String("outcome", event.Outcome),
		}
		for k, v := range event.Details {
			fields = append(fields, zap.String(k, v))
		}
		s.logger.Info("audit event", fields...)
	}
}
