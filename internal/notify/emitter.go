// Package notify publishes snapshot lifecycle events: an in-process bus that
// completion waiters subscribe to, and optional hash-chained journals for
// audit.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Emitter is the interface for lifecycle event emission.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// Config configures the durable event sinks.
type Config struct {
	Enabled    bool
	Endpoint   string // HTTP endpoint; empty means journal only
	JournalDir string
	Producer   ProducerInfo
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "notify")
	if !cfg.Enabled {
		log.Info("event journal disabled, using no-op emitter")
		return &noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to journal", "error", err)
			return createJournal(cfg, log)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return emitter
	}

	return createJournal(cfg, log)
}

func createJournal(cfg Config, log *slog.Logger) Emitter {
	journal, err := NewFileJournal(cfg.JournalDir, cfg.Producer)
	if err != nil {
		log.Warn("failed to create event journal, using no-op", "error", err)
		return &noopEmitter{}
	}
	log.Info("using event journal", "dir", cfg.JournalDir)
	return journal
}

// stamp fills the envelope fields every sink expects.
func stamp(evt *Event, producer ProducerInfo) {
	evt.Version = EventVersion
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Producer.Name == "" {
		evt.Producer = producer
	}
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit sends evt to every emitter and returns all failures.
func (m Multi) Emit(ctx context.Context, evt Event) error {
	var result *multierror.Error
	for _, e := range m {
		if err := e.Emit(ctx, evt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every emitter.
func (m Multi) Close() error {
	var result *multierror.Error
	for _, e := range m {
		if err := e.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) Emit(_ context.Context, _ Event) error {
	return nil
}

func (n *noopEmitter) Close() error {
	return nil
}
