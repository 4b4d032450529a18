package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of provisioning lifecycle event.
type EventType string

const (
	EventRuntimeCreated     EventType = "runtime_created"
	EventRuntimeInitialized EventType = "runtime_initialized"
	EventRuntimeFailed      EventType = "runtime_failed"
	EventEnvCreated         EventType = "env_created"
	EventEnvDeleted         EventType = "env_deleted"
	EventPackageInstall     EventType = "package_install"
	EventBackendStart       EventType = "backend_start"
	EventBackendStop        EventType = "backend_stop"
)

// Event represents a provisioning lifecycle event to be exported to external
// systems (audit/statistics).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Subject    string    `json:"subject"` // runtime id, env name or backend endpoint
	Status     string    `json:"status"`  // terminal status text, e.g. "ready", "failed"
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans an event out to multiple sinks, ignoring per-sink errors.
// A nil Recorder is valid and records nothing.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		_ = s.Send(ctx, e)
	}
}

// Close closes every sink that supports closing.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
