// Package audit records security-relevant actions. Recording is best effort: callers log
// failures and carry on.
package audit

import (
	"context"
	"errors"
	"time"
)

// Actions recorded by the delivery core.
const (
	ActionMessageSend = "message.send"

	ResourceMessage = "message"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// ErrInvalidEntry indicates an entry without tenant, actor or action.
	ErrInvalidEntry = errors.New("audit: tenant, actor and action are required")
	// ErrSinkUnavailable indicates the sink was closed or never connected.
	ErrSinkUnavailable = errors.New("audit: sink unavailable")
)

// Entry is a single audit record.
type Entry struct {
	TenantID     int64          `json:"tenant_id"`
	ActorID      int64          `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   int64          `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

func (e Entry) validate() error {
	if e.TenantID <= 0 || e.ActorID <= 0 || e.Action == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// MultiSink records into every sink and joins their errors.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards every entry.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Entry) error {
	return nil
}
