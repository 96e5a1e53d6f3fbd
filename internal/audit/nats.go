package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultSubject    = "parley.audit"
	headerMessageID   = "Nats-Msg-Id"
	headerAuditAction = "Parley-Audit-Action"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSinkConfig describes where audit entries are published.
type NATSSinkConfig struct {
	Publisher Publisher
	Subject   string
}

// NATSSink publishes entries as JSON so other services can consume the audit stream.
type NATSSink struct {
	publisher Publisher
	subject   string
}

// NewNATSSink constructs a publishing sink.
func NewNATSSink(cfg NATSSinkConfig) (*NATSSink, error) {
	if cfg.Publisher == nil {
		return nil, ErrSinkUnavailable
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	return &NATSSink{publisher: cfg.Publisher, subject: subject}, nil
}

// Subject returns the subject entries are published to.
func (s *NATSSink) Subject() string {
	return s.subject
}

// Record implements Sink.
func (s *NATSSink) Record(ctx context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	msg := nats.NewMsg(s.subject)
	msg.Data = payload
	msg.Header.Set(headerMessageID, messageID(entry))
	msg.Header.Set(headerAuditAction, entry.Action)
	if err := s.publisher.PublishMsg(msg); err != nil {
		return fmt.Errorf("audit: publish entry: %w", err)
	}
	return nil
}

// messageID keys JetStream deduplication. Entries about a concrete resource reuse the
// same id when published again; entries without one cannot be told apart and get a
// random id.
func messageID(entry Entry) string {
	if entry.ResourceID == 0 {
		return uuid.NewString()
	}
	return fmt.Sprintf("%d/%s/%s/%d/%s", entry.TenantID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Status)
}

// ConnectNATS dials the NATS server used for audit fan-out.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("audit: nats url required")
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
}
