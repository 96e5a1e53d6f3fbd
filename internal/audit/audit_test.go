package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/nats-io/nats.go"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	messages []*nats.Msg
	err      error
}

func (p *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

type failingSink struct {
	err error
}

func (s failingSink) Record(context.Context, Entry) error {
	return s.err
}

func sampleEntry() Entry {
	return Entry{
		TenantID:     1,
		ActorID:      10,
		Action:       ActionMessageSend,
		ResourceType: ResourceMessage,
		ResourceID:   42,
		Details:      map[string]any{"receiver_id": 11},
	}
}

func TestStoreSinkPersistsEntry(t *testing.T) {
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&LogRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink, err := NewStoreSink(db, func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}

	if err := sink.Record(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("record: %v", err)
	}

	var stored LogRecord
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if stored.Action != ActionMessageSend || stored.ResourceID != 42 || stored.Status != StatusSuccess {
		t.Fatalf("unexpected record %#v", stored)
	}
	if !stored.CreatedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamp, got %v", stored.CreatedAt)
	}
	if stored.Details != `{"receiver_id":11}` {
		t.Fatalf("unexpected details %q", stored.Details)
	}
}

func TestStoreSinkRejectsIncompleteEntry(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sink, err := NewStoreSink(db, nil)
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	if err := sink.Record(context.Background(), Entry{TenantID: 1}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	publisher := &recordingPublisher{}
	sink, err := NewNATSSink(NATSSinkConfig{Publisher: publisher, Subject: "tenant.audit"})
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	if err := sink.Record(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Subject != "tenant.audit" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(headerMessageID); got != "1/message.send/message/42/success" {
		t.Fatalf("unexpected message id header %q", got)
	}
	if msg.Header.Get(headerAuditAction) != ActionMessageSend {
		t.Fatalf("unexpected action header %q", msg.Header.Get(headerAuditAction))
	}
	var decoded Entry
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ResourceID != 42 || decoded.Status != StatusSuccess || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected payload %#v", decoded)
	}
}

func TestNATSSinkReusesMessageIDForRepublishedEntry(t *testing.T) {
	publisher := &recordingPublisher{}
	sink, err := NewNATSSink(NATSSinkConfig{Publisher: publisher})
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sink.Record(context.Background(), sampleEntry()); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	other := sampleEntry()
	other.ResourceID = 43
	if err := sink.Record(context.Background(), other); err != nil {
		t.Fatalf("record: %v", err)
	}

	first := publisher.messages[0].Header.Get(headerMessageID)
	if again := publisher.messages[1].Header.Get(headerMessageID); again != first {
		t.Fatalf("expected republished entry to keep id %q, got %q", first, again)
	}
	if distinct := publisher.messages[2].Header.Get(headerMessageID); distinct == first {
		t.Fatalf("expected a different resource to get a different id, got %q", distinct)
	}
}

func TestNATSSinkDefaultsSubjectAndRequiresPublisher(t *testing.T) {
	if _, err := NewNATSSink(NATSSinkConfig{}); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}
	sink, err := NewNATSSink(NATSSinkConfig{Publisher: &recordingPublisher{}})
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	if sink.Subject() != defaultSubject {
		t.Fatalf("expected default subject, got %q", sink.Subject())
	}
}

func TestNATSSinkWrapsPublishFailure(t *testing.T) {
	cause := errors.New("connection closed")
	sink, err := NewNATSSink(NATSSinkConfig{Publisher: &recordingPublisher{err: cause}})
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	if err := sink.Record(context.Background(), sampleEntry()); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestMultiSinkRecordsEverywhereAndJoinsErrors(t *testing.T) {
	publisher := &recordingPublisher{}
	natsSink, err := NewNATSSink(NATSSinkConfig{Publisher: publisher})
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	cause := errors.New("disk full")
	multi := MultiSink{failingSink{err: cause}, nil, natsSink}

	err = multi.Record(context.Background(), sampleEntry())
	if !errors.Is(err, cause) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(publisher.messages) != 1 {
		t.Fatal("expected remaining sinks to record despite the failure")
	}
	if err := (MultiSink{NopSink{}}).Record(context.Background(), sampleEntry()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
