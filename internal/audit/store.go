package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// LogRecord is the persisted form of an audit entry.
type LogRecord struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID     int64     `gorm:"column:tenant_id;not null;index:idx_audit_tenant_action,priority:1"`
	ActorID      int64     `gorm:"column:actor_id;not null;index"`
	Action       string    `gorm:"column:action;size:64;not null;index:idx_audit_tenant_action,priority:2"`
	ResourceType string    `gorm:"column:resource_type;size:32"`
	ResourceID   int64     `gorm:"column:resource_id"`
	Details      string    `gorm:"column:details;type:text"`
	Status       string    `gorm:"column:status;size:16;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LogRecord) TableName() string {
	return "audit_logs"
}

// StoreSink writes entries to the audit_logs table.
type StoreSink struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStoreSink constructs a database-backed sink.
func NewStoreSink(db *gorm.DB, clock func() time.Time) (*StoreSink, error) {
	if db == nil {
		return nil, errors.New("audit: database connection required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StoreSink{db: db, clock: clock}, nil
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	record := LogRecord{
		TenantID:     entry.TenantID,
		ActorID:      entry.ActorID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Status:       entry.Status,
		CreatedAt:    entry.OccurredAt.UTC(),
	}
	if record.Status == "" {
		record.Status = StatusSuccess
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		record.Details = string(encoded)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}
