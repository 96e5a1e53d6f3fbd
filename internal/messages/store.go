// Package messages validates and persists encrypted direct messages.
package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingScope    = errors.New("tenant, sender and receiver are required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew             = "messages.store.new"
	opCreate               = "messages.create"
	opMarkRead             = "messages.mark_read"
	opMarkConversationRead = "messages.mark_conversation_read"
	opConversation         = "messages.conversation"

	reasonMissingDatabase = "missing_database"
	reasonMissingScope    = "missing_scope"
	reasonLookupFailed    = "lookup_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonQueryFailed     = "query_failed"

	queryTempID       = "tenant_id = ? AND sender_id = ? AND client_temp_id = ?"
	queryUnreadSingle = "id = ? AND tenant_id = ? AND receiver_id = ? AND is_read = ?"
	queryUnreadFrom   = "tenant_id = ? AND sender_id = ? AND receiver_id = ? AND is_read = ?"
	queryConversation = "tenant_id = ? AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))"

	defaultConversationLimit = 50
	maxConversationLimit     = 500
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the message store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists messages and their read state.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a message store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateRequest is an already validated and encrypted message.
type CreateRequest struct {
	TenantID         int64
	SenderID         int64
	ReceiverID       int64
	EncryptedContent string
	IV               string
	MessageType      MessageType
	TempID           string
}

// CreateResult reports the stored record. Duplicate is set when TempID matched a record
// created earlier by the same sender.
type CreateResult struct {
	Message   Message
	Duplicate bool
}

// Create inserts a message with a server-assigned id and creation timestamp.
func (s *Store) Create(ctx context.Context, request CreateRequest) (CreateResult, error) {
	if request.TenantID <= 0 || request.SenderID <= 0 || request.ReceiverID <= 0 {
		return CreateResult{}, newServiceError(opCreate, reasonMissingScope, errMissingScope)
	}
	if request.MessageType == "" {
		request.MessageType = MessageTypeText
	}

	if request.TempID != "" {
		existing, found, err := s.findByTempID(ctx, request.TenantID, request.SenderID, request.TempID)
		if err != nil {
			s.logError(opCreate, reasonLookupFailed, err, zap.Int64("sender_id", request.SenderID))
			return CreateResult{}, newServiceError(opCreate, reasonLookupFailed, err)
		}
		if found {
			return CreateResult{Message: existing, Duplicate: true}, nil
		}
	}

	record := Message{
		TenantID:         request.TenantID,
		SenderID:         request.SenderID,
		ReceiverID:       request.ReceiverID,
		EncryptedContent: request.EncryptedContent,
		IV:               request.IV,
		MessageType:      request.MessageType,
		CreatedAt:        s.clock().UTC(),
	}
	if request.TempID != "" {
		tempID := request.TempID
		record.ClientTempID = &tempID
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if request.TempID != "" {
			// A concurrent replay may have won the unique index.
			existing, found, lookupErr := s.findByTempID(ctx, request.TenantID, request.SenderID, request.TempID)
			if lookupErr == nil && found {
				return CreateResult{Message: existing, Duplicate: true}, nil
			}
		}
		s.logError(opCreate, reasonInsertFailed, err,
			zap.Int64("tenant_id", request.TenantID),
			zap.Int64("sender_id", request.SenderID))
		return CreateResult{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	return CreateResult{Message: record}, nil
}

// ReadResult reports whether a single read receipt changed state.
type ReadResult struct {
	Updated  bool
	SenderID int64
}

// MarkRead marks messageID read only if readerID is its receiver within tenantID and it
// was unread. Anything else affects zero rows and is not an error.
func (s *Store) MarkRead(ctx context.Context, tenantID, messageID, readerID int64) (ReadResult, error) {
	var result ReadResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Message{}).
			Where(queryUnreadSingle, messageID, tenantID, readerID, false).
			Updates(map[string]any{"is_read": true, "read_at": s.clock().UTC()})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return nil
		}
		var message Message
		if err := tx.Select("sender_id").Where("id = ?", messageID).Take(&message).Error; err != nil {
			return err
		}
		result = ReadResult{Updated: true, SenderID: message.SenderID}
		return nil
	})
	if err != nil {
		s.logError(opMarkRead, reasonUpdateFailed, err,
			zap.Int64("tenant_id", tenantID),
			zap.Int64("message_id", messageID))
		return ReadResult{}, newServiceError(opMarkRead, reasonUpdateFailed, err)
	}
	return result, nil
}

// MarkConversationRead marks every unread message from senderID to readerID as read and
// returns the affected count.
func (s *Store) MarkConversationRead(ctx context.Context, tenantID, senderID, readerID int64) (int64, error) {
	update := s.db.WithContext(ctx).
		Model(&Message{}).
		Where(queryUnreadFrom, tenantID, senderID, readerID, false).
		Updates(map[string]any{"is_read": true, "read_at": s.clock().UTC()})
	if update.Error != nil {
		s.logError(opMarkConversationRead, reasonUpdateFailed, update.Error,
			zap.Int64("tenant_id", tenantID),
			zap.Int64("sender_id", senderID))
		return 0, newServiceError(opMarkConversationRead, reasonUpdateFailed, update.Error)
	}
	return update.RowsAffected, nil
}

// Conversation returns up to limit of the most recent messages exchanged between two
// users of the tenant, oldest first.
func (s *Store) Conversation(ctx context.Context, tenantID, userID, peerID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}
	var records []Message
	if err := s.db.WithContext(ctx).
		Where(queryConversation, tenantID, userID, peerID, peerID, userID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opConversation, reasonQueryFailed, err, zap.Int64("tenant_id", tenantID))
		return nil, newServiceError(opConversation, reasonQueryFailed, err)
	}
	for left, right := 0, len(records)-1; left < right; left, right = left+1, right-1 {
		records[left], records[right] = records[right], records[left]
	}
	return records, nil
}

func (s *Store) findByTempID(ctx context.Context, tenantID, senderID int64, tempID string) (Message, bool, error) {
	var existing Message
	result := s.db.WithContext(ctx).Where(queryTempID, tenantID, senderID, tempID).Limit(1).Find(&existing)
	if result.Error != nil {
		return Message{}, false, result.Error
	}
	if result.RowsAffected == 0 {
		return Message{}, false, nil
	}
	return existing, true, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}
