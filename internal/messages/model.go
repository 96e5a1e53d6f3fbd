package messages

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType enumerates the closed set of message kinds.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeAudio MessageType = "audio"
	MessageTypeVideo MessageType = "video"
)

// MaxContentLength bounds message content, counted in characters after trimming.
const MaxContentLength = 10000

const maxTempIDLength = 190

var errInvalidMessageType = errors.New("messages: invalid message type")

// ParseMessageType maps raw input onto the closed set; empty input defaults to text.
func ParseMessageType(raw string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MessageTypeText:
		return MessageTypeText, nil
	case MessageTypeImage:
		return MessageTypeImage, nil
	case MessageTypeFile:
		return MessageTypeFile, nil
	case MessageTypeAudio:
		return MessageTypeAudio, nil
	case MessageTypeVideo:
		return MessageTypeVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidMessageType, raw)
	}
}

// Message is the persisted, encrypted direct message. ClientTempID is the sender's
// temporary identifier; together with tenant and sender it forms the idempotency key.
type Message struct {
	ID               int64       `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID         int64       `gorm:"column:tenant_id;not null;index:idx_messages_conversation,priority:1;uniqueIndex:idx_messages_temp_id,priority:1"`
	SenderID         int64       `gorm:"column:sender_id;not null;index:idx_messages_conversation,priority:2;uniqueIndex:idx_messages_temp_id,priority:2"`
	ReceiverID       int64       `gorm:"column:receiver_id;not null;index:idx_messages_conversation,priority:3;index:idx_messages_unread,priority:1"`
	EncryptedContent string      `gorm:"column:encrypted_content;type:text;not null"`
	IV               string      `gorm:"column:iv;size:64;not null"`
	MessageType      MessageType `gorm:"column:message_type;size:16;not null;default:'text'"`
	IsRead           bool        `gorm:"column:is_read;not null;default:false;index:idx_messages_unread,priority:2"`
	ReadAt           *time.Time  `gorm:"column:read_at"`
	ClientTempID     *string     `gorm:"column:client_temp_id;size:190;uniqueIndex:idx_messages_temp_id,priority:3"`
	CreatedAt        time.Time   `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}
