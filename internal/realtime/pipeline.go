package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/audit"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cipher"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"go.uber.org/zap"
)

const (
	opSend         = "realtime.send"
	opConversation = "realtime.conversation"
)

// ErrPeerNotFound indicates the conversation peer is not an active member of the caller's tenant.
var ErrPeerNotFound = errors.New("realtime: peer not found")

// SendMessage validates, persists and delivers one message, returning the reply owed to
// the sender. originConnectionID names the sender connection that already receives the
// reply; the sender's other connections get the message as a push. Requests arriving
// over HTTP pass an empty origin.
func (s *Service) SendMessage(ctx context.Context, sender auth.Identity, request wire.SendMessageRequest, originConnectionID string) wire.Reply {
	valid, err := messages.ValidateSend(messages.SendInput{
		SenderID:    sender.UserID,
		ReceiverID:  request.ReceiverID,
		Content:     request.Content,
		MessageType: request.MessageType,
		TempID:      request.TempID,
	})
	if err != nil {
		s.logger.Debug("message rejected by validation",
			zap.Int64("tenant_id", sender.TenantID),
			zap.Int64("user_id", sender.UserID),
			zap.Error(err))
		return validationFailure(err)
	}

	receiver, err := s.directory.FindActiveUserInTenant(ctx, valid.ReceiverID, sender.TenantID)
	if errors.Is(err, users.ErrUserNotFound) {
		s.logger.Warn("message to unknown or foreign recipient rejected",
			zap.Int64("tenant_id", sender.TenantID),
			zap.Int64("user_id", sender.UserID),
			zap.Int64("receiver_id", valid.ReceiverID))
		return failureReply(ErrorRecipientNotFound)
	}
	if err != nil {
		s.logError(opSend, "recipient_lookup_failed", err,
			zap.Int64("tenant_id", sender.TenantID),
			zap.Int64("receiver_id", valid.ReceiverID))
		return failureReply(ErrorSaveFailed)
	}

	sealed, err := s.cipher.Encrypt(valid.Content)
	if err != nil {
		s.logError(opSend, "encrypt_failed", err, zap.Int64("tenant_id", sender.TenantID))
		return failureReply(ErrorSaveFailed)
	}

	result, err := s.messages.Create(ctx, messages.CreateRequest{
		TenantID:         sender.TenantID,
		SenderID:         sender.UserID,
		ReceiverID:       receiver.ID,
		EncryptedContent: sealed.Ciphertext,
		IV:               sealed.IV,
		MessageType:      valid.MessageType,
		TempID:           valid.TempID,
	})
	if err != nil {
		s.logError(opSend, "persist_failed", err,
			zap.Int64("tenant_id", sender.TenantID),
			zap.Int64("user_id", sender.UserID))
		return failureReply(ErrorSaveFailed)
	}

	payload := messagePayload(result.Message, valid.Content, summaryOf(sender))
	payload.TempID = valid.TempID

	delivered := s.registry.PushToUser(sender.TenantID, receiver.ID, wire.EventNewMessage, payload)
	for _, conn := range s.registry.Connections(sender.TenantID, sender.UserID) {
		if conn.ID() == originConnectionID {
			continue
		}
		conn.Push(wire.EventNewMessage, payload)
	}
	s.logger.Debug("message delivered",
		zap.Int64("tenant_id", sender.TenantID),
		zap.Int64("message_id", result.Message.ID),
		zap.Int("receiver_connections", delivered),
		zap.Bool("duplicate", result.Duplicate))

	if !result.Duplicate {
		s.recordSend(ctx, sender, result.Message)
	}

	return wire.Reply{Success: true, Message: &payload}
}

func (s *Service) recordSend(ctx context.Context, sender auth.Identity, message messages.Message) {
	entry := audit.Entry{
		TenantID:     sender.TenantID,
		ActorID:      sender.UserID,
		Action:       audit.ActionMessageSend,
		ResourceType: audit.ResourceMessage,
		ResourceID:   message.ID,
		Details: map[string]any{
			"receiver_id":  message.ReceiverID,
			"message_type": string(message.MessageType),
		},
		Status:     audit.StatusSuccess,
		OccurredAt: s.clock().UTC(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed",
			zap.String("action", audit.ActionMessageSend),
			zap.Int64("tenant_id", sender.TenantID),
			zap.Int64("message_id", message.ID),
			zap.Error(err))
	}
}

// Conversation returns the decrypted messages exchanged with peerID, oldest first.
// Messages that fail to decrypt are logged and left out.
func (s *Service) Conversation(ctx context.Context, caller auth.Identity, peerID int64, limit int) ([]wire.MessagePayload, error) {
	if err := messages.ValidateUserReference(caller.UserID, peerID); err != nil {
		return nil, err
	}
	peer, err := s.directory.FindActiveUserInTenant(ctx, peerID, caller.TenantID)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, err
	}
	records, err := s.messages.Conversation(ctx, caller.TenantID, caller.UserID, peer.ID, limit)
	if err != nil {
		return nil, err
	}

	callerSummary := summaryOf(caller)
	peerSummary := wire.UserSummary{
		ID:        peer.ID,
		Username:  peer.Username,
		FirstName: peer.FirstName,
		LastName:  peer.LastName,
	}
	payloads := make([]wire.MessagePayload, 0, len(records))
	for _, record := range records {
		content, err := s.cipher.Decrypt(cipher.Sealed{Ciphertext: record.EncryptedContent, IV: record.IV})
		if err != nil {
			s.logError(opConversation, "decrypt_failed", err,
				zap.Int64("tenant_id", caller.TenantID),
				zap.Int64("message_id", record.ID))
			continue
		}
		sender := peerSummary
		if record.SenderID == caller.UserID {
			sender = callerSummary
		}
		payloads = append(payloads, messagePayload(record, content, sender))
	}
	return payloads, nil
}

func messagePayload(record messages.Message, content string, sender wire.UserSummary) wire.MessagePayload {
	return wire.MessagePayload{
		ID:          record.ID,
		SenderID:    record.SenderID,
		ReceiverID:  record.ReceiverID,
		Content:     content,
		MessageType: string(record.MessageType),
		CreatedAt:   record.CreatedAt.UTC().Format(time.RFC3339Nano),
		Sender:      sender,
	}
}

func summaryOf(identity auth.Identity) wire.UserSummary {
	return wire.UserSummary{
		ID:        identity.UserID,
		Username:  identity.Username,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
	}
}
