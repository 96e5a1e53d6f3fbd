// Package realtime routes websocket events for authenticated connections: message
// delivery, read receipts, typing and friend-request notifications, and presence changes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/audit"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cipher"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingRegistry  = errors.New("realtime: presence registry required")
	errMissingDirectory = errors.New("realtime: user directory required")
	errMissingMessages  = errors.New("realtime: message store required")
	errMissingCipher    = errors.New("realtime: content cipher required")
)

// Directory resolves users strictly within a tenant.
type Directory interface {
	FindActiveUserInTenant(ctx context.Context, userID, tenantID int64) (users.User, error)
	TouchLastSeen(ctx context.Context, tenantID, userID int64, at time.Time) error
}

// MessageStore persists messages and read state.
type MessageStore interface {
	Create(ctx context.Context, request messages.CreateRequest) (messages.CreateResult, error)
	MarkRead(ctx context.Context, tenantID, messageID, readerID int64) (messages.ReadResult, error)
	MarkConversationRead(ctx context.Context, tenantID, senderID, readerID int64) (int64, error)
	Conversation(ctx context.Context, tenantID, userID, peerID int64, limit int) ([]messages.Message, error)
}

// ContentCipher seals message bodies at rest.
type ContentCipher interface {
	Encrypt(plaintext string) (cipher.Sealed, error)
	Decrypt(sealed cipher.Sealed) (string, error)
}

// ServiceConfig describes the collaborators of the realtime service.
type ServiceConfig struct {
	Registry  *presence.Registry
	Directory Directory
	Messages  MessageStore
	Cipher    ContentCipher
	Audit     audit.Sink
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Service handles events for every connection. It holds no per-connection state.
type Service struct {
	sessions  sync.WaitGroup
	registry  *presence.Registry
	directory Directory
	messages  MessageStore
	cipher    ContentCipher
	audit     audit.Sink
	logger    *zap.Logger
	clock     func() time.Time
}

// Peer is the authenticated connection an event arrived on.
type Peer struct {
	Identity auth.Identity
	Conn     presence.Connection
}

func (p Peer) connectionID() string {
	if p.Conn == nil {
		return ""
	}
	return p.Conn.ID()
}

// NewService validates the collaborators and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Messages == nil {
		return nil, errMissingMessages
	}
	if cfg.Cipher == nil {
		return nil, errMissingCipher
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		registry:  cfg.Registry,
		directory: cfg.Directory,
		messages:  cfg.Messages,
		cipher:    cfg.Cipher,
		audit:     sink,
		logger:    logger,
		clock:     clock,
	}, nil
}

// Registry exposes the presence registry the service delivers through.
func (s *Service) Registry() *presence.Registry {
	return s.registry
}

// Connect registers the peer and, on the user's first connection, announces them online
// to the rest of the tenant.
func (s *Service) Connect(_ context.Context, peer Peer) error {
	identity := peer.Identity
	first, err := s.registry.Register(identity.TenantID, identity.UserID, peer.Conn)
	if err != nil {
		return err
	}
	s.logger.Debug("connection registered",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.String("connection_id", peer.connectionID()),
		zap.Bool("first_for_user", first))
	if first {
		s.broadcastPresence(identity, wire.EventUserOnline, wire.PresencePush{
			UserID:    identity.UserID,
			Username:  identity.Username,
			FirstName: identity.FirstName,
			LastName:  identity.LastName,
		})
	}
	return nil
}

// Disconnect unregisters the peer and, when it was the user's last connection, records
// last seen and announces them offline.
func (s *Service) Disconnect(ctx context.Context, peer Peer) {
	identity := peer.Identity
	last := s.registry.Unregister(identity.TenantID, identity.UserID, peer.connectionID())
	s.logger.Debug("connection unregistered",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.String("connection_id", peer.connectionID()),
		zap.Bool("last_for_user", last))
	if !last {
		return
	}
	seenAt := s.clock().UTC()
	if err := s.directory.TouchLastSeen(ctx, identity.TenantID, identity.UserID, seenAt); err != nil {
		s.logger.Warn("failed to record last seen",
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID),
			zap.Error(err))
	}
	s.broadcastPresence(identity, wire.EventUserOffline, wire.PresencePush{
		UserID:    identity.UserID,
		Username:  identity.Username,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		LastSeen:  seenAt.Format(time.RFC3339),
	})
}

// broadcastPresence pushes to every tenant connection that does not belong to the user.
func (s *Service) broadcastPresence(identity auth.Identity, event string, payload wire.PresencePush) {
	own := make(map[string]struct{})
	for _, conn := range s.registry.Connections(identity.TenantID, identity.UserID) {
		own[conn.ID()] = struct{}{}
	}
	for _, conn := range s.registry.TenantConnections(identity.TenantID) {
		if _, skip := own[conn.ID()]; skip {
			continue
		}
		conn.Push(event, payload)
	}
}

// Dispatch decodes frame into its event variant, runs the matching handler and replies
// exactly once. A panicking handler is logged and answered with a generic failure; the
// connection stays up.
func (s *Service) Dispatch(ctx context.Context, peer Peer, frame wire.Frame, replier *Replier) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("realtime handler panicked",
				zap.String("event", frame.Event),
				zap.Int64("tenant_id", peer.Identity.TenantID),
				zap.Int64("user_id", peer.Identity.UserID),
				zap.String("connection_id", peer.connectionID()),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
			replier.Reply(failureReply(ErrorInternal))
		}
	}()

	event, err := decodeInbound(frame)
	if errors.Is(err, errUnknownEvent) {
		s.logger.Debug("unknown realtime event",
			zap.String("event", frame.Event),
			zap.String("connection_id", peer.connectionID()))
		replier.Reply(failureReply(ErrorUnknownEvent))
		return
	}
	if err != nil {
		s.logger.Debug("malformed realtime payload",
			zap.String("event", frame.Event),
			zap.String("connection_id", peer.connectionID()),
			zap.Error(err))
		replier.Reply(MalformedPayloadReply(err))
		return
	}
	replier.Reply(s.handle(ctx, peer, event))
}

// MalformedPayloadReply answers a payload that did not decode. A receiver id of the wrong
// JSON type fails the receiver rule rather than the payload as a whole.
func MalformedPayloadReply(err error) wire.Reply {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == receiverIDField {
		return validationReply([]string{messages.DetailInvalidReceiver})
	}
	return validationReply([]string{detailMalformedPayload})
}

func (s *Service) handle(ctx context.Context, peer Peer, event inboundEvent) wire.Reply {
	switch typed := event.(type) {
	case registerEvent:
		return s.register(peer, typed.RegisterRequest)
	case sendMessageEvent:
		return s.SendMessage(ctx, peer.Identity, typed.SendMessageRequest, peer.connectionID())
	case typingEvent:
		return s.typing(peer, typed)
	case markReadEvent:
		return s.markRead(ctx, peer, typed.MarkReadRequest)
	case markConversationReadEvent:
		return s.markConversationRead(ctx, peer, typed.MarkConversationReadRequest)
	case friendRequestSentEvent:
		return s.friendRequestSent(peer, typed.FriendRequestSentRequest)
	case friendRequestAcceptedEvent:
		return s.friendRequestAccepted(peer, typed.FriendRequestAcceptedRequest)
	case pingEvent:
		return okReply()
	default:
		return failureReply(ErrorUnknownEvent)
	}
}

// register confirms the connection is bound to the caller's private group. Binding to
// another user's group is reported as not found.
func (s *Service) register(peer Peer, request wire.RegisterRequest) wire.Reply {
	if request.UserID != peer.Identity.UserID {
		s.logger.Warn("register for foreign user rejected",
			zap.Int64("tenant_id", peer.Identity.TenantID),
			zap.Int64("user_id", peer.Identity.UserID),
			zap.Int64("requested_user_id", request.UserID))
		return failureReply(ErrorUserNotFound)
	}
	return okReply()
}

func (s *Service) typing(peer Peer, event typingEvent) wire.Reply {
	if err := messages.ValidateUserReference(peer.Identity.UserID, event.ReceiverID); err != nil {
		return validationFailure(err)
	}
	name := wire.EventTypingStop
	if event.started {
		name = wire.EventTypingStart
	}
	s.registry.PushToUser(peer.Identity.TenantID, event.ReceiverID, name, wire.TypingPush{
		SenderID: peer.Identity.UserID,
		Username: peer.Identity.Username,
	})
	return okReply()
}

// markRead updates read state only for a message addressed to the caller. The read
// receipt goes to the sender recorded on the message, not the one the client named.
func (s *Service) markRead(ctx context.Context, peer Peer, request wire.MarkReadRequest) wire.Reply {
	if request.MessageID <= 0 {
		return validationReply([]string{detailInvalidMessageID})
	}
	identity := peer.Identity
	result, err := s.messages.MarkRead(ctx, identity.TenantID, request.MessageID, identity.UserID)
	if err != nil {
		s.logError("realtime.mark_read", "store_failed", err,
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("message_id", request.MessageID))
		return failureReply(ErrorReadStateFailed)
	}
	updated := result.Updated
	if updated {
		s.registry.PushToUser(identity.TenantID, result.SenderID, wire.EventMessageReadAck, wire.ReadAckPush{
			MessageID: request.MessageID,
			ReaderID:  identity.UserID,
		})
	}
	return wire.Reply{Success: true, Updated: &updated}
}

func (s *Service) markConversationRead(ctx context.Context, peer Peer, request wire.MarkConversationReadRequest) wire.Reply {
	identity := peer.Identity
	if err := messages.ValidateUserReference(identity.UserID, request.SenderID); err != nil {
		return validationFailure(err)
	}
	count, err := s.messages.MarkConversationRead(ctx, identity.TenantID, request.SenderID, identity.UserID)
	if err != nil {
		s.logError("realtime.mark_conversation_read", "store_failed", err,
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("sender_id", request.SenderID))
		return failureReply(ErrorReadStateFailed)
	}
	s.registry.PushToUser(identity.TenantID, request.SenderID, wire.EventMessagesReadBulk, wire.BulkReadPush{
		ReaderID: identity.UserID,
		Count:    count,
	})
	return wire.Reply{Success: true, Count: &count}
}

// friendRequestSent notifies the receiver. An offline receiver, or one outside the
// caller's tenant, is a silent no-op.
func (s *Service) friendRequestSent(peer Peer, request wire.FriendRequestSentRequest) wire.Reply {
	identity := peer.Identity
	if err := messages.ValidateUserReference(identity.UserID, request.ReceiverID); err != nil {
		return validationFailure(err)
	}
	delivered := s.registry.PushToUser(identity.TenantID, request.ReceiverID, wire.EventFriendRequestReceived, wire.FriendRequestReceivedPush{
		SenderID:   identity.UserID,
		SenderName: identity.DisplayName(),
	})
	s.logger.Debug("friend request notification",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("receiver_id", request.ReceiverID),
		zap.Int("delivered", delivered))
	return okReply()
}

func (s *Service) friendRequestAccepted(peer Peer, request wire.FriendRequestAcceptedRequest) wire.Reply {
	identity := peer.Identity
	if err := messages.ValidateUserReference(identity.UserID, request.SenderID); err != nil {
		return validationFailure(err)
	}
	delivered := s.registry.PushToUser(identity.TenantID, request.SenderID, wire.EventFriendRequestAcceptedNotification, wire.FriendRequestAcceptedPush{
		ReceiverID:   identity.UserID,
		ReceiverName: identity.DisplayName(),
	})
	s.logger.Debug("friend acceptance notification",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("requester_id", request.SenderID),
		zap.Int("delivered", delivered))
	return okReply()
}

func validationFailure(err error) wire.Reply {
	var validationErr *messages.ValidationError
	if errors.As(err, &validationErr) {
		return validationReply(validationErr.Details)
	}
	return validationReply([]string{detailMalformedPayload})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("realtime operation failed", attrs...)
}
