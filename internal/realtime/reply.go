package realtime

import (
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"go.uber.org/zap"
)

// Failure texts surfaced to clients. Internal error text never reaches the wire.
const (
	ErrorValidationFailed  = "Validation failed"
	ErrorRecipientNotFound = "Recipient not found or inactive"
	ErrorSaveFailed        = "Failed to save message"
	ErrorReadStateFailed   = "Failed to update read status"
	ErrorUserNotFound      = "User not found"
	ErrorUnknownEvent      = "Unknown event"
	ErrorInternal          = "Internal server error"

	detailMalformedPayload = "Malformed payload"
	detailInvalidMessageID = "Invalid message ID"

	receiverIDField = "receiver_id"
)

func okReply() wire.Reply {
	return wire.Reply{Success: true}
}

func failureReply(message string) wire.Reply {
	return wire.Reply{Success: false, Error: message}
}

func validationReply(details []string) wire.Reply {
	return wire.Reply{Success: false, Error: ErrorValidationFailed, Details: details}
}

// Replier delivers the single reply owed to a client-initiated request. Later attempts
// are suppressed and logged.
type Replier struct {
	event   string
	ackID   uint64
	deliver func(wire.Reply)
	logger  *zap.Logger
	fired   atomic.Bool
}

// NewReplier wraps deliver so that it runs at most once.
func NewReplier(event string, ackID uint64, deliver func(wire.Reply), logger *zap.Logger) *Replier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replier{event: event, ackID: ackID, deliver: deliver, logger: logger}
}

// Reply delivers reply unless a reply was already delivered. It reports whether this
// call was the one that delivered.
func (r *Replier) Reply(reply wire.Reply) bool {
	if !r.fired.CompareAndSwap(false, true) {
		r.logger.Warn("duplicate reply suppressed",
			zap.String("event", r.event),
			zap.Uint64("ack", r.ackID),
			zap.Bool("success", reply.Success),
			zap.String("error", reply.Error))
		return false
	}
	if r.deliver != nil {
		r.deliver(reply)
	}
	return true
}

// Replied reports whether a reply was already delivered.
func (r *Replier) Replied() bool {
	return r.fired.Load()
}
