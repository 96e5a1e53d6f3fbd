package realtime

import (
	"errors"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
)

var errUnknownEvent = errors.New("realtime: unknown event")

// inboundEvent is the closed set of client-initiated events. Only this file declares
// implementations.
type inboundEvent interface {
	inbound()
}

type registerEvent struct {
	wire.RegisterRequest
}

type sendMessageEvent struct {
	wire.SendMessageRequest
}

type typingEvent struct {
	wire.TypingRequest
	started bool
}

type markReadEvent struct {
	wire.MarkReadRequest
}

type markConversationReadEvent struct {
	wire.MarkConversationReadRequest
}

type friendRequestSentEvent struct {
	wire.FriendRequestSentRequest
}

type friendRequestAcceptedEvent struct {
	wire.FriendRequestAcceptedRequest
}

type pingEvent struct{}

func (registerEvent) inbound()              {}
func (sendMessageEvent) inbound()           {}
func (typingEvent) inbound()                {}
func (markReadEvent) inbound()              {}
func (markConversationReadEvent) inbound()  {}
func (friendRequestSentEvent) inbound()     {}
func (friendRequestAcceptedEvent) inbound() {}
func (pingEvent) inbound()                  {}

// decodeInbound maps a frame onto its event variant and decodes the payload struct.
func decodeInbound(frame wire.Frame) (inboundEvent, error) {
	var (
		event inboundEvent
		err   error
	)
	switch frame.Event {
	case wire.EventRegister:
		var decoded registerEvent
		err = frame.DecodeData(&decoded.RegisterRequest)
		event = decoded
	case wire.EventMessageSend:
		var decoded sendMessageEvent
		err = frame.DecodeData(&decoded.SendMessageRequest)
		event = decoded
	case wire.EventTypingStart, wire.EventTypingStop:
		decoded := typingEvent{started: frame.Event == wire.EventTypingStart}
		err = frame.DecodeData(&decoded.TypingRequest)
		event = decoded
	case wire.EventMessageRead:
		var decoded markReadEvent
		err = frame.DecodeData(&decoded.MarkReadRequest)
		event = decoded
	case wire.EventMessagesMarkRead:
		var decoded markConversationReadEvent
		err = frame.DecodeData(&decoded.MarkConversationReadRequest)
		event = decoded
	case wire.EventFriendRequestSent:
		var decoded friendRequestSentEvent
		err = frame.DecodeData(&decoded.FriendRequestSentRequest)
		event = decoded
	case wire.EventFriendRequestAccepted:
		var decoded friendRequestAcceptedEvent
		err = frame.DecodeData(&decoded.FriendRequestAcceptedRequest)
		event = decoded
	case wire.EventPing:
		event = pingEvent{}
	default:
		return nil, errUnknownEvent
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}
