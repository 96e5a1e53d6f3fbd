// Package wire defines the realtime event vocabulary shared by the server and the Go client.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client to server events.
const (
	EventRegister              = "register"
	EventMessageSend           = "message:send"
	EventTypingStart           = "typing:start"
	EventTypingStop            = "typing:stop"
	EventMessageRead           = "message:read"
	EventMessagesMarkRead      = "messages:mark:read"
	EventFriendRequestSent     = "friend:request:sent"
	EventFriendRequestAccepted = "friend:request:accepted"
	EventPing                  = "ping"
)

// Server to client events.
const (
	EventAck                               = "ack"
	EventNewMessage                        = "new_message"
	EventMessageReadAck                    = "message:read:ack"
	EventMessagesReadBulk                  = "messages:read:bulk"
	EventFriendRequestReceived             = "friend:request:received"
	EventFriendRequestAcceptedNotification = "friend:request:accepted:notification"
	EventUserOnline                        = "user:online"
	EventUserOffline                       = "user:offline"
)

var (
	// ErrMalformedFrame indicates the frame could not be decoded as JSON.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrMissingEvent indicates the frame did not name an event.
	ErrMissingEvent = errors.New("wire: event name required")
)

// Frame is the unit exchanged over the websocket. AckID is set by the client on requests
// that expect a reply and echoed by the server on the matching ack frame.
type Frame struct {
	Event string          `json:"event"`
	AckID uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, ackID uint64, payload any) (Frame, error) {
	frame := Frame{Event: event, AckID: ackID}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s payload: %w", event, err)
	}
	frame.Data = data
	return frame, nil
}

// DecodeFrame parses raw bytes into a frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return frame, nil
}

// DecodeData unmarshals the frame payload into target. An absent payload leaves target untouched.
func (f Frame) DecodeData(target any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, target); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformedFrame, f.Event, err)
	}
	return nil
}
