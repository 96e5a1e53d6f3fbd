package wire

import (
	"errors"
	"testing"
)

func TestDecodeFrameRejectsMissingEvent(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"event":"  ","data":{}}`))
	if !errors.Is(err, ErrMissingEvent) {
		t.Fatalf("expected missing event error, got %v", err)
	}
}

func TestDecodeFrameRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"event":`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
}

func TestDecodeDataKeepsAckAndPayload(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"event":"message:send","ack":7,"data":{"receiver_id":2,"content":"hi"}}`))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.AckID != 7 {
		t.Fatalf("expected ack 7, got %d", frame.AckID)
	}
	var request SendMessageRequest
	if err := frame.DecodeData(&request); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if request.ReceiverID != 2 || request.Content != "hi" || request.MessageType != "" {
		t.Fatalf("unexpected request: %#v", request)
	}
}

func TestDecodeDataRejectsWrongShape(t *testing.T) {
	frame := Frame{Event: EventMessageSend, Data: []byte(`{"receiver_id":"abc"}`)}
	var request SendMessageRequest
	if err := frame.DecodeData(&request); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
}
