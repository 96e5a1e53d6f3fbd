package messages

import (
	"strings"
	"unicode/utf8"
)

// Validation detail texts returned to clients.
const (
	DetailInvalidReceiver = "Invalid receiver ID"
	DetailSelfMessage     = "Cannot send message to yourself"
	DetailContentRequired = "Message content is required"
	DetailContentTooLong  = "Message too long. Max 10000 characters allowed"
	DetailInvalidType     = "Invalid message type"
	DetailTempIDTooLong   = "Temporary ID too long"
)

// SendInput is the raw, unvalidated send request.
type SendInput struct {
	SenderID    int64
	ReceiverID  int64
	Content     string
	MessageType string
	TempID      string
}

// ValidSend is a send request that passed every rule.
type ValidSend struct {
	SenderID    int64
	ReceiverID  int64
	Content     string
	MessageType MessageType
	TempID      string
}

// ValidationError lists every rule a request broke, in canonical order.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "messages: validation failed: " + strings.Join(e.Details, "; ")
}

// ValidateSend applies the send rules in one canonical order: receiver id, self-send,
// content presence, content length, message type. Content is trimmed and its length
// is counted in characters.
func ValidateSend(input SendInput) (ValidSend, error) {
	var details []string
	if input.ReceiverID <= 0 {
		details = append(details, DetailInvalidReceiver)
	} else if input.ReceiverID == input.SenderID {
		details = append(details, DetailSelfMessage)
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		details = append(details, DetailContentRequired)
	} else if utf8.RuneCountInString(content) > MaxContentLength {
		details = append(details, DetailContentTooLong)
	}

	messageType, err := ParseMessageType(input.MessageType)
	if err != nil {
		details = append(details, DetailInvalidType)
	}

	tempID := strings.TrimSpace(input.TempID)
	if len(tempID) > maxTempIDLength {
		details = append(details, DetailTempIDTooLong)
	}

	if len(details) > 0 {
		return ValidSend{}, &ValidationError{Details: details}
	}
	return ValidSend{
		SenderID:    input.SenderID,
		ReceiverID:  input.ReceiverID,
		Content:     content,
		MessageType: messageType,
		TempID:      tempID,
	}, nil
}

// ValidateUserReference checks an id naming another user in ephemeral events.
func ValidateUserReference(callerID, targetID int64) error {
	if targetID <= 0 {
		return &ValidationError{Details: []string{DetailInvalidReceiver}}
	}
	if targetID == callerID {
		return &ValidationError{Details: []string{DetailSelfMessage}}
	}
	return nil
}
