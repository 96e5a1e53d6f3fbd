package wire

// SendMessageRequest is the message:send payload. TempID is the client-generated
// identifier that doubles as the server-side idempotency key.
type SendMessageRequest struct {
	ReceiverID  int64  `json:"receiver_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
	TempID      string `json:"temp_id,omitempty"`
}

// Reply is the single acknowledgment sent for a client-initiated request.
type Reply struct {
	Success bool            `json:"success"`
	Message *MessagePayload `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details []string        `json:"details,omitempty"`
	Updated *bool           `json:"updated,omitempty"`
	Count   *int64          `json:"count,omitempty"`
}

// UserSummary describes the sender attached to pushed messages.
type UserSummary struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// MessagePayload is the new_message push and the message carried by a positive send ack.
type MessagePayload struct {
	ID          int64       `json:"id"`
	SenderID    int64       `json:"sender_id"`
	ReceiverID  int64       `json:"receiver_id"`
	Content     string      `json:"content"`
	MessageType string      `json:"message_type"`
	CreatedAt   string      `json:"created_at"`
	TempID      string      `json:"temp_id,omitempty"`
	Sender      UserSummary `json:"sender"`
}

// RegisterRequest binds the connection to the caller's private group.
type RegisterRequest struct {
	UserID int64 `json:"user_id"`
}

// TypingRequest is the typing:start and typing:stop client payload.
type TypingRequest struct {
	ReceiverID int64 `json:"receiver_id"`
}

// TypingPush is forwarded to the receiver of a typing event.
type TypingPush struct {
	SenderID int64  `json:"sender_id"`
	Username string `json:"username"`
}

// MarkReadRequest is the message:read payload.
type MarkReadRequest struct {
	MessageID int64 `json:"message_id"`
	SenderID  int64 `json:"sender_id"`
}

// ReadAckPush notifies the original sender that a message was read.
type ReadAckPush struct {
	MessageID int64 `json:"message_id"`
	ReaderID  int64 `json:"reader_id"`
}

// MarkConversationReadRequest is the messages:mark:read payload.
type MarkConversationReadRequest struct {
	SenderID int64 `json:"sender_id"`
}

// BulkReadPush notifies a sender that the reader consumed their unread messages.
type BulkReadPush struct {
	ReaderID int64 `json:"reader_id"`
	Count    int64 `json:"count"`
}

// FriendRequestSentRequest is the friend:request:sent payload.
type FriendRequestSentRequest struct {
	ReceiverID int64 `json:"receiver_id"`
}

// FriendRequestReceivedPush is delivered to the friend request receiver.
type FriendRequestReceivedPush struct {
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

// FriendRequestAcceptedRequest is the friend:request:accepted payload; SenderID names the
// user who originally sent the request.
type FriendRequestAcceptedRequest struct {
	SenderID int64 `json:"sender_id"`
}

// FriendRequestAcceptedPush is delivered to the original requester.
type FriendRequestAcceptedPush struct {
	ReceiverID   int64  `json:"receiver_id"`
	ReceiverName string `json:"receiver_name"`
}

// PresencePush is broadcast tenant-wide for user:online and user:offline.
type PresencePush struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	LastSeen  string `json:"last_seen,omitempty"`
}
