package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/audit"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cipher"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/presence"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type pushed struct {
	event   string
	payload any
}

type fakeConnection struct {
	id     string
	mu     sync.Mutex
	pushes []pushed
}

func (c *fakeConnection) ID() string {
	return c.id
}

func (c *fakeConnection) Push(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, pushed{event: event, payload: payload})
	return true
}

func (c *fakeConnection) events(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payloads []any
	for _, push := range c.pushes {
		if push.event == name {
			payloads = append(payloads, push.payload)
		}
	}
	return payloads
}

func (c *fakeConnection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

type fakeDirectory struct {
	mu      sync.Mutex
	users   []users.User
	touched map[int64]time.Time
	err     error
}

func (d *fakeDirectory) FindActiveUserInTenant(_ context.Context, userID, tenantID int64) (users.User, error) {
	if d.err != nil {
		return users.User{}, d.err
	}
	for _, user := range d.users {
		if user.ID == userID && user.TenantID == tenantID {
			return user, nil
		}
	}
	return users.User{}, users.ErrUserNotFound
}

func (d *fakeDirectory) TouchLastSeen(_ context.Context, _, userID int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.touched == nil {
		d.touched = make(map[int64]time.Time)
	}
	d.touched[userID] = at
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	records     []messages.Message
	createCalls int
	createErr   error
	panicOn     bool
	clock       func() time.Time
}

func (s *fakeStore) Create(_ context.Context, request messages.CreateRequest) (messages.CreateResult, error) {
	if s.panicOn {
		panic("store exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return messages.CreateResult{}, s.createErr
	}
	if request.TempID != "" {
		for _, record := range s.records {
			if record.TenantID == request.TenantID && record.SenderID == request.SenderID &&
				record.ClientTempID != nil && *record.ClientTempID == request.TempID {
				return messages.CreateResult{Message: record, Duplicate: true}, nil
			}
		}
	}
	record := messages.Message{
		ID:               int64(len(s.records) + 1),
		TenantID:         request.TenantID,
		SenderID:         request.SenderID,
		ReceiverID:       request.ReceiverID,
		EncryptedContent: request.EncryptedContent,
		IV:               request.IV,
		MessageType:      request.MessageType,
		CreatedAt:        s.clock(),
	}
	if request.TempID != "" {
		tempID := request.TempID
		record.ClientTempID = &tempID
	}
	s.records = append(s.records, record)
	return messages.CreateResult{Message: record}, nil
}

func (s *fakeStore) MarkRead(_ context.Context, tenantID, messageID, readerID int64) (messages.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := range s.records {
		record := &s.records[index]
		if record.ID == messageID && record.TenantID == tenantID && record.ReceiverID == readerID && !record.IsRead {
			record.IsRead = true
			return messages.ReadResult{Updated: true, SenderID: record.SenderID}, nil
		}
	}
	return messages.ReadResult{}, nil
}

func (s *fakeStore) MarkConversationRead(_ context.Context, tenantID, senderID, readerID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for index := range s.records {
		record := &s.records[index]
		if record.TenantID == tenantID && record.SenderID == senderID && record.ReceiverID == readerID && !record.IsRead {
			record.IsRead = true
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) Conversation(_ context.Context, tenantID, userID, peerID int64, _ int) ([]messages.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conversation []messages.Message
	for _, record := range s.records {
		if record.TenantID != tenantID {
			continue
		}
		if (record.SenderID == userID && record.ReceiverID == peerID) || (record.SenderID == peerID && record.ReceiverID == userID) {
			conversation = append(conversation, record)
		}
	}
	return conversation, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (s *recordingSink) Record(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var (
	testNow = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	alice = auth.Identity{UserID: 1, TenantID: 1, Username: "alice", FirstName: "Alice", LastName: "Archer", Role: "user"}
	bob   = auth.Identity{UserID: 2, TenantID: 1, Username: "bob", FirstName: "Bob", LastName: "Baker", Role: "user"}
	carol = auth.Identity{UserID: 3, TenantID: 1, Username: "carol", Role: "user"}
	// Tenant 2 owns user 42; tenant 1 has no such user.
	mallory = auth.Identity{UserID: 42, TenantID: 2, Username: "mallory", Role: "user"}
)

type harness struct {
	service   *Service
	registry  *presence.Registry
	directory *fakeDirectory
	store     *fakeStore
	sink      *recordingSink
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	contentCipher, err := cipher.NewContentCipher([]byte("test-secret-0123456789"))
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	directory := &fakeDirectory{users: []users.User{
		userOf(alice), userOf(bob), userOf(carol), userOf(mallory),
	}}
	store := &fakeStore{clock: func() time.Time { return testNow }}
	sink := &recordingSink{}
	registry := presence.NewRegistry()
	service, err := NewService(ServiceConfig{
		Registry:  registry,
		Directory: directory,
		Messages:  store,
		Cipher:    contentCipher,
		Audit:     sink,
		Logger:    zap.New(core),
		Clock:     func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return &harness{
		service:   service,
		registry:  registry,
		directory: directory,
		store:     store,
		sink:      sink,
		logs:      logs,
	}
}

func userOf(identity auth.Identity) users.User {
	return users.User{
		ID:        identity.UserID,
		TenantID:  identity.TenantID,
		Username:  identity.Username,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		Role:      users.Role(identity.Role),
		IsActive:  true,
	}
}

func (h *harness) connect(t *testing.T, identity auth.Identity, connectionID string) (Peer, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{id: connectionID}
	peer := Peer{Identity: identity, Conn: conn}
	if err := h.service.Connect(context.Background(), peer); err != nil {
		t.Fatalf("connect %s: %v", connectionID, err)
	}
	return peer, conn
}

// dispatch sends one frame through the service and returns every reply delivered for it.
func (h *harness) dispatch(t *testing.T, peer Peer, event string, payload any) []wire.Reply {
	t.Helper()
	frame, err := wire.NewFrame(event, 1, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	var replies []wire.Reply
	replier := NewReplier(event, 1, func(reply wire.Reply) {
		replies = append(replies, reply)
	}, zap.NewNop())
	h.service.Dispatch(context.Background(), peer, frame, replier)
	return replies
}

func (h *harness) dispatchOne(t *testing.T, peer Peer, event string, payload any) wire.Reply {
	t.Helper()
	replies := h.dispatch(t, peer, event, payload)
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply for %s, got %d", event, len(replies))
	}
	return replies[0]
}

func (h *harness) logged(level zapcore.Level, message string) bool {
	for _, entry := range h.logs.All() {
		if entry.Level == level && strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
