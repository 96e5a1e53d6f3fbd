package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 25 * time.Second
	writeTimeout        = 10 * time.Second

	// A character outside the BMP escapes to two \uXXXX sequences.
	maxEscapedCharBytes = 12
	frameEnvelopeBytes  = 16 * 1024
	maxFrameBytes       = messages.MaxContentLength*maxEscapedCharBytes + frameEnvelopeBytes
)

// ErrSessionClosed indicates the session no longer accepts outbound frames.
var ErrSessionClosed = errors.New("realtime: session closed")

// SessionConfig tunes a websocket session.
type SessionConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Session is one authenticated websocket connection. A single goroutine reads and
// dispatches frames in order; a single goroutine writes.
type Session struct {
	id           string
	conn         *websocket.Conn
	identity     auth.Identity
	outbound     chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewSession wraps an upgraded websocket for identity.
func NewSession(conn *websocket.Conn, identity auth.Identity, cfg SessionConfig) *Session {
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := newConnectionID()
	return &Session{
		id:           id,
		conn:         conn,
		identity:     identity,
		outbound:     make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		logger: logger.With(
			zap.String("connection_id", id),
			zap.Int64("tenant_id", identity.TenantID),
			zap.Int64("user_id", identity.UserID)),
	}
}

func newConnectionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ID implements presence.Connection.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the principal bound at handshake.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Push queues a server-initiated event without blocking. A full queue drops the event.
func (s *Session) Push(event string, payload any) bool {
	data, err := encodeFrame(event, 0, payload)
	if err != nil {
		s.logger.Error("failed to encode push", zap.String("event", event), zap.Error(err))
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- data:
		return true
	default:
		s.logger.Debug("push dropped on full send queue", zap.String("event", event))
		return false
	}
}

// deliverReply queues the ack frame, waiting for room unless the session closes.
func (s *Session) deliverReply(ackID uint64, reply wire.Reply) error {
	if ackID == 0 {
		return nil
	}
	data, err := encodeFrame(wire.EventAck, ackID, reply)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func encodeFrame(event string, ackID uint64, payload any) ([]byte, error) {
	frame, err := wire.NewFrame(event, ackID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// Close stops the session. The writer sends a close frame and releases the transport.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// ServeSession registers the session, runs its read loop until the transport fails or
// ctx is cancelled, then unregisters it. Handler errors never end the session.
func (s *Service) ServeSession(ctx context.Context, session *Session) error {
	s.sessions.Add(1)
	defer s.sessions.Done()

	peer := Peer{Identity: session.identity, Conn: session}
	if err := s.Connect(ctx, peer); err != nil {
		session.Close()
		_ = session.conn.Close()
		return err
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		session.writePump()
	}()
	go func() {
		defer workers.Done()
		select {
		case <-ctx.Done():
			session.logger.Debug("closing session on shutdown")
			session.Close()
		case <-session.done:
		}
	}()

	session.readLoop(ctx, s, peer)
	session.Close()
	workers.Wait()

	s.Disconnect(context.WithoutCancel(ctx), peer)
	return nil
}

// WaitSessions blocks until every session served by ServeSession has unregistered, or
// until ctx is done.
func (s *Service) WaitSessions(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop(ctx context.Context, service *Service, peer Peer) {
	s.conn.SetReadLimit(maxFrameBytes)
	pongWait := 2 * s.pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Info("websocket closed unexpectedly", zap.Error(err))
			} else {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			s.logger.Debug("discarding undecodable frame", zap.Error(err))
			continue
		}
		ackID := frame.AckID
		replier := NewReplier(frame.Event, ackID, func(reply wire.Reply) {
			if err := s.deliverReply(ackID, reply); err != nil {
				s.logger.Debug("reply not delivered", zap.String("event", frame.Event), zap.Error(err))
			}
		}, s.logger)
		service.Dispatch(ctx, peer, frame, replier)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			deadline := time.Now().Add(time.Second)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}
