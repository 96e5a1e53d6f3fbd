// Package client is the reconnecting Go client for the realtime endpoint. It keeps
// unacknowledged sends pending across drops, replays them in order after reconnecting,
// and discards pushed messages it has already seen.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultAckTimeout  = 10 * time.Second
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
)

var (
	// ErrAckTimeout indicates no acknowledgment arrived in time. A timed out send stays
	// pending and is replayed after the next reconnect.
	ErrAckTimeout = errors.New("client: acknowledgment timed out")
	// ErrReconnectExhausted is reported through OnStateChange once automatic reconnection
	// gives up. Connect must be called to try again.
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	// ErrNotConnected indicates a request that cannot be queued was issued while offline.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed indicates the client was closed.
	ErrClosed = errors.New("client: closed")
	// ErrMissingDialer indicates Config.Dialer was not set.
	ErrMissingDialer = errors.New("client: dialer required")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RejectedError is a negative acknowledgment from the server.
type RejectedError struct {
	Reason  string
	Details []string
}

func (e *RejectedError) Error() string {
	if len(e.Details) == 0 {
		return "client: rejected: " + e.Reason
	}
	return fmt.Sprintf("client: rejected: %s (%s)", e.Reason, strings.Join(e.Details, "; "))
}

// Transport carries frames over one established connection.
type Transport interface {
	WriteFrame(frame wire.Frame) error
	ReadFrame() (wire.Frame, error)
	Close() error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Config describes a client.
type Config struct {
	Dialer        Dialer
	AckTimeout    time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	OnStateChange func(state State, err error)
	OnMessage     func(message wire.MessagePayload)
	OnEvent       func(frame wire.Frame)
	NewTempID     func() string
	Logger        *zap.Logger
}

// PendingMessage is a send that has not been acknowledged yet.
type PendingMessage struct {
	TempID  string
	Request wire.SendMessageRequest
}

type pendingSend struct {
	request wire.SendMessageRequest
	result  chan wire.Reply
}

type waiter struct {
	pending *pendingSend
	result  chan wire.Reply
}

// Client is safe for concurrent use.
type Client struct {
	dialer        Dialer
	ackTimeout    time.Duration
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxAttempts   int
	onStateChange func(State, error)
	onMessage     func(wire.MessagePayload)
	onEvent       func(wire.Frame)
	newTempID     func() string
	logger        *zap.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex
	state        State
	transport    Transport
	pending      []*pendingSend
	waiters      map[uint64]*waiter
	nextAck      uint64
	seen         map[int64]struct{}
	attempt      int
	reconnecting bool
	closed       bool
	stop         chan struct{}
}

// New constructs a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, ErrMissingDialer
	}
	client := &Client{
		dialer:        cfg.Dialer,
		ackTimeout:    cfg.AckTimeout,
		baseDelay:     cfg.BaseDelay,
		maxDelay:      cfg.MaxDelay,
		maxAttempts:   cfg.MaxAttempts,
		onStateChange: cfg.OnStateChange,
		onMessage:     cfg.OnMessage,
		onEvent:       cfg.OnEvent,
		newTempID:     cfg.NewTempID,
		logger:        cfg.Logger,
		state:         StateDisconnected,
		waiters:       make(map[uint64]*waiter),
		seen:          make(map[int64]struct{}),
		stop:          make(chan struct{}),
	}
	if client.ackTimeout <= 0 {
		client.ackTimeout = defaultAckTimeout
	}
	if client.baseDelay <= 0 {
		client.baseDelay = defaultBaseDelay
	}
	if client.maxDelay <= 0 {
		client.maxDelay = defaultMaxDelay
	}
	if client.maxAttempts <= 0 {
		client.maxAttempts = defaultMaxAttempts
	}
	if client.newTempID == nil {
		client.newTempID = uuid.NewString
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the unacknowledged sends in the order they were queued.
func (c *Client) Pending() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]PendingMessage, 0, len(c.pending))
	for _, pending := range c.pending {
		snapshot = append(snapshot, PendingMessage{TempID: pending.request.TempID, Request: pending.request})
	}
	return snapshot
}

// Connect dials once. It restarts a client that gave up reconnecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempt = 0
	c.mu.Unlock()
	c.notify(StateConnecting, nil)

	transport, err := c.dialer.Dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(StateDisconnected, err)
		return fmt.Errorf("client: dial: %w", err)
	}
	return c.attach(transport)
}

// attach makes transport current, starts its reader and replays pending sends FIFO.
func (c *Client) attach(transport Transport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	c.transport = transport
	c.state = StateConnected
	c.attempt = 0
	for ackID, pendingWaiter := range c.waiters {
		if pendingWaiter.pending != nil {
			delete(c.waiters, ackID)
		}
	}
	replay := make([]wire.Frame, 0, len(c.pending))
	for _, pending := range c.pending {
		frame, err := c.registerWaiterLocked(wire.EventMessageSend, pending.request, pending, pending.result)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		replay = append(replay, frame)
	}
	// Sends queued after this point are written after the replay.
	c.writeMu.Lock()
	c.mu.Unlock()

	go c.readLoop(transport)

	var writeErr error
	for _, frame := range replay {
		if writeErr = transport.WriteFrame(frame); writeErr != nil {
			break
		}
	}
	c.writeMu.Unlock()
	c.notify(StateConnected, nil)
	if writeErr != nil {
		c.handleDrop(transport, writeErr)
	} else if len(replay) > 0 {
		c.logger.Debug("replayed pending messages", zap.Int("count", len(replay)))
	}
	return nil
}

func (c *Client) registerWaiterLocked(event string, payload any, pending *pendingSend, result chan wire.Reply) (wire.Frame, error) {
	c.nextAck++
	ackID := c.nextAck
	frame, err := wire.NewFrame(event, ackID, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	c.waiters[ackID] = &waiter{pending: pending, result: result}
	return frame, nil
}

// Send queues a message and waits for its acknowledgment. The message stays pending
// until acknowledged, so a send issued while offline or timed out is replayed after
// reconnecting with the same temporary id.
func (c *Client) Send(ctx context.Context, receiverID int64, content, messageType string) (wire.MessagePayload, error) {
	pending := &pendingSend{
		request: wire.SendMessageRequest{
			ReceiverID:  receiverID,
			Content:     content,
			MessageType: messageType,
			TempID:      c.newTempID(),
		},
		result: make(chan wire.Reply, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.MessagePayload{}, ErrClosed
	}
	c.pending = append(c.pending, pending)
	var (
		frame     wire.Frame
		transport Transport
	)
	if c.state == StateConnected && c.transport != nil {
		var err error
		frame, err = c.registerWaiterLocked(wire.EventMessageSend, pending.request, pending, pending.result)
		if err != nil {
			c.removePendingLocked(pending)
			c.mu.Unlock()
			return wire.MessagePayload{}, err
		}
		transport = c.transport
	}
	c.mu.Unlock()

	if transport != nil {
		c.write(transport, frame)
	}

	reply, err := c.await(ctx, pending.result)
	if err != nil {
		return wire.MessagePayload{}, err
	}
	if !reply.Success {
		return wire.MessagePayload{}, &RejectedError{Reason: reply.Error, Details: reply.Details}
	}
	if reply.Message == nil {
		return wire.MessagePayload{}, &RejectedError{Reason: "acknowledgment without message"}
	}
	return *reply.Message, nil
}

// Request emits a non-message event and waits for its reply. Requests are not queued
// across drops.
func (c *Client) Request(ctx context.Context, event string, payload any) (wire.Reply, error) {
	result := make(chan wire.Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Reply{}, ErrClosed
	}
	if c.state != StateConnected || c.transport == nil {
		c.mu.Unlock()
		return wire.Reply{}, ErrNotConnected
	}
	frame, err := c.registerWaiterLocked(event, payload, nil, result)
	transport := c.transport
	c.mu.Unlock()
	if err != nil {
		return wire.Reply{}, err
	}

	c.write(transport, frame)
	reply, err := c.await(ctx, result)
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, frame.AckID)
		c.mu.Unlock()
		return wire.Reply{}, err
	}
	if !reply.Success {
		return reply, &RejectedError{Reason: reply.Error, Details: reply.Details}
	}
	return reply, nil
}

func (c *Client) await(ctx context.Context, result chan wire.Reply) (wire.Reply, error) {
	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case reply := <-result:
		return reply, nil
	case <-timer.C:
		return wire.Reply{}, ErrAckTimeout
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	case <-c.stop:
		return wire.Reply{}, ErrClosed
	}
}

func (c *Client) write(transport Transport, frame wire.Frame) {
	c.writeMu.Lock()
	err := transport.WriteFrame(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.handleDrop(transport, err)
	}
}

func (c *Client) readLoop(transport Transport) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			c.handleDrop(transport, err)
			return
		}
		switch frame.Event {
		case wire.EventAck:
			c.resolve(frame)
		case wire.EventNewMessage:
			c.receive(frame)
		default:
			if c.onEvent != nil {
				c.onEvent(frame)
			}
		}
	}
}

func (c *Client) resolve(frame wire.Frame) {
	var reply wire.Reply
	if err := frame.DecodeData(&reply); err != nil {
		c.logger.Warn("discarding undecodable acknowledgment", zap.Uint64("ack", frame.AckID), zap.Error(err))
		return
	}
	c.mu.Lock()
	pendingWaiter, ok := c.waiters[frame.AckID]
	if ok {
		delete(c.waiters, frame.AckID)
		if pendingWaiter.pending != nil {
			c.removePendingLocked(pendingWaiter.pending)
		}
		if reply.Success && reply.Message != nil {
			c.seen[reply.Message.ID] = struct{}{}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pendingWaiter.result <- reply:
	default:
	}
}

// receive drops pushed messages whose server id was already seen.
func (c *Client) receive(frame wire.Frame) {
	var message wire.MessagePayload
	if err := frame.DecodeData(&message); err != nil {
		c.logger.Warn("discarding undecodable message", zap.Error(err))
		return
	}
	c.mu.Lock()
	_, duplicate := c.seen[message.ID]
	if !duplicate {
		c.seen[message.ID] = struct{}{}
	}
	c.mu.Unlock()
	if duplicate {
		c.logger.Debug("duplicate message discarded", zap.Int64("message_id", message.ID))
		return
	}
	if c.onMessage != nil {
		c.onMessage(message)
	}
}

func (c *Client) removePendingLocked(target *pendingSend) {
	for index, pending := range c.pending {
		if pending == target {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return
		}
	}
}

// handleDrop reacts to a transport failure by entering reconnecting and starting the
// single reconnect worker. Failures of superseded transports are ignored.
func (c *Client) handleDrop(transport Transport, cause error) {
	c.mu.Lock()
	if c.closed || c.transport != transport {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	for ackID, pendingWaiter := range c.waiters {
		if pendingWaiter.pending == nil {
			delete(c.waiters, ackID)
		}
	}
	c.state = StateReconnecting
	startWorker := !c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	_ = transport.Close()
	c.logger.Info("connection lost", zap.Error(cause))
	c.notify(StateReconnecting, cause)
	if startWorker {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.mu.Lock()
		c.attempt = attempt
		c.mu.Unlock()

		timer := time.NewTimer(Backoff(attempt, c.baseDelay, c.maxDelay))
		select {
		case <-c.stop:
			timer.Stop()
			c.finishReconnecting()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		transport, err := c.dialer.Dial(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		// A drop of the new transport must be able to start a fresh worker.
		c.finishReconnecting()
		if err := c.attach(transport); err != nil {
			c.logger.Debug("reconnected transport not attached", zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	c.reconnecting = false
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Warn("giving up reconnecting", zap.Int("attempts", c.maxAttempts))
	c.notify(StateDisconnected, ErrReconnectExhausted)
}

func (c *Client) finishReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

// Attempt returns the current reconnect attempt, zero while connected.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Close disconnects and stops reconnecting. Pending sends are abandoned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	transport := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.notify(StateDisconnected, ErrClosed)
	if transport != nil {
		return transport.Close()
	}
	return nil
}

func (c *Client) notify(state State, err error) {
	if c.onStateChange != nil {
		c.onStateChange(state, err)
	}
}

// Backoff returns the delay before reconnect attempt n (1-based): base doubled per
// attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
