package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/wire"
	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the realtime endpoint, presenting Token as the handshake credential.
type WebSocketDialer struct {
	URL    string
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if d.Token != "" {
		query := endpoint.Query()
		query.Set("token", d.Token)
		endpoint.RawQuery = query.Encode()
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, response, err := dialer.DialContext(ctx, endpoint.String(), d.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: handshake rejected with status %d: %w", response.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial websocket: %w", err)
	}
	return &webSocketTransport{conn: conn}, nil
}

type webSocketTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (t *webSocketTransport) WriteFrame(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) ReadFrame() (wire.Frame, error) {
	for {
		messageType, raw, err := t.conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			continue
		}
		return frame, nil
	}
}

func (t *webSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}
