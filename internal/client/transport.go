package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cybersemics/partykit-em/internal/server"
	"github.com/cybersemics/partykit-em/internal/tree"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected reports a transport call before Connect.
	ErrNotConnected = errors.New("client: transport not connected")
	// ErrPushRejected reports a relay-side push failure; the batch stays
	// unacknowledged and is retried on reconnect.
	ErrPushRejected = errors.New("client: push rejected")
)

// Transport carries coordinator traffic to the relay. Live returns a channel
// that closes when the underlying connection is lost.
type Transport interface {
	Connect(ctx context.Context) error
	Push(ctx context.Context, ops []tree.MoveOp) (tree.SyncTimestamp, error)
	StreamSince(ctx context.Context, cursor tree.SyncTimestamp) (io.ReadCloser, error)
	Hydrate(ctx context.Context) (io.ReadCloser, error)
	Live() <-chan []tree.MoveOp
	Close() error
}

// WebSocketTransport speaks the relay's wire surface: a websocket for push
// and live broadcast, HTTP for the catch-up and hydration streams.
type WebSocketTransport struct {
	baseURL    string
	clientID   tree.ClientID
	httpClient *http.Client
	logger     *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	live chan []tree.MoveOp
	acks chan ackResult

	writeMu sync.Mutex
}

type ackResult struct {
	stamp tree.SyncTimestamp
	err   error
}

// WebSocketTransportConfig describes the dependencies for a transport.
type WebSocketTransportConfig struct {
	BaseURL    string
	ClientID   tree.ClientID
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewWebSocketTransport validates the configuration and returns a transport.
func NewWebSocketTransport(cfg WebSocketTransportConfig) (*WebSocketTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("client: base url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client: client id is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientID:   cfg.ClientID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Connect dials the websocket channel and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	wsURL, err := t.websocketURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.live = make(chan []tree.MoveOp, 16)
	t.acks = make(chan ackResult, 1)
	t.mu.Unlock()

	go t.readLoop(conn, t.live, t.acks)
	return nil
}

// Push sends locally-originated operations and waits for the relay's
// sync-timestamp acknowledgement.
func (t *WebSocketTransport) Push(ctx context.Context, ops []tree.MoveOp) (tree.SyncTimestamp, error) {
	t.mu.Lock()
	conn := t.conn
	acks := t.acks
	t.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	t.writeMu.Lock()
	err := conn.WriteJSON(server.WireMessage{Type: server.MessageTypePush, Operations: ops})
	t.writeMu.Unlock()
	if err != nil {
		return "", err
	}

	select {
	case ack := <-acks:
		return ack.stamp, ack.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StreamSince opens the NDJSON catch-up stream. The caller must close the
// reader; closing early releases the relay's cursor.
func (t *WebSocketTransport) StreamSince(ctx context.Context, cursor tree.SyncTimestamp) (io.ReadCloser, error) {
	body, err := jsonBody(map[string]any{
		"type":              "sync:stream",
		"lastSyncTimestamp": cursor.String(),
	})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync/stream", body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := t.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("client: sync stream status %d", response.StatusCode)
	}
	return response.Body, nil
}

// Hydrate opens the binary snapshot stream.
func (t *WebSocketTransport) Hydrate(ctx context.Context) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/hydrate", nil)
	if err != nil {
		return nil, err
	}
	response, err := t.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("client: hydrate status %d", response.StatusCode)
	}
	return response.Body, nil
}

// Live returns the broadcast channel; nil before Connect.
func (t *WebSocketTransport) Live() <-chan []tree.MoveOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Close tears down the websocket connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, live chan []tree.MoveOp, acks chan ackResult) {
	defer close(live)
	for {
		var message server.WireMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}
		switch message.Type {
		case server.MessageTypePush:
			live <- message.Operations
		case server.MessageTypePushAck:
			select {
			case acks <- ackResult{stamp: tree.SyncTimestamp(message.SyncTimestamp)}:
			default:
			}
		case server.MessageTypeError:
			select {
			case acks <- ackResult{err: fmt.Errorf("%w: %s", ErrPushRejected, message.Error)}:
			default:
			}
		case server.MessageTypeStatus, server.MessageTypeConnections:
			// Roster and lifecycle frames are informational here.
		default:
			t.logger.Warn("dropping unknown frame", zap.String("message_type", message.Type))
		}
	}
}

func (t *WebSocketTransport) websocketURL() (string, error) {
	parsed, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	query := parsed.Query()
	query.Set("client_id", t.clientID.String())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func jsonBody(payload map[string]any) (io.Reader, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(encoded), nil
}
