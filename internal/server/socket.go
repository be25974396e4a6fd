package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cybersemics/partykit-em/internal/relay"
	"github.com/cybersemics/partykit-em/internal/tree"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Wire message discriminators.
const (
	MessageTypeStatus      = "status"
	MessageTypeConnections = "connections"
	MessageTypePing        = "ping"
	MessageTypePush        = "push"
	MessageTypePushAck     = "push_ack"
	MessageTypeError       = "error"
)

// WireMessage is the JSON envelope exchanged over the websocket channel.
type WireMessage struct {
	Type          string        `json:"type"`
	Status        string        `json:"status,omitempty"`
	Clients       []string      `json:"clients,omitempty"`
	Operations    []tree.MoveOp `json:"operations,omitempty"`
	SyncTimestamp string        `json:"sync_timestamp,omitempty"`
	Error         string        `json:"error,omitempty"`
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id required"})
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &socketSession{
		conn:     conn,
		clientID: clientID,
		relay:    h.relay,
		logger:   h.logger,
		outbound: make(chan WireMessage, 64),
	}
	session.run(c.Request.Context())
}

type socketSession struct {
	conn     *websocket.Conn
	clientID string
	relay    *relay.Relay
	logger   *zap.Logger
	outbound chan WireMessage
}

func (s *socketSession) run(ctx context.Context) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	events, unsubscribe := s.relay.Hub().Subscribe(sessionCtx, s.clientID)
	defer unsubscribe()

	go s.writeLoop(sessionCtx, events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(sessionCtx, raw)
	}
}

func (s *socketSession) writeLoop(ctx context.Context, events <-chan relay.Event) {
	for {
		select {
		case message := <-s.outbound:
			if err := s.conn.WriteJSON(message); err != nil {
				return
			}
		case event := <-events:
			if err := s.conn.WriteJSON(eventToWire(event)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage dispatches one inbound frame. Malformed frames are logged
// and dropped; the stream is never aborted over a protocol error.
func (s *socketSession) handleMessage(ctx context.Context, raw []byte) {
	var message WireMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		s.logger.Warn("dropping malformed frame",
			zap.String("client_id", s.clientID),
			zap.Error(err))
		return
	}

	switch message.Type {
	case MessageTypePing:
		s.send(WireMessage{Type: MessageTypeStatus, Status: string(s.relay.Status())})
		s.send(WireMessage{Type: MessageTypeConnections, Clients: s.relay.Hub().Roster()})
	case MessageTypePush:
		stamp, _, err := s.relay.Push(ctx, tree.ClientID(s.clientID), message.Operations)
		if err != nil {
			s.logger.Warn("push rejected",
				zap.String("client_id", s.clientID),
				zap.Error(err))
			s.send(WireMessage{Type: MessageTypeError, Error: "push_failed"})
			return
		}
		s.send(WireMessage{Type: MessageTypePushAck, SyncTimestamp: stamp.String()})
	default:
		s.logger.Warn("dropping unknown message type",
			zap.String("client_id", s.clientID),
			zap.String("message_type", message.Type))
	}
}

func (s *socketSession) send(message WireMessage) {
	select {
	case s.outbound <- message:
	default:
	}
}

func eventToWire(event relay.Event) WireMessage {
	switch event.Type {
	case relay.EventPush:
		return WireMessage{Type: MessageTypePush, Operations: event.Operations}
	case relay.EventStatus:
		return WireMessage{Type: MessageTypeStatus, Status: event.Status}
	case relay.EventConnections:
		return WireMessage{Type: MessageTypeConnections, Clients: event.Clients}
	default:
		return WireMessage{Type: MessageTypeError, Error: "unknown_event"}
	}
}
