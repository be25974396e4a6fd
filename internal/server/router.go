package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cybersemics/partykit-em/internal/relay"
	"github.com/cybersemics/partykit-em/internal/tree"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingRelay = errors.New("relay dependency required")

// Dependencies carries the collaborators the HTTP surface needs.
type Dependencies struct {
	Relay  *relay.Relay
	Logger *zap.Logger
}

// NewHTTPHandler builds the relay's wire surface: the websocket channel for
// push and live broadcast, the NDJSON catch-up stream, the binary hydration
// stream, and the subtree query.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Relay == nil {
		return nil, errMissingRelay
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		relay:  deps.Relay,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)
	router.POST("/sync/stream", handler.handleSyncStream)
	router.GET("/hydrate", handler.handleHydrate)
	router.POST("/subtree", handler.handleSubtree)

	return router, nil
}

type httpHandler struct {
	relay  *relay.Relay
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": string(h.relay.Status())})
}

type streamRequestPayload struct {
	Type              string `json:"type"`
	LastSyncTimestamp string `json:"lastSyncTimestamp"`
}

func (h *httpHandler) handleSyncStream(c *gin.Context) {
	var request streamRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Type != "sync:stream" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	cursor := tree.SyncTimestamp(request.LastSyncTimestamp)
	if err := h.relay.StreamSince(c.Request.Context(), cursor, c.Writer); err != nil {
		// The 200 status is already committed; log and end the response.
		h.logger.Warn("sync stream aborted", zap.Error(err))
	}
}

func (h *httpHandler) handleHydrate(c *gin.Context) {
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if err := h.relay.Hydrate(c.Request.Context(), c.Writer); err != nil {
		h.logger.Warn("hydration stream aborted", zap.Error(err))
	}
}

type subtreeRequestPayload struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Depth int    `json:"depth"`
}

func (h *httpHandler) handleSubtree(c *gin.Context) {
	var request subtreeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Type != "subtree" || strings.TrimSpace(request.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	rootID, err := tree.NewNodeID(request.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	nodes, err := h.relay.SubtreeQuery(c.Request.Context(), rootID, request.Depth)
	if err != nil {
		h.logger.Error("subtree query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subtree_failed"})
		return
	}
	if nodes == nil {
		nodes = []tree.Node{}
	}
	c.JSON(http.StatusOK, nodes)
}
