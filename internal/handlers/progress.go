package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	"github.com/clausewise/analysis-engine/internal/services"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 16
)

// ProgressHub fans accepted progress events out to the websocket clients
// subscribed to each run. It is the engine's Broadcaster: the sequencer
// hands it only emissions that passed the monotonic guard.
type ProgressHub struct {
	mu      sync.RWMutex
	clients map[string]map[*progressClient]struct{}
	logger  *logger.Logger
}

type progressClient struct {
	send chan *models.ProgressEvent
}

// NewProgressHub creates the progress hub
func NewProgressHub(log *logger.Logger) *ProgressHub {
	return &ProgressHub{
		clients: make(map[string]map[*progressClient]struct{}),
		logger:  log.WithService("progress_hub"),
	}
}

// Broadcast delivers an event to every subscriber of its run. A slow client
// whose buffer is full loses the event; replay on reconnect restores state.
func (h *ProgressHub) Broadcast(event *models.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[event.RunID] {
		select {
		case client.send <- event:
		default:
		}
	}
}

func (h *ProgressHub) subscribe(runID string) *progressClient {
	client := &progressClient{send: make(chan *models.ProgressEvent, clientBuffer)}
	h.mu.Lock()
	if h.clients[runID] == nil {
		h.clients[runID] = make(map[*progressClient]struct{})
	}
	h.clients[runID][client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *ProgressHub) unsubscribe(runID string, client *progressClient) {
	h.mu.Lock()
	if set, ok := h.clients[runID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, runID)
		}
	}
	h.mu.Unlock()
}

// ProgressHandler serves the websocket progress stream
type ProgressHandler struct {
	hub       *ProgressHub
	sequencer *services.ProgressSequencer
	registry  *services.RunRegistry
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewProgressHandler creates the progress stream handler
func NewProgressHandler(hub *ProgressHub, sequencer *services.ProgressSequencer, registry *services.RunRegistry, log *logger.Logger) *ProgressHandler {
	return &ProgressHandler{
		hub:       hub,
		sequencer: sequencer,
		registry:  registry,
		logger:    log.WithService("progress_handler"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// StreamProgress upgrades to a websocket and streams progress for one run.
// The last persisted emission is replayed immediately so a client that
// connects mid-run sees correct state before the next natural event.
// @Summary Stream run progress
// @Tags runs
// @Router /api/v1/runs/{id}/progress [get]
func (h *ProgressHandler) StreamProgress(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.registry.FindByID(c.Request.Context(), runID); err != nil {
		if engerrors.Code(err) == engerrors.ErrNotFound {
			c.JSON(http.StatusNotFound, err)
			return
		}
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to load run", nil))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := h.hub.subscribe(runID)
	defer h.hub.unsubscribe(runID, client)

	h.logger.Info("progress stream opened", zap.String("run_id", runID))

	// Replay before live events.
	if last, err := h.sequencer.Replay(c.Request.Context(), runID); err == nil && last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(last); err != nil {
			return
		}
	}

	// Reader goroutine detects client-side close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
