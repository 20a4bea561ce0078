package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"schoolsync/internal/events"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type wsClient struct {
	send chan []byte
}

// Hub fans bus events out to websocket clients. A client that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	logger *zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast is an events.Handler.
func (h *Hub) Broadcast(e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("event", e.Type).Msg("Websocket client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve pumps messages to conn until the client goes away. hello, when set,
// is written before any broadcast.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, hello []byte) {
	c := &wsClient{send: make(chan []byte, clientBuffer)}
	if hello != nil {
		c.send <- hello
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", count).Msg("Websocket client connected")

	defer h.remove(c)

	// Клиент ничего не присылает, чтение нужно только для close-фреймов
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Msg("Websocket write failed")
				_ = conn.CloseNow()
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", count).Msg("Websocket client disconnected")
}
