// Package stream fans lip-sync frames and bus events out to WebSocket
// clients such as a browser or engine-side avatar renderer.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/lipsync"
	"github.com/normanking/cortexlipsync/internal/metrics"
	"github.com/normanking/cortexlipsync/internal/viseme"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Message types sent to clients.
const (
	TypeHello = "hello"
	TypeFrame = "frame"
	TypeEvent = "event"
	TypePong  = "pong"
)

// HelloMessage is the first message on every connection.
type HelloMessage struct {
	Type        string   `json:"type"`
	ClientID    string   `json:"client_id"`
	Blendshapes []string `json:"blendshapes"`
}

// FrameMessage carries one resolved frame.
type FrameMessage struct {
	Type        string                   `json:"type"`
	TimeMs      float64                  `json:"time_ms"`
	Primary     string                   `json:"primary"`
	Shape       viseme.MouthShape        `json:"shape"`
	Blendshapes viseme.BlendshapeWeights `json:"blendshapes"`
}

// EventMessage carries one bus notification.
type EventMessage struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and broadcasts to all of them. A client that
// cannot keep up is disconnected rather than allowed to stall the player.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub accepting connections from any origin.
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger.With().Str("component", "stream").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Attach forwards every bus event to connected clients.
func (h *Hub) Attach(eb *bus.EventBus) {
	eb.SubscribeAll(h.HandleEvent)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	hello, _ := json.Marshal(HelloMessage{
		Type:        TypeHello,
		ClientID:    c.id,
		Blendshapes: viseme.BlendshapeNames[:],
	})
	c.send <- hello

	if !h.register(c) {
		conn.Close()
		return
	}
	h.logger.Info().Str("client", c.id).Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	go h.writePump(c)
	h.readPump(c)
}

// WriteFrame broadcasts a frame. It never blocks.
func (h *Hub) WriteFrame(f lipsync.Frame) {
	data, err := json.Marshal(FrameMessage{
		Type:        TypeFrame,
		TimeMs:      float64(f.Time) / float64(time.Millisecond),
		Primary:     f.Primary,
		Shape:       f.Shape,
		Blendshapes: f.Blendshapes,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	h.broadcast(data)
}

// HandleEvent broadcasts a bus event.
func (h *Hub) HandleEvent(e bus.Event) {
	data, err := json.Marshal(EventMessage{
		Type:  TypeEvent,
		Event: string(e.Type),
		Time:  e.Time,
		Data:  e.Data,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(e.Type)).Msg("Failed to encode event")
		return
	}
	h.broadcast(data)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.SetStreamClients(len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.SetStreamClients(len(h.clients))
}

func (h *Hub) broadcast(data []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.logger.Warn().Str("client", c.id).Msg("Dropping slow client")
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// enqueue sends a reply to one client, dropping it when the buffer is full.
func (h *Hub) enqueue(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Info().Str("client", c.id).Msg("Client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pong, _ := json.Marshal(inbound{Type: TypePong})
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		if msg.Type == "ping" {
			h.enqueue(c, pong)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs an HTTP server with the given routes until ctx is cancelled.
func Serve(ctx context.Context, addr string, routes map[string]http.Handler, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	for path, handler := range routes {
		mux.Handle(path, handler)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
