// Package api provides the REST handlers and the WebSocket push channel
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/orchestrator"
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
)

// MessageType names a WebSocket message
type MessageType string

// Server to client
const (
	MessageTypeCameraStatus   MessageType = "camera_status"
	MessageTypeZoneStatus     MessageType = "zone_status"
	MessageTypeLocationStatus MessageType = "location_status"
	MessageTypeInitialState   MessageType = "initial_state"
	MessageTypeRoiAck         MessageType = "roi_update_ack"
	MessageTypeError          MessageType = "error_msg"
	MessageTypePong           MessageType = "pong"
)

// Client to server
const (
	MessageTypeRequestInitialState MessageType = "request_initial_state"
	MessageTypeSetRoi              MessageType = "set_roi"
	MessageTypePing                MessageType = "ping"
)

// RoiAckMessage is the text sent after a successful ROI update
const RoiAckMessage = "ROI update received and saved"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Message is the envelope for every WebSocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SetRoiData is the payload of a set_roi request
type SetRoiData struct {
	CameraID int64       `json:"cameraId"`
	Polygon  [][]float64 `json:"polygon"`
}

// RoiAck is the payload of roi_update_ack
type RoiAck struct {
	CameraID int64  `json:"cameraId"`
	Message  string `json:"message"`
}

// ErrorData is the payload of error_msg
type ErrorData struct {
	Message string `json:"message"`
}

// Controller answers client requests on the push channel
type Controller interface {
	InitialState(ctx context.Context) (events.Snapshot, error)
	SetRoi(ctx context.Context, cameraID int64, poly roi.Polygon) error
}

// Client is one WebSocket connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks connected clients and fans messages out to them
type Hub struct {
	controller Controller
	upgrader   websocket.Upgrader

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub creates a hub answering client requests with controller.
// allowedOrigins of nil or containing "*" accepts every origin.
func NewHub(controller Controller, allowedOrigins []string) *Hub {
	h := &Hub{
		controller: controller,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	all := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			all = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return all || origin == "" || set[origin]
	}
}

// Run processes registrations and broadcasts until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client connected", "client", client.id, "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client disconnected", "client", client.id, "total_clients", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow viewers miss frames rather than stall everyone
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func encode(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: t, Timestamp: time.Now(), Data: raw})
}

// Broadcast sends a message to every client
func (h *Hub) Broadcast(t MessageType, data any) {
	msg, err := encode(t, data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "type", t, "error", err)
		return
	}
	h.broadcastBytes(msg)
}

// BroadcastRaw sends already encoded JSON data to every client
func (h *Hub) BroadcastRaw(t MessageType, data []byte) {
	msg, err := json.Marshal(Message{Type: t, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal raw message", "type", t, "error", err)
		return
	}
	h.broadcastBytes(msg)
}

func (h *Hub) broadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and serves the client until it disconnects
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON message per frame; frames carry images so they are not batched
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a message for this client only
func (c *Client) reply(t MessageType, data any) {
	msg, err := encode(t, data)
	if err != nil {
		c.hub.logger.Error("Failed to marshal reply", "type", t, "error", err)
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(MessageTypeError, ErrorData{Message: "Invalid message"})
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)

	case MessageTypeRequestInitialState:
		// Waiting for startup must not block reading pings
		go c.sendInitialState()

	case MessageTypeSetRoi:
		var req SetRoiData
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.reply(MessageTypeError, ErrorData{Message: "Invalid ROI payload"})
			return
		}
		c.setRoi(req)

	default:
		c.reply(MessageTypeError, ErrorData{Message: fmt.Sprintf("Unknown message type %q", msg.Type)})
	}
}

func (c *Client) sendInitialState() {
	c.hub.logger.Info("Client requested initial state", "client", c.id)
	snap, err := c.hub.controller.InitialState(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.hub.logger.Error("Failed to build initial state", "client", c.id, "error", err)
			c.reply(MessageTypeError, ErrorData{Message: "Initial state is unavailable"})
		}
		return
	}
	c.reply(MessageTypeInitialState, snap)
}

func (c *Client) setRoi(req SetRoiData) {
	if errs := (RoiRequest{Polygon: req.Polygon}).Validate(); errs.HasErrors() {
		c.reply(MessageTypeError, ErrorData{Message: errs.Error()})
		return
	}
	poly, err := roi.ParsePolygon(req.Polygon)
	if err != nil {
		c.reply(MessageTypeError, ErrorData{Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()
	if err := c.hub.controller.SetRoi(ctx, req.CameraID, poly); err != nil {
		c.hub.logger.Warn("Could not set ROI", "camera", req.CameraID, "client", c.id, "error", err)
		c.reply(MessageTypeError, ErrorData{Message: roiErrorMessage(req.CameraID, err)})
		return
	}
	c.reply(MessageTypeRoiAck, RoiAck{CameraID: req.CameraID, Message: RoiAckMessage})
}

func roiErrorMessage(cameraID int64, err error) string {
	if errors.Is(err, orchestrator.ErrCameraNotFound) {
		return fmt.Sprintf("Camera %d not active/available for ROI.", cameraID)
	}
	return fmt.Sprintf("Failed to save ROI for camera %d.", cameraID)
}
