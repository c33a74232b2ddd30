package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendQueueSize   = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	// wsCriticalWait bounds how long a critical frame may wait on a slow
	// client before the connection is declared dead.
	wsCriticalWait = 2 * time.Second
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	FrameChannelMessage = "channel.message"
	FrameAdminReset     = "admin.reset"
	FrameAdminShutdown  = "admin.shutdown"
)

// Outbound frame types.
const (
	FrameAgentStream   = "agent.stream"
	FrameToolCall      = "tool.call"
	FrameToolResult    = "tool.result"
	FrameAgentResponse = "agent.response"
	FrameAgentDone     = "agent.done"
	FrameError         = "error"
)

// wsHub fans bus events out to connected clients and feeds client frames
// back into the bus.
type wsHub struct {
	server     *Server
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	clients    map[*wsClient]struct{}
	subscribed bool
}

func newWSHub(s *Server) *wsHub {
	return &wsHub{
		server:  s,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// subscribe registers the hub on every agent-facing topic once.
func (h *wsHub) subscribe(b *bus.Bus) error {
	h.mu.Lock()
	if h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.subscribed = true
	h.mu.Unlock()

	topics := []models.Topic{
		models.TopicAgentStream,
		models.TopicAgentToolCall,
		models.TopicAgentToolRes,
		models.TopicOutbound,
		models.TopicAgentDone,
		models.TopicAgentError,
	}
	for _, topic := range topics {
		if err := b.Subscribe(topic, "gateway-ws", h.handleEvent); err != nil {
			return err
		}
	}
	return nil
}

// handleEvent reprojects one bus event as a WS frame for all clients.
func (h *wsHub) handleEvent(evt models.Event) {
	frame, critical, ok := frameForEvent(evt)
	if !ok {
		return
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(raw, critical)
	}
}

// frameForEvent maps a bus event to its wire frame. The second return marks
// frames that must never be dropped by the send-queue policy.
func frameForEvent(evt models.Event) (*Frame, bool, bool) {
	var (
		frameType string
		payload   any
		critical  bool
	)
	switch evt.Topic {
	case models.TopicAgentStream:
		delta, ok := evt.Payload.(models.StreamDelta)
		if !ok {
			return nil, false, false
		}
		frameType = FrameAgentStream
		payload = map[string]any{"runId": evt.RunID, "sessionKey": evt.SessionKey, "text": delta.Text}
	case models.TopicAgentToolCall:
		frameType, payload, critical = FrameToolCall, evt.Payload, true
	case models.TopicAgentToolRes:
		frameType, payload, critical = FrameToolResult, evt.Payload, true
	case models.TopicOutbound:
		out, ok := evt.Payload.(models.Outbound)
		if !ok {
			return nil, false, false
		}
		frameType = FrameAgentResponse
		payload = map[string]any{"runId": evt.RunID, "sessionKey": out.SessionKey, "channel": out.Channel, "text": out.Text}
		critical = true
	case models.TopicAgentDone:
		frameType, payload, critical = FrameAgentDone, map[string]any{"runId": evt.RunID, "sessionKey": evt.SessionKey}, true
	case models.TopicAgentError:
		frameType, payload, critical = FrameError, evt.Payload, true
	default:
		return nil, false, false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, false
	}
	return &Frame{Type: frameType, Payload: raw}, critical, true
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *wsHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	if h.server.metrics != nil {
		h.server.metrics.WSClients.Set(float64(count))
	}

	go client.writeLoop()
	client.readLoop()
}

func (h *wsHub) drop(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if !present {
		return
	}
	if h.server.metrics != nil {
		h.server.metrics.WSClients.Set(float64(count))
	}
	close(c.done)
	_ = c.conn.Close()
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// enqueue queues one frame. Stream deltas are dropped when the client lags;
// critical frames wait briefly, and a client that still cannot take them is
// disconnected rather than given a gap in its response stream.
func (c *wsClient) enqueue(raw []byte, critical bool) {
	if !critical {
		select {
		case c.send <- raw:
		case <-c.done:
		default:
		}
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	case <-time.After(wsCriticalWait):
		c.hub.drop(c)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.hub.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *wsClient) readLoop() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.handleFrame(data); err != nil {
			c.sendError(err.Error())
		}
	}
}

func (c *wsClient) handleFrame(raw []byte) error {
	frame, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	switch frame.Type {
	case FrameChannelMessage:
		var p struct {
			Channel    string `json:"channel"`
			SenderID   string `json:"senderId"`
			SenderName string `json:"senderName"`
			Text       string `json:"text"`
			IsGroup    bool   `json:"isGroup"`
			GroupID    string `json:"groupId"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		channel := models.ChannelType(p.Channel)
		if channel == "" {
			channel = models.ChannelWeb
		}
		c.hub.server.bus.Publish(models.Event{
			Topic: models.TopicInbound,
			RunID: uuid.NewString(),
			Payload: &models.Inbound{
				Channel:    channel,
				SenderID:   p.SenderID,
				SenderName: p.SenderName,
				Text:       p.Text,
				IsGroup:    p.IsGroup,
				GroupID:    p.GroupID,
				ReceivedAt: time.Now().UTC(),
			},
			Time: time.Now().UTC(),
		})
		return nil

	case FrameAdminReset:
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		sess, err := c.hub.server.store.Reset(context.Background(), p.SessionKey)
		if err != nil {
			return fmt.Errorf("reset %s: %w", p.SessionKey, err)
		}
		c.hub.server.bus.Publish(models.Event{
			Topic:      models.TopicSessionReset,
			SessionKey: sess.Key,
			Payload:    models.SessionEvent{Key: sess.Key, ID: sess.ID, Channel: sess.Channel},
			Time:       time.Now().UTC(),
		})
		return nil

	case FrameAdminShutdown:
		if c.hub.server.hooks.Shutdown == nil {
			return fmt.Errorf("shutdown unavailable")
		}
		c.hub.server.hooks.Shutdown()
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (c *wsClient) sendError(message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	raw, err := json.Marshal(&Frame{Type: FrameError, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(raw, true)
}
