package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
)

const (
	clientSendBuffer  = 256
	clientBusQueue    = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	maxInboundMessage = 4096
)

// EventMessage is the JSON frame sent to /events subscribers for every
// envelope.
type EventMessage struct {
	ID            string             `json:"id"`
	Type          eventbus.EventType `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	SpanID        string             `json:"span_id,omitempty"`
	Data          any                `json:"data"`
}

func newEventMessage(env eventbus.Envelope) EventMessage {
	msg := EventMessage{
		ID:        env.ID.String(),
		Type:      env.Type(),
		Timestamp: env.Time(),
		SpanID:    env.SpanID,
		Data:      env.Event,
	}
	if env.CorrelationID != uuid.Nil {
		msg.CorrelationID = env.CorrelationID.String()
	}
	return msg
}

// eventClient is one /events connection with its own bus subscription.
type eventClient struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	send    chan []byte
	done    chan struct{}
	sub     eventbus.SubscriptionID
	dropped atomic.Uint64
	once    sync.Once
}

// parseTypes reads the comma separated ?types= filter. An empty filter
// streams everything.
func parseTypes(raw string) ([]eventbus.EventType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := eventbus.AllEventTypes()
	var out []eventbus.EventType
	for _, part := range strings.Split(raw, ",") {
		typ := eventbus.EventType(strings.TrimSpace(part))
		if typ == "" {
			continue
		}
		if !slices.Contains(known, typ) {
			return nil, fmt.Errorf("unknown event type %q", typ)
		}
		if !slices.Contains(out, typ) {
			out = append(out, typ)
		}
	}
	return out, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &eventClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
	}

	client.sub = s.bus.Subscribe(types, client.deliver,
		eventbus.WithQueueDepth(clientBusQueue), eventbus.WithName("server.events."+client.id))

	s.clientsMu.Lock()
	if s.closing {
		s.clientsMu.Unlock()
		s.bus.Unsubscribe(context.Background(), client.sub)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.clientsWG.Add(2)
	s.clientsMu.Unlock()

	s.logger.Debug("event stream connected",
		zap.String("client", client.id), zap.Int("types", len(types)))

	go client.writePump()
	go client.readPump()
}

// deliver runs on the subscription queue. Slow clients lose frames rather
// than holding the queue.
func (c *eventClient) deliver(_ context.Context, env eventbus.Envelope) {
	payload, err := json.Marshal(newEventMessage(env))
	if err != nil {
		c.server.logger.Warn("failed to encode event", zap.String("type", string(env.Type())), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.dropped.Add(1)
	}
}

func (c *eventClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		c.conn.Close()
		c.server.bus.Unsubscribe(context.Background(), c.sub)

		c.server.clientsMu.Lock()
		delete(c.server.clients, c)
		c.server.clientsMu.Unlock()

		if n := c.dropped.Load(); n > 0 {
			c.server.logger.Info("event stream dropped frames",
				zap.String("client", c.id), zap.Uint64("dropped", n))
		}
		c.server.logger.Debug("event stream disconnected", zap.String("client", c.id))
	})
}

// readPump only services control frames; clients have nothing to say.
func (c *eventClient) readPump() {
	defer c.server.clientsWG.Done()
	defer c.close()

	c.conn.SetReadLimit(maxInboundMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("event stream read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	defer c.server.clientsWG.Done()
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	s.closing = true
	clients := make([]*eventClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
