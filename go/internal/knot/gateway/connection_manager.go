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
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
)

// MessageHandler receives connection lifecycle callbacks. OnMessage and
// OnDisconnect run on the connection's read goroutine.
type MessageHandler interface {
	OnConnect(connID string)
	OnMessage(connID string, message []byte)
	OnDisconnect(connID string)
}

// ConnectionConfig holds configuration for knot websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// SendBufferSize is the per-connection outbound queue. A connection whose
	// queue is full is considered dead and closed.
	SendBufferSize int
	// QueueSize bounds events waiting to be fanned out.
	QueueSize   int
	CheckOrigin func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024, // drawing strokes are larger than chat lines
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		QueueSize:       1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// outbound is one event addressed to a set of connections.
type outbound struct {
	event   *Event
	connIDs []string
}

// client is one anonymous websocket participant.
type client struct {
	id          string
	conn        *websocket.Conn
	out         chan []byte
	connectedAt time.Time
	// gone is set under the manager lock when out is closed.
	gone bool
}

// ConnectionManager owns every knot websocket, keyed by connection id. All
// writes to a socket go through its single fan-out loop and write pump.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[string]*client

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  MessageHandler

	queue chan outbound
}

// NewConnectionManager creates a manager. SetHandler must be called before
// connections are accepted.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	defaults := DefaultConnectionConfig()
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	return &ConnectionManager{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		queue:  make(chan outbound, config.QueueSize),
	}
}

func (cm *ConnectionManager) SetHandler(h MessageHandler) {
	cm.handler = h
}

// Start fans queued events out to their connections until ctx is cancelled,
// then closes every socket.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("knot connection manager started")

	for {
		select {
		case <-ctx.Done():
			open := cm.Count()
			cm.closeAll()
			log.Info().Int("closed_connections", open).Msg("knot connection manager stopped")
			return
		case msg := <-cm.queue:
			cm.deliver(msg)
		}
	}
}

// UpgradeConnection upgrades the request, assigns a connection id and starts
// the connection's pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        ws,
		out:         make(chan []byte, cm.config.SendBufferSize),
		connectedAt: time.Now(),
	}

	cm.mu.Lock()
	cm.clients[c.id] = c
	open := len(cm.clients)
	cm.mu.Unlock()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()

	log.Info().
		Str("connection_id", c.id).
		Str("remote_addr", r.RemoteAddr).
		Int("open_connections", open).
		Msg("knot connection opened")

	// queue the greeting before the read pump can deliver any client message
	if cm.handler != nil {
		cm.handler.OnConnect(c.id)
	}

	go cm.writePump(c)
	go cm.readPump(c)
	return nil
}

// Send queues event for connIDs. It never blocks the caller; when the queue
// is full the event is dropped and counted.
func (cm *ConnectionManager) Send(event *Event, connIDs ...string) {
	if len(connIDs) == 0 {
		return
	}
	select {
	case cm.queue <- outbound{event: event, connIDs: connIDs}:
	default:
		metrics.MessagesDropped.Inc()
		log.Warn().
			Str("event_type", string(event.Type)).
			Str("room_id", event.RoomID).
			Strs("connection_ids", connIDs).
			Msg("outbound queue full, event dropped")
	}
}

// Count returns the number of open connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

func (cm *ConnectionManager) deliver(msg outbound) {
	payload, err := json.Marshal(msg.event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(msg.event.Type)).Msg("failed to encode outbound event")
		return
	}

	var stalled []*client

	// out is only closed under the write lock, so sending under the read
	// lock cannot hit a closed channel
	cm.mu.RLock()
	for _, id := range msg.connIDs {
		c, ok := cm.clients[id]
		if !ok || c.gone {
			continue
		}
		select {
		case c.out <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	cm.mu.RUnlock()

	// the read pump of a stalled client runs its disconnect path
	for _, c := range stalled {
		metrics.MessagesDropped.Inc()
		log.Warn().
			Str("connection_id", c.id).
			Str("event_type", string(msg.event.Type)).
			Msg("client send queue full, closing connection")
		cm.remove(c)
		c.conn.Close()
	}
}

// remove drops c from the registry and closes its outbound queue. It reports
// whether this call did the removal.
func (cm *ConnectionManager) remove(c *client) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cur, ok := cm.clients[c.id]; !ok || cur != c {
		return false
	}
	delete(cm.clients, c.id)
	c.gone = true
	close(c.out)
	metrics.ActiveConnections.Dec()
	return true
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	open := make([]*client, 0, len(cm.clients))
	for _, c := range cm.clients {
		open = append(open, c)
	}
	cm.mu.RUnlock()

	for _, c := range open {
		c.conn.Close()
	}
}

// writePump is the only writer of c.conn. It exits when c.out is closed or
// a write fails.
func (cm *ConnectionManager) writePump(c *client) {
	ping := time.NewTicker(cm.config.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("websocket write failed")
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("websocket ping failed")
				return
			}
		}
	}
}

// readPump hands every client frame to the handler and runs the disconnect
// path exactly once when the socket closes for any reason.
func (cm *ConnectionManager) readPump(c *client) {
	defer func() {
		cm.remove(c)
		c.conn.Close()
		log.Info().
			Str("connection_id", c.id).
			Dur("connected_for", time.Since(c.connectedAt)).
			Msg("knot connection closed")
		if cm.handler != nil {
			cm.handler.OnDisconnect(c.id)
		}
	}()

	extend := func() {
		_ = c.conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
	}

	c.conn.SetReadLimit(cm.config.MaxMessageSize)
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("knot connection closed unexpectedly")
			}
			return
		}
		extend()
		if cm.handler != nil {
			cm.handler.OnMessage(c.id, frame)
		}
	}
}
