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
)

// Kind is the screen on the other end of a connection
type Kind string

const (
	KindDisplay Kind = "display"
	KindPlayer  Kind = "player"
)

// ConnectionManager manages websocket connections grouped by game
type ConnectionManager struct {
	games map[string]map[*Connection]bool
	mu    sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection is one websocket client
type Connection struct {
	ID      string
	GameID  string
	Kind    Kind
	Player  string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	onMessage func(*Connection, []byte)
	onClose   func()
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a message for every connection of one kind in a game
type BroadcastMessage struct {
	GameID  string
	Kind    Kind
	Message *Message
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// screens are served from anywhere on the venue network
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		games: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx is done
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Upgrade upgrades an HTTP request to a websocket connection. onMessage is
// called for every frame the client sends; onClose runs once when the
// connection goes away.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, gameID string, kind Kind, player string, onMessage func(*Connection, []byte)) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		GameID:      gameID,
		Kind:        kind,
		Player:      player,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		onMessage:   onMessage,
	}
	cm.registerConnection(c)

	log.Info().
		Str("connection_id", c.ID).
		Str("game_id", gameID).
		Str("kind", string(kind)).
		Str("player", player).
		Msg("websocket connection established")
	return c, nil
}

// Serve starts the connection pumps. onClose is set before any frame is read.
func (c *Connection) Serve(onClose func()) {
	c.onClose = onClose
	go c.writePump()
	go c.readPump()
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.games[conn.GameID] == nil {
		cm.games[conn.GameID] = make(map[*Connection]bool)
	}
	cm.games[conn.GameID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("game_id", conn.GameID).
		Int("total_connections", len(cm.games[conn.GameID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.games[conn.GameID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(cm.games, conn.GameID)
	}
	cm.mu.Unlock()

	if conn.onClose != nil {
		conn.onClose()
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("game_id", conn.GameID).
		Str("player", conn.Player).
		Msg("connection unregistered")
}

// Broadcast queues msg for every connection of kind in game
func (cm *ConnectionManager) Broadcast(gameID string, kind Kind, msg *Message) {
	select {
	case cm.broadcastCh <- BroadcastMessage{GameID: gameID, Kind: kind, Message: msg}:
	default:
		log.Warn().Str("game_id", gameID).Msg("broadcast channel full, dropping message")
	}
}

// SendTo writes msg to a single connection without blocking
func (cm *ConnectionManager) SendTo(conn *Connection, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	cm.deliver(conn, data)
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.games[message.GameID] {
		if message.Kind != "" && conn.Kind != message.Kind {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(message.Message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}
	for _, conn := range targets {
		cm.deliver(conn, data)
	}

	log.Debug().
		Str("type", string(message.Message.Type)).
		Str("game_id", message.GameID).
		Int("connections", len(targets)).
		Msg("message broadcasted")
}

// deliver drops a connection whose send buffer is full
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.games[conn.GameID][conn] {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().
			Str("connection_id", conn.ID).
			Str("player", conn.Player).
			Msg("connection send buffer full, closing connection")
		go func() {
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}()
	}
}

// Stats counts active connections
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Displays         int            `json:"displays"`
	Players          int            `json:"players"`
	Games            map[string]int `json:"games"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	st := Stats{Games: make(map[string]int)}
	for gameID, connections := range cm.games {
		st.Games[gameID] = len(connections)
		st.TotalConnections += len(connections)
		for conn := range connections {
			if conn.Kind == KindDisplay {
				st.Displays++
			} else {
				st.Players++
			}
		}
	}
	return st
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			break
		}
		if c.onMessage != nil {
			c.onMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
