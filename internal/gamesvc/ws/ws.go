package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/stoneplay/stone-services/internal/comm"
	"github.com/stoneplay/stone-services/internal/gamesvc/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Hub upgrades websocket connections and routes client messages into the
// session manager. Fan-out back to clients goes through the manager's
// per-game registries; the hub itself keeps no game state.
type Hub struct {
	upgrader websocket.Upgrader
	manager  *session.Manager
}

func NewHub(manager *session.Manager) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		manager: manager,
	}
}

// Client is one live websocket connection. It implements session.Conn.
type Client struct {
	userID   int64
	socketID string
	conn     *websocket.Conn
	send     chan *comm.Event
	manager  *session.Manager

	mu     sync.Mutex
	games  map[int64]bool
	closed bool
}

func (c *Client) UserID() int64 { return c.userID }

// Send enqueues an event for the write pump. A slow client's full buffer
// drops the event rather than blocking a game's critical section.
func (c *Client) Send(ev *comm.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		log.Warnf("dropping event %s for slow socket %s", ev.Type, c.socketID)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) trackGame(gameID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.games[gameID] = true
}

func (c *Client) untrackGame(gameID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.games, gameID)
}

func (c *Client) trackedGames() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.games))
	for id := range c.games {
		ids = append(ids, id)
	}
	return ids
}

// HandleWebSocket upgrades the connection. The user id comes from the
// authenticated request; the session layer re-checks membership per game.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := &Client{
		userID:   userID,
		socketID: uuid.New().String(),
		conn:     conn,
		send:     make(chan *comm.Event, sendBuffer),
		manager:  h.manager,
		games:    make(map[int64]bool),
	}

	log.Infof("New WebSocket connection established: %s (user %d)", client.socketID, userID)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		for _, gameID := range c.trackedGames() {
			c.manager.Leave(gameID, c)
		}
		c.Close()
		c.conn.Close()
		log.Infof("Closing WebSocket connection: %s", c.socketID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", c.socketID, err)
			}
			return
		}

		msg := &comm.ClientMessage{}
		if err := json.Unmarshal(raw, msg); err != nil {
			log.Errorf("Failed to unmarshal message from socket %s: %v", c.socketID, err)
			c.sendError("bad_message", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *comm.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch msg.Type {
	case comm.ClientJoinGame:
		if err := c.manager.Subscribe(ctx, msg.GameID, c); err != nil {
			c.sendError(codeFor(err), err.Error())
			return
		}
		c.trackGame(msg.GameID)

	case comm.ClientRollStone:
		if err := c.manager.RollStone(ctx, msg.GameID, c.userID); err != nil {
			// rejections go only to the initiating connection
			c.sendError(codeFor(err), err.Error())
		}

	case comm.ClientChatMessage:
		var chat comm.ChatPayload
		if err := json.Unmarshal(msg.Payload, &chat); err != nil {
			c.sendError("bad_message", "invalid chat payload")
			return
		}
		if err := c.manager.SendChatMessage(ctx, msg.GameID, c.userID, chat.Content); err != nil {
			c.sendError(codeFor(err), err.Error())
		}

	case comm.ClientLeaveGame:
		c.manager.Leave(msg.GameID, c)
		c.untrackGame(msg.GameID)

	default:
		log.Warnf("unknown event received: %s", msg.Type)
	}
}

func (c *Client) sendError(code, message string) {
	ev, err := comm.NewEvent(comm.EventError, comm.ErrorPayload{Code: code, Message: message})
	if err != nil {
		log.Errorf("unable to marshal error event: %v", err)
		return
	}
	c.Send(ev)
}

func codeFor(err error) string {
	var vErr *session.ValidationError
	var tErr *session.TurnViolationError
	switch {
	case errors.Is(err, session.ErrGameNotFound):
		return "not_found"
	case errors.As(err, &vErr):
		return "validation"
	case errors.As(err, &tErr):
		return "turn_violation"
	default:
		return "internal"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Errorf("Failed to marshal event for socket %s: %v", c.socketID, err)
				continue
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
