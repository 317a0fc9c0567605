package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskhive/realtime-gateway/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one authenticated live connection.
type Client struct {
	id      string
	conn    *websocket.Conn
	gateway *GatewayServer
	log     *log.Logger
	user    types.User

	send chan *ServerMessage

	roomsLock sync.RWMutex
	rooms     map[types.Room]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	cleanup  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, gs *GatewayServer, l *log.Logger) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		gateway: gs,
		log:     l,
		user:    user,
		send:    make(chan *ServerMessage, 256),
		rooms:   make(map[types.Room]struct{}),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.Cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		switch {
		case msg.Join != nil:
			c.gateway.handleJoin(&msg)
		case msg.Leave != nil:
			c.gateway.handleLeave(&msg)
		case msg.TypingStart != nil:
			c.gateway.handleTypingStart(&msg)
		case msg.TypingStop != nil:
			c.gateway.handleTypingStop(&msg)
		case msg.Heartbeat != nil:
			c.gateway.handleHeartbeat(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Cleanup releases all room, typing and presence state held by the
// connection. It is safe to call more than once and safe to run
// concurrently with late-arriving explicit leave or stop operations.
func (c *Client) Cleanup() {
	c.cleanup.Do(func() {
		c.gateway.DeregisterClient(c)
		c.stopClient()
	})
}

// joinedRooms returns a snapshot of the rooms the connection is in.
func (c *Client) joinedRooms() []types.Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	rooms := make([]types.Room, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (c *Client) addRoom(r types.Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r] = struct{}{}
}

func (c *Client) delRoom(r types.Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, r)
}

func (c *Client) inRoom(r types.Room) bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	_, ok := c.rooms[r]
	return ok
}
