package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskhive/realtime-gateway/internal/events"
	"github.com/taskhive/realtime-gateway/internal/stats"
	"github.com/taskhive/realtime-gateway/internal/store"
	"github.com/taskhive/realtime-gateway/internal/types"
)

// opTimeout bounds every coordination store call made on behalf of a
// single inbound operation.
const opTimeout = 5 * time.Second

const (
	ActiveConnectionsMetric = "ActiveConnections"
	ActiveRoomsMetric       = "ActiveRooms"
	EventsRoutedMetric      = "EventsRouted"
	TypingSessionsMetric    = "TypingSessions"
)

// GatewayServer accepts authenticated connections, tracks which rooms
// each connection is viewing and delivers routed domain events to the
// right connections. Membership and presence live in the shared
// coordination store; the in-process maps here are only the delivery
// index for connections owned by this instance.
type GatewayServer struct {
	log    *log.Logger
	store  store.Store
	stats  stats.StatsProvider
	typing *typingManager

	clientsLock sync.RWMutex
	clients     map[*Client]struct{}
	rooms       map[types.Room]map[*Client]struct{}
}

func NewGatewayServer(logger *log.Logger, st store.Store, su stats.StatsProvider, typingTimeout time.Duration) (*GatewayServer, error) {
	gs := &GatewayServer{
		log:     logger,
		store:   st,
		stats:   su,
		clients: make(map[*Client]struct{}),
		rooms:   make(map[types.Room]map[*Client]struct{}),
	}
	gs.typing = newTypingManager(typingTimeout, gs.onTypingExpired)

	su.RegisterMetric(ActiveConnectionsMetric)
	su.RegisterMetric(ActiveRoomsMetric)
	su.RegisterMetric(EventsRoutedMetric)
	su.RegisterMetric(TypingSessionsMetric)

	return gs, nil
}

// RegisterClient attaches a newly authenticated connection and marks the
// user's presence online. The first connection for a user fires a single
// online notification.
func (gs *GatewayServer) RegisterClient(c *Client) {
	gs.clientsLock.Lock()
	gs.clients[c] = struct{}{}
	gs.clientsLock.Unlock()

	gs.stats.Incr(ActiveConnectionsMetric)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	first, err := gs.store.Connect(ctx, c.user)
	if err != nil {
		gs.log.Printf("presence connect for %q: %v", c.user.Username, err)
		return
	}

	if first {
		gs.broadcastPresence(c.user, true, c)
	}
}

// DeregisterClient releases all room, typing and presence state held by
// the connection. Each release notifies the remaining occupants. It is
// idempotent.
func (gs *GatewayServer) DeregisterClient(c *Client) {
	gs.clientsLock.Lock()
	if _, ok := gs.clients[c]; !ok {
		gs.clientsLock.Unlock()
		return
	}
	delete(gs.clients, c)
	gs.clientsLock.Unlock()

	gs.stats.Decr(ActiveConnectionsMetric)

	for _, room := range c.joinedRooms() {
		gs.leaveRoom(c, room)
	}

	for _, taskId := range gs.typing.stopAllForUser(c.user.Id) {
		gs.stats.Decr(TypingSessionsMetric)
		gs.broadcastTyping(taskId, c.user, false, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	last, err := gs.store.Disconnect(ctx, c.user.Id)
	if err != nil {
		gs.log.Printf("presence disconnect for %q: %v", c.user.Username, err)
		return
	}

	if last {
		gs.broadcastPresence(c.user, false, c)
	}
}

func (gs *GatewayServer) handleJoin(msg *ClientMessage) {
	c := msg.client
	if msg.Join.Id == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "missing required room id"))
		return
	}
	if !msg.Join.Kind.Valid() {
		c.queueMessage(ErrBadRequest(msg.Id, "invalid room kind"))
		return
	}

	room := types.Room{Kind: msg.Join.Kind, Id: msg.Join.Id}
	member := types.Member{
		UserId:   c.user.Id,
		Username: c.user.Username,
		JoinedAt: Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// A re-join from a connection already holding the room refreshes the
	// membership TTL without recording a new connection, and must not
	// re-announce the user to the rest of the room.
	if c.inRoom(room) {
		members, err := gs.store.RefreshMember(ctx, room, member)
		if err != nil {
			gs.log.Printf("re-join %s for %q: %v", room, c.user.Username, err)
			c.queueMessage(ErrServiceUnavailable(msg.Id))
			return
		}
		c.queueMessage(NoErrOK(msg.Id, RoomSnapshot{Room: room, Members: members}))
		return
	}

	added, members, err := gs.store.AddMember(ctx, room, member)
	if err != nil {
		gs.log.Printf("join %s for %q: %v", room, c.user.Username, err)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	gs.addToRoomIndex(room, c)
	c.addRoom(room)

	// A join by a user already in the room through another connection
	// refreshes the record without re-announcing them.
	if added {
		gs.broadcastToRoom(room, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MemberJoined: &MemberChange{Room: room, Member: member},
			},
			SkipClient: c,
		})
	}

	c.queueMessage(NoErrOK(msg.Id, RoomSnapshot{Room: room, Members: members}))
}

func (gs *GatewayServer) handleLeave(msg *ClientMessage) {
	c := msg.client
	if msg.Leave.Id == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "missing required room id"))
		return
	}
	if !msg.Leave.Kind.Valid() {
		c.queueMessage(ErrBadRequest(msg.Id, "invalid room kind"))
		return
	}

	room := types.Room{Kind: msg.Leave.Kind, Id: msg.Leave.Id}
	gs.leaveRoom(c, room)
	c.queueMessage(NoErrOK(msg.Id, nil))
}

// leaveRoom removes the connection from the room's local delivery index
// and records one fewer connection with the store. The store tracks the
// user's connections in the room across all gateway instances, so only
// its verdict decides whether the membership record is gone and the
// remaining occupants are notified. Safe to call for rooms the
// connection never joined.
func (gs *GatewayServer) leaveRoom(c *Client, room types.Room) {
	if !c.inRoom(room) {
		return
	}
	c.delRoom(room)
	gs.removeFromRoomIndex(room, c)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	removed, err := gs.store.RemoveMember(ctx, room, c.user.Id)
	if err != nil {
		gs.log.Printf("leave %s for %q: %v", room, c.user.Username, err)
		return
	}

	if removed {
		gs.broadcastToRoom(room, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				MemberLeft: &MemberChange{
					Room:   room,
					Member: types.Member{UserId: c.user.Id, Username: c.user.Username},
				},
			},
			SkipClient: c,
		})
	}
}

func (gs *GatewayServer) handleTypingStart(msg *ClientMessage) {
	c := msg.client
	if msg.TypingStart.TaskId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "missing required task id"))
		return
	}

	if gs.typing.start(msg.TypingStart.TaskId, c.user, c) {
		gs.stats.Incr(TypingSessionsMetric)
	}
	gs.broadcastTyping(msg.TypingStart.TaskId, c.user, true, c)
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (gs *GatewayServer) handleTypingStop(msg *ClientMessage) {
	c := msg.client
	if msg.TypingStop.TaskId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "missing required task id"))
		return
	}

	// A stop after expiry is a no-op so the stopped-typing notification
	// fires exactly once per session.
	if gs.typing.stop(msg.TypingStop.TaskId, c.user.Id) {
		gs.stats.Decr(TypingSessionsMetric)
		gs.broadcastTyping(msg.TypingStop.TaskId, c.user, false, c)
	}
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (gs *GatewayServer) handleHeartbeat(msg *ClientMessage) {
	c := msg.client

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	cameOnline, err := gs.store.RefreshPresence(ctx, c.user)
	if err != nil {
		gs.log.Printf("heartbeat for %q: %v", c.user.Username, err)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
		return
	}

	// A heartbeat after the liveness window elapsed is a fresh
	// came-online transition and is re-announced, since other components
	// may already have recorded the user as offline.
	if cameOnline {
		gs.broadcastPresence(c.user, true, c)
	}
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (gs *GatewayServer) onTypingExpired(taskId string, user types.User, owner *Client) {
	gs.stats.Decr(TypingSessionsMetric)
	gs.broadcastTyping(taskId, user, false, owner)
}

// DeliverEvent broadcasts a routed domain event to every connection this
// instance holds in the target room. Delivery is best-effort: an empty
// room means the event is simply not delivered to anyone.
func (gs *GatewayServer) DeliverEvent(room types.Room, kind events.Kind, payload json.RawMessage) int {
	delivered := gs.broadcastToRoom(room, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event: &EventMessage{
			Room:    room,
			Kind:    kind,
			Payload: payload,
		},
	})
	gs.stats.Incr(EventsRoutedMetric)
	return delivered
}

func (gs *GatewayServer) addToRoomIndex(room types.Room, c *Client) {
	gs.clientsLock.Lock()
	defer gs.clientsLock.Unlock()

	members := gs.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		gs.rooms[room] = members
		gs.stats.Incr(ActiveRoomsMetric)
	}
	members[c] = struct{}{}
}

func (gs *GatewayServer) removeFromRoomIndex(room types.Room, c *Client) {
	gs.clientsLock.Lock()
	defer gs.clientsLock.Unlock()

	members, ok := gs.rooms[room]
	if !ok {
		return
	}
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(gs.rooms, room)
		gs.stats.Decr(ActiveRoomsMetric)
	}
}

func (gs *GatewayServer) broadcastToRoom(room types.Room, msg *ServerMessage) int {
	gs.clientsLock.RLock()
	defer gs.clientsLock.RUnlock()

	delivered := 0
	for member := range gs.rooms[room] {
		if member == msg.SkipClient {
			continue
		}
		if member.queueMessage(msg) {
			delivered++
		}
	}
	return delivered
}

func (gs *GatewayServer) broadcastPresence(user types.User, online bool, skip *Client) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{
				Online:    online,
				User:      user,
				Timestamp: Now(),
			},
		},
		SkipClient: skip,
	}

	gs.clientsLock.RLock()
	defer gs.clientsLock.RUnlock()

	for c := range gs.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (gs *GatewayServer) broadcastTyping(taskId string, user types.User, typing bool, skip *Client) {
	gs.broadcastToRoom(types.TaskRoom(taskId), &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Typing: &Typing{
				TaskId: taskId,
				User:   user,
				Typing: typing,
			},
		},
		SkipClient: skip,
	})
}

// Shutdown stops every tracked connection and waits for their cleanup to
// finish or the context to expire.
func (gs *GatewayServer) Shutdown(ctx context.Context) error {
	gs.clientsLock.RLock()
	clients := make([]*Client, 0, len(gs.clients))
	for c := range gs.clients {
		clients = append(clients, c)
	}
	gs.clientsLock.RUnlock()

	for _, c := range clients {
		c.stopClient()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		gs.clientsLock.RLock()
		remaining := len(gs.clients)
		gs.clientsLock.RUnlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
