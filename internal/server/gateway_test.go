package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/taskhive/realtime-gateway/internal/events"
	"github.com/taskhive/realtime-gateway/internal/stats"
	"github.com/taskhive/realtime-gateway/internal/store"
	"github.com/taskhive/realtime-gateway/internal/testutil"
	"github.com/taskhive/realtime-gateway/internal/types"
)

// newTestGatewayServer creates a GatewayServer for testing purposes.
func newTestGatewayServer(t *testing.T, st store.Store, su *stats.MockStatsUpdater) *GatewayServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	gs, err := NewGatewayServer(testutil.TestLogger(t), st, su, time.Minute)
	if err != nil {
		t.Fatalf("failed to create test GatewayServer: %v", err)
	}
	return gs
}

// newTestClient creates a client without a live socket, attached to the
// gateway's local index directly.
func newTestClient(t *testing.T, gs *GatewayServer, user types.User) *Client {
	c := NewClient(user, nil, gs, testutil.TestLogger(t))
	gs.clientsLock.Lock()
	gs.clients[c] = struct{}{}
	gs.clientsLock.Unlock()
	return c
}

func drainOne(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout: expected a message for client")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no message for client, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewGatewayServer(t *testing.T) {
	st := &store.MockStore{}
	defer st.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	logger := testutil.TestLogger(t)
	gs, err := NewGatewayServer(logger, st, su, time.Minute)
	assert.NoError(t, err, "expected no error creating GatewayServer")
	assert.NotNil(t, gs, "expected GatewayServer to be non-nil")
	assert.Equal(t, logger, gs.log, "expected logger to be set")
	assert.Equal(t, st, gs.store, "expected store to be set")
	assert.NotNil(t, gs.clients, "expected clients map to be initialized")
	assert.NotNil(t, gs.rooms, "expected rooms index to be initialized")
	assert.NotNil(t, gs.typing, "expected typing manager to be initialized")
}

func Test_RegisterClient(t *testing.T) {
	t.Run("first connection broadcasts online", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}
		observer := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})

		su.On("Incr", ActiveConnectionsMetric).Return().Once()
		st.On("Connect", mock.Anything, alice).Return(true, nil).Once()

		c := NewClient(alice, nil, gs, testutil.TestLogger(t))
		gs.RegisterClient(c)

		msg := drainOne(t, observer)
		assert.NotNil(t, msg.Notification, "expected a notification")
		assert.NotNil(t, msg.Notification.Presence, "expected a presence notification")
		assert.True(t, msg.Notification.Presence.Online, "expected online presence")
		assert.Equal(t, alice, msg.Notification.Presence.User, "expected alice's identity")

		assertNoMessage(t, c)

		st.AssertExpectations(t)
		su.AssertExpectations(t)
	})

	t.Run("second connection is silent", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}
		observer := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})

		su.On("Incr", ActiveConnectionsMetric).Return().Once()
		st.On("Connect", mock.Anything, alice).Return(false, nil).Once()

		c := NewClient(alice, nil, gs, testutil.TestLogger(t))
		gs.RegisterClient(c)

		assertNoMessage(t, observer)
		st.AssertExpectations(t)
	})

	t.Run("store error keeps the connection", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}

		su.On("Incr", ActiveConnectionsMetric).Return().Once()
		st.On("Connect", mock.Anything, alice).Return(false, errors.New("store down")).Once()

		c := NewClient(alice, nil, gs, testutil.TestLogger(t))
		gs.RegisterClient(c)

		gs.clientsLock.RLock()
		_, tracked := gs.clients[c]
		gs.clientsLock.RUnlock()
		assert.True(t, tracked, "expected connection to remain tracked despite store failure")
	})
}

func Test_handleJoin(t *testing.T) {
	room := types.ProjectRoom("p1")

	t.Run("missing room id", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		c := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{Kind: types.RoomKindProject},
			client:      c,
		})

		msg := drainOne(t, c)
		assert.NotNil(t, msg.Response, "expected an error response")
		assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode, "expected bad request")
		assert.Equal(t, "missing required room id", msg.Response.Error, "expected reason in error")
		st.AssertExpectations(t)
	})

	t.Run("invalid room kind", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		c := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{Kind: "workspace", Id: "w1"},
			client:      c,
		})

		msg := drainOne(t, c)
		assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode, "expected bad request")
	})

	t.Run("store failure", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		c := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		st.On("AddMember", mock.Anything, room, mock.Anything).
			Return(false, nil, errors.New("store down")).Once()

		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{Kind: types.RoomKindProject, Id: "p1"},
			client:      c,
		})

		msg := drainOne(t, c)
		assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode, "expected service unavailable")
		assert.False(t, c.inRoom(room), "expected no local membership on store failure")
		st.AssertExpectations(t)
	})

	t.Run("new member gets snapshot, others get one notification", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()

		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(room, bob)
		bob.addRoom(room)

		alice := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})

		members := []types.Member{
			{UserId: "u2", Username: "bob"},
			{UserId: "u1", Username: "alice"},
		}
		st.On("AddMember", mock.Anything, room, mock.Anything).
			Return(true, members, nil).Once()

		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 7},
			Join:        &Join{Kind: types.RoomKindProject, Id: "p1"},
			client:      alice,
		})

		// joiner receives the snapshot
		msg := drainOne(t, alice)
		assert.NotNil(t, msg.Response, "expected snapshot response")
		assert.Equal(t, 7, msg.Id, "expected response id to match request")
		snapshot, ok := msg.Response.Data.(RoomSnapshot)
		assert.True(t, ok, "expected RoomSnapshot data")
		assert.Equal(t, room, snapshot.Room, "expected snapshot room to match")
		assert.Len(t, snapshot.Members, 2, "expected full member list")

		// the other occupant receives exactly one member-joined
		msg = drainOne(t, bob)
		assert.NotNil(t, msg.Notification, "expected notification for bob")
		assert.NotNil(t, msg.Notification.MemberJoined, "expected member-joined notification")
		assert.Equal(t, "u1", msg.Notification.MemberJoined.Member.UserId, "expected alice's id")
		assertNoMessage(t, bob)

		assert.True(t, alice.inRoom(room), "expected alice's local membership")
		st.AssertExpectations(t)
	})

	t.Run("same-connection re-join refreshes without a new notification", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()

		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(room, bob)
		bob.addRoom(room)

		alice := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.addToRoomIndex(room, alice)
		alice.addRoom(room)

		members := []types.Member{
			{UserId: "u2", Username: "bob"},
			{UserId: "u1", Username: "alice"},
		}
		st.On("RefreshMember", mock.Anything, room, mock.Anything).
			Return(members, nil).Once()

		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 8},
			Join:        &Join{Kind: types.RoomKindProject, Id: "p1"},
			client:      alice,
		})

		msg := drainOne(t, alice)
		assert.NotNil(t, msg.Response, "expected fresh snapshot for re-join")

		assertNoMessage(t, bob)
		st.AssertExpectations(t)
	})

	t.Run("second connection of a member emits no duplicate notification", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()

		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(room, bob)
		bob.addRoom(room)

		alice := types.User{Id: "u1", Username: "alice"}
		tab1 := newTestClient(t, gs, alice)
		gs.addToRoomIndex(room, tab1)
		tab1.addRoom(room)

		tab2 := newTestClient(t, gs, alice)

		members := []types.Member{
			{UserId: "u2", Username: "bob"},
			{UserId: "u1", Username: "alice"},
		}
		st.On("AddMember", mock.Anything, room, mock.Anything).
			Return(false, members, nil).Once()

		gs.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 9},
			Join:        &Join{Kind: types.RoomKindProject, Id: "p1"},
			client:      tab2,
		})

		msg := drainOne(t, tab2)
		assert.NotNil(t, msg.Response, "expected snapshot for the second connection")

		assertNoMessage(t, bob)
		st.AssertExpectations(t)
	})
}

func Test_handleLeave(t *testing.T) {
	room := types.ProjectRoom("p1")

	t.Run("leaving an unjoined room is a no-op", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		c := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Leave:       &Leave{Kind: types.RoomKindProject, Id: "p1"},
			client:      c,
		})

		msg := drainOne(t, c)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected OK for idempotent leave")
		st.AssertExpectations(t)
	})

	t.Run("last connection removes membership and notifies", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()
		su.On("Decr", ActiveRoomsMetric).Return()

		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(room, bob)
		bob.addRoom(room)

		alice := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.addToRoomIndex(room, alice)
		alice.addRoom(room)

		st.On("RemoveMember", mock.Anything, room, "u1").Return(true, nil).Once()

		gs.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			Leave:       &Leave{Kind: types.RoomKindProject, Id: "p1"},
			client:      alice,
		})

		msg := drainOne(t, alice)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected OK response")
		assert.False(t, alice.inRoom(room), "expected local membership removed")

		msg = drainOne(t, bob)
		assert.NotNil(t, msg.Notification.MemberLeft, "expected member-left notification")
		assert.Equal(t, "u1", msg.Notification.MemberLeft.Member.UserId, "expected alice's id")
		assertNoMessage(t, bob)

		st.AssertExpectations(t)
	})

	t.Run("store verdict decides whether membership is gone", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()
		su.On("Decr", ActiveRoomsMetric).Return()

		alice := types.User{Id: "u1", Username: "alice"}
		tab1 := newTestClient(t, gs, alice)
		gs.addToRoomIndex(room, tab1)
		tab1.addRoom(room)

		tab2 := newTestClient(t, gs, alice)
		gs.addToRoomIndex(room, tab2)
		tab2.addRoom(room)

		// the store is always consulted; connections elsewhere, on this
		// instance or another, keep the shared record alive
		st.On("RemoveMember", mock.Anything, room, "u1").Return(false, nil).Once()
		gs.leaveRoom(tab1, room)

		assert.False(t, tab1.inRoom(room), "expected tab1's local membership removed")
		assert.True(t, tab2.inRoom(room), "expected tab2's local membership intact")
		assertNoMessage(t, tab2)

		st.On("RemoveMember", mock.Anything, room, "u1").Return(true, nil).Once()
		gs.leaveRoom(tab2, room)

		st.AssertExpectations(t)
	})
}

func Test_handleHeartbeat(t *testing.T) {
	t.Run("silent refresh", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}
		observer := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		c := newTestClient(t, gs, alice)

		st.On("RefreshPresence", mock.Anything, alice).Return(false, nil).Once()

		gs.handleHeartbeat(&ClientMessage{BaseMessage: BaseMessage{Id: 3}, Heartbeat: &Heartbeat{}, client: c})

		msg := drainOne(t, c)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode, "expected OK response")
		assertNoMessage(t, observer)
		st.AssertExpectations(t)
	})

	t.Run("heartbeat after expiry re-fires online", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}
		observer := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		c := newTestClient(t, gs, alice)

		st.On("RefreshPresence", mock.Anything, alice).Return(true, nil).Once()

		gs.handleHeartbeat(&ClientMessage{BaseMessage: BaseMessage{Id: 4}, Heartbeat: &Heartbeat{}, client: c})

		msg := drainOne(t, observer)
		assert.NotNil(t, msg.Notification.Presence, "expected presence notification")
		assert.True(t, msg.Notification.Presence.Online, "expected online transition to be re-broadcast")
		assertNoMessage(t, observer)
		st.AssertExpectations(t)
	})

	t.Run("store failure", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		alice := types.User{Id: "u1", Username: "alice"}
		c := newTestClient(t, gs, alice)

		st.On("RefreshPresence", mock.Anything, alice).Return(false, errors.New("store down")).Once()

		gs.handleHeartbeat(&ClientMessage{BaseMessage: BaseMessage{Id: 5}, Heartbeat: &Heartbeat{}, client: c})

		msg := drainOne(t, c)
		assert.Equal(t, http.StatusServiceUnavailable, msg.Response.ResponseCode, "expected service unavailable")
	})
}

func Test_handleTyping(t *testing.T) {
	taskRoom := types.TaskRoom("t1")

	setup := func(t *testing.T) (*GatewayServer, *Client, *Client, *store.MockStore, *stats.MockStatsUpdater) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", ActiveRoomsMetric).Return()
		su.On("Incr", TypingSessionsMetric).Return()
		su.On("Decr", TypingSessionsMetric).Return()

		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(taskRoom, bob)
		bob.addRoom(taskRoom)

		alice := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
		gs.addToRoomIndex(taskRoom, alice)
		alice.addRoom(taskRoom)

		return gs, alice, bob, st, su
	}

	t.Run("start broadcasts excluding sender", func(t *testing.T) {
		gs, alice, bob, _, _ := setup(t)

		gs.handleTypingStart(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			TypingStart: &TypingStart{TaskId: "t1"},
			client:      alice,
		})

		msg := drainOne(t, bob)
		assert.NotNil(t, msg.Notification.Typing, "expected typing notification")
		assert.True(t, msg.Notification.Typing.Typing, "expected typing=true")
		assert.Equal(t, "t1", msg.Notification.Typing.TaskId, "expected task id")
		assert.Equal(t, "u1", msg.Notification.Typing.User.Id, "expected alice as typist")

		msg = drainOne(t, alice)
		assert.NotNil(t, msg.Response, "expected only the op response for the sender")
		assertNoMessage(t, alice)
	})

	t.Run("stop broadcasts exactly once", func(t *testing.T) {
		gs, alice, bob, _, _ := setup(t)

		gs.handleTypingStart(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			TypingStart: &TypingStart{TaskId: "t1"},
			client:      alice,
		})
		drainOne(t, bob)   // typing=true
		drainOne(t, alice) // op response

		gs.handleTypingStop(&ClientMessage{
			BaseMessage: BaseMessage{Id: 2},
			TypingStop:  &TypingStop{TaskId: "t1"},
			client:      alice,
		})

		msg := drainOne(t, bob)
		assert.False(t, msg.Notification.Typing.Typing, "expected typing=false")
		drainOne(t, alice) // op response

		// a second stop changes nothing
		gs.handleTypingStop(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3},
			TypingStop:  &TypingStop{TaskId: "t1"},
			client:      alice,
		})
		drainOne(t, alice) // op response
		assertNoMessage(t, bob)
	})

	t.Run("missing task id", func(t *testing.T) {
		gs, alice, bob, _, _ := setup(t)

		gs.handleTypingStart(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			TypingStart: &TypingStart{},
			client:      alice,
		})

		msg := drainOne(t, alice)
		assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode, "expected bad request")
		assert.Equal(t, "missing required task id", msg.Response.Error, "expected reason")
		assertNoMessage(t, bob)
	})
}

func Test_typingExpiryBroadcast(t *testing.T) {
	st := &store.MockStore{}
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(4)
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()

	gs, err := NewGatewayServer(testutil.TestLogger(t), st, su, 30*time.Millisecond)
	assert.NoError(t, err, "expected no error creating GatewayServer")

	taskRoom := types.TaskRoom("t1")
	bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
	gs.addToRoomIndex(taskRoom, bob)
	bob.addRoom(taskRoom)

	alice := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
	gs.addToRoomIndex(taskRoom, alice)
	alice.addRoom(taskRoom)

	gs.handleTypingStart(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		TypingStart: &TypingStart{TaskId: "t1"},
		client:      alice,
	})
	drainOne(t, alice) // op response
	msg := drainOne(t, bob)
	assert.True(t, msg.Notification.Typing.Typing, "expected typing=true first")

	// wait past the expiry window with no stop or repeat start
	select {
	case msg = <-bob.send:
	case <-time.After(time.Second):
		t.Fatal("timeout: expected stopped-typing notification on expiry")
	}
	assert.NotNil(t, msg.Notification.Typing, "expected typing notification on expiry")
	assert.False(t, msg.Notification.Typing.Typing, "expected typing=false on expiry")
	assertNoMessage(t, bob)
}

func Test_DeregisterClient(t *testing.T) {
	room := types.ProjectRoom("p1")
	taskRoom := types.TaskRoom("t1")

	t.Run("releases rooms, typing and presence", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Incr", mock.Anything).Return()
		su.On("Decr", mock.Anything).Return()

		alice := types.User{Id: "u1", Username: "alice"}
		bob := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		gs.addToRoomIndex(room, bob)
		bob.addRoom(room)
		gs.addToRoomIndex(taskRoom, bob)
		bob.addRoom(taskRoom)

		c := newTestClient(t, gs, alice)
		gs.addToRoomIndex(room, c)
		c.addRoom(room)
		gs.typing.start("t1", alice, c)

		st.On("RemoveMember", mock.Anything, room, "u1").Return(true, nil).Once()
		st.On("Disconnect", mock.Anything, "u1").Return(true, nil).Once()

		gs.DeregisterClient(c)

		var gotMemberLeft, gotStoppedTyping, gotOffline bool
		for i := 0; i < 3; i++ {
			msg := drainOne(t, bob)
			switch {
			case msg.Notification.MemberLeft != nil:
				gotMemberLeft = true
			case msg.Notification.Typing != nil:
				assert.False(t, msg.Notification.Typing.Typing, "expected stopped typing")
				gotStoppedTyping = true
			case msg.Notification.Presence != nil:
				assert.False(t, msg.Notification.Presence.Online, "expected offline")
				gotOffline = true
			}
		}
		assert.True(t, gotMemberLeft, "expected member-left notification")
		assert.True(t, gotStoppedTyping, "expected stopped-typing notification")
		assert.True(t, gotOffline, "expected offline notification")
		assertNoMessage(t, bob)

		st.AssertExpectations(t)
	})

	t.Run("idempotent", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Decr", ActiveConnectionsMetric).Return().Once()

		alice := types.User{Id: "u1", Username: "alice"}
		c := newTestClient(t, gs, alice)

		st.On("Disconnect", mock.Anything, "u1").Return(true, nil).Once()

		gs.DeregisterClient(c)
		gs.DeregisterClient(c)

		st.AssertExpectations(t)
		su.AssertExpectations(t)
	})

	t.Run("not last connection stays online", func(t *testing.T) {
		st := &store.MockStore{}
		su := &stats.MockStatsUpdater{}
		gs := newTestGatewayServer(t, st, su)

		su.On("Decr", ActiveConnectionsMetric).Return()

		alice := types.User{Id: "u1", Username: "alice"}
		observer := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})
		c := newTestClient(t, gs, alice)

		st.On("Disconnect", mock.Anything, "u1").Return(false, nil).Once()

		gs.DeregisterClient(c)

		assertNoMessage(t, observer)
		st.AssertExpectations(t)
	})
}

func Test_DeliverEvent(t *testing.T) {
	room := types.ProjectRoom("p1")

	st := &store.MockStore{}
	su := &stats.MockStatsUpdater{}
	gs := newTestGatewayServer(t, st, su)

	su.On("Incr", ActiveRoomsMetric).Return()
	su.On("Incr", EventsRoutedMetric).Return().Times(2)

	member := newTestClient(t, gs, types.User{Id: "u1", Username: "alice"})
	gs.addToRoomIndex(room, member)
	member.addRoom(room)

	outsider := newTestClient(t, gs, types.User{Id: "u2", Username: "bob"})

	payload := json.RawMessage(`{"task_id":"t1","project_id":"p1"}`)
	delivered := gs.DeliverEvent(room, events.KindTaskCreated, payload)
	assert.Equal(t, 1, delivered, "expected delivery to the single room member")

	msg := drainOne(t, member)
	assert.NotNil(t, msg.Event, "expected routed event message")
	assert.Equal(t, events.KindTaskCreated, msg.Event.Kind, "expected event kind")
	assert.Equal(t, room, msg.Event.Room, "expected routing metadata")
	assert.JSONEq(t, string(payload), string(msg.Event.Payload), "expected payload forwarded unmodified")
	assertNoMessage(t, member)

	assertNoMessage(t, outsider)

	// empty room: best-effort delivery to no one
	delivered = gs.DeliverEvent(types.ProjectRoom("p2"), events.KindTaskCreated, payload)
	assert.Zero(t, delivered, "expected no delivery for an empty room")
}

func Test_Shutdown(t *testing.T) {
	st := &store.MockStore{}
	su := &stats.MockStatsUpdater{}
	gs := newTestGatewayServer(t, st, su)

	su.On("Decr", ActiveConnectionsMetric).Return()

	alice := types.User{Id: "u1", Username: "alice"}
	c := newTestClient(t, gs, alice)

	st.On("Disconnect", mock.Anything, "u1").Return(true, nil).Once()

	// simulate the read pump reacting to the stop signal
	go func() {
		<-c.stop
		c.Cleanup()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := gs.Shutdown(ctx)
	assert.NoError(t, err, "expected clean shutdown")
}
