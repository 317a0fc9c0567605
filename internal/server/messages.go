package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/taskhive/realtime-gateway/internal/events"
	"github.com/taskhive/realtime-gateway/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one inbound operation from a connection. Exactly one
// of the operation fields is set.
type ClientMessage struct {
	BaseMessage
	Join        *Join        `json:"join,omitempty"`
	Leave       *Leave       `json:"leave,omitempty"`
	TypingStart *TypingStart `json:"typing_start,omitempty"`
	TypingStop  *TypingStop  `json:"typing_stop,omitempty"`
	Heartbeat   *Heartbeat   `json:"heartbeat,omitempty"`
	client      *Client
}

type Join struct {
	Kind types.RoomKind `json:"kind"`
	Id   string         `json:"id"`
}

type Leave struct {
	Kind types.RoomKind `json:"kind"`
	Id   string         `json:"id"`
}

type TypingStart struct {
	TaskId string `json:"task_id"`
}

type TypingStop struct {
	TaskId string `json:"task_id"`
}

type Heartbeat struct{}

// ServerMessage is one outbound frame to a connection.
type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Event        *EventMessage `json:"event,omitempty"`
	SkipClient   *Client       `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	MemberJoined *MemberChange `json:"member_joined,omitempty"`
	MemberLeft   *MemberChange `json:"member_left,omitempty"`
	Presence     *Presence     `json:"presence,omitempty"`
	Typing       *Typing       `json:"typing,omitempty"`
}

// MemberChange notifies remaining room occupants that membership changed.
type MemberChange struct {
	Room   types.Room   `json:"room"`
	Member types.Member `json:"member"`
}

type Presence struct {
	Online    bool       `json:"online"`
	User      types.User `json:"user"`
	Timestamp time.Time  `json:"timestamp"`
}

type Typing struct {
	TaskId string     `json:"task_id"`
	User   types.User `json:"user"`
	Typing bool       `json:"typing"`
}

// EventMessage is a routed domain event. The payload is forwarded
// unmodified; only the room-routing metadata is added.
type EventMessage struct {
	Room    types.Room      `json:"room"`
	Kind    events.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// RoomSnapshot is returned to a joiner with the full current member list.
type RoomSnapshot struct {
	Room    types.Room     `json:"room"`
	Members []types.Member `json:"members"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        reason,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
