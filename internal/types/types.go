package types

import (
	"fmt"
	"time"
)

// User is the display identity attached to a connection after the
// authentication handshake.
type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

// RoomKind distinguishes the two logical broadcast groups.
type RoomKind string

const (
	RoomKindProject RoomKind = "project"
	RoomKindTask    RoomKind = "task"
)

func (k RoomKind) Valid() bool {
	return k == RoomKindProject || k == RoomKindTask
}

// Room identifies a logical broadcast group by kind and id.
type Room struct {
	Kind RoomKind `json:"kind"`
	Id   string   `json:"id"`
}

func ProjectRoom(id string) Room { return Room{Kind: RoomKindProject, Id: id} }
func TaskRoom(id string) Room    { return Room{Kind: RoomKindTask, Id: id} }

// Key returns the room's coordination store key, e.g. "room:project:p1".
func (r Room) Key() string {
	return fmt.Sprintf("room:%s:%s", r.Kind, r.Id)
}

// ConnsKey returns the store key of the room's per-user connection
// counters, e.g. "room:project:p1:conns".
func (r Room) ConnsKey() string {
	return r.Key() + ":conns"
}

func (r Room) String() string {
	return string(r.Kind) + "/" + r.Id
}

// Member is one user's membership record in a room.
type Member struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceRecord is the liveness record for a user. Absence of the
// record in the store is synonymous with offline.
type PresenceRecord struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}
