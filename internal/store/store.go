// Package store provides the coordination store shared by all gateway
// instances. Presence and room membership live here so correctness holds
// when the gateway is horizontally scaled; nothing is kept in-process.
package store

import (
	"context"

	"github.com/taskhive/realtime-gateway/internal/types"
)

// Store is the contract for the shared coordination store. Implementations
// must be concurrency-safe, and every operation must be a single-key or
// single-hash atomic action so no client-side read-modify-write race is
// possible.
type Store interface {
	// Connect records one more live connection for the user and writes
	// the presence record with the liveness TTL. It reports whether this
	// was the user's first connection (the offline -> online transition).
	Connect(ctx context.Context, user types.User) (first bool, err error)

	// Disconnect records one fewer live connection for the user. It
	// reports whether that was the user's last connection, in which case
	// the presence record is removed (the online -> offline transition).
	// Disconnect is idempotent; extra calls report false.
	Disconnect(ctx context.Context, userId string) (last bool, err error)

	// RefreshPresence rewrites the presence record with a fresh liveness
	// TTL. It reports whether the record was absent beforehand, meaning
	// the user had implicitly expired and this heartbeat is a fresh
	// came-online transition rather than a silent refresh.
	RefreshPresence(ctx context.Context, user types.User) (cameOnline bool, err error)

	// GetPresence returns the presence record for the user, or nil if
	// the user is offline. Absence of the record is the sole source of
	// truth for offline.
	GetPresence(ctx context.Context, userId string) (*types.PresenceRecord, error)

	// AddMember records one more live connection viewing the room for
	// the user, upserts the membership record and extends the room's
	// bounded lifetime. It reports whether the record was newly created
	// and returns the current full member list.
	AddMember(ctx context.Context, room types.Room, member types.Member) (added bool, members []types.Member, err error)

	// RefreshMember rewrites the user's membership record and extends
	// the room's bounded lifetime without recording a new connection.
	// Used when a connection that already holds the room re-joins it.
	RefreshMember(ctx context.Context, room types.Room, member types.Member) ([]types.Member, error)

	// RemoveMember records one fewer live connection viewing the room
	// for the user. The membership record is deleted only when that was
	// the user's last connection in the room across all gateway
	// instances, in which case removed is true.
	RemoveMember(ctx context.Context, room types.Room, userId string) (removed bool, err error)

	// Members returns the room's current member list.
	Members(ctx context.Context, room types.Room) ([]types.Member, error)

	// Ping verifies connectivity with the store backend.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
