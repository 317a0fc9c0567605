package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/taskhive/realtime-gateway/internal/types"
)

// RedisStore implements Store on a Redis backend. Presence is a pair of
// keys per user (a JSON record with the liveness TTL and a connection
// refcount); room membership is one hash per room whose key carries a
// refreshed bounded lifetime.
type RedisStore struct {
	client        *redis.Client
	presenceTTL   time.Duration
	membershipTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis at the given URL and verifies the
// connection with a ping.
func NewRedisStore(url string, presenceTTL, membershipTTL time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisStore{
		client:        c,
		presenceTTL:   presenceTTL,
		membershipTTL: membershipTTL,
	}, nil
}

func presenceKey(userId string) string { return "presence:user:" + userId }
func connsKey(userId string) string    { return "presence:conns:" + userId }

func (s *RedisStore) Connect(ctx context.Context, user types.User) (bool, error) {
	count, err := s.client.Incr(ctx, connsKey(user.Id)).Result()
	if err != nil {
		return false, fmt.Errorf("incr conns: %w", err)
	}
	if err := s.client.Expire(ctx, connsKey(user.Id), s.presenceTTL).Err(); err != nil {
		return false, fmt.Errorf("expire conns: %w", err)
	}

	if err := s.writePresence(ctx, user); err != nil {
		return false, err
	}

	return count == 1, nil
}

func (s *RedisStore) Disconnect(ctx context.Context, userId string) (bool, error) {
	count, err := s.client.Decr(ctx, connsKey(userId)).Result()
	if err != nil {
		return false, fmt.Errorf("decr conns: %w", err)
	}

	if count > 0 {
		return false, nil
	}

	// The refcount key may have gone negative if a late cleanup raced an
	// explicit disconnect; delete it either way so state converges.
	if err := s.client.Del(ctx, connsKey(userId), presenceKey(userId)).Err(); err != nil {
		return false, fmt.Errorf("del presence: %w", err)
	}

	return count == 0, nil
}

func (s *RedisStore) RefreshPresence(ctx context.Context, user types.User) (bool, error) {
	rec := types.PresenceRecord{
		UserId:   user.Id,
		Username: user.Username,
		LastSeen: time.Now().UTC(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal presence: %w", err)
	}

	// SET with GET returns the previous value in one atomic step, so a
	// heartbeat arriving after TTL expiry observes the record absent and
	// is reported as a fresh came-online transition.
	prev := s.client.SetArgs(ctx, presenceKey(user.Id), val, redis.SetArgs{
		TTL: s.presenceTTL,
		Get: true,
	})
	cameOnline := false
	if err := prev.Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("set presence: %w", err)
		}
		cameOnline = true
	}

	if cameOnline {
		// The refcount expired with the record; this connection is the
		// only one known to be alive again.
		if err := s.client.Set(ctx, connsKey(user.Id), 1, s.presenceTTL).Err(); err != nil {
			return false, fmt.Errorf("reset conns: %w", err)
		}
	} else if err := s.client.Expire(ctx, connsKey(user.Id), s.presenceTTL).Err(); err != nil {
		return false, fmt.Errorf("expire conns: %w", err)
	}

	return cameOnline, nil
}

func (s *RedisStore) GetPresence(ctx context.Context, userId string) (*types.PresenceRecord, error) {
	val, err := s.client.Get(ctx, presenceKey(userId)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}

	var rec types.PresenceRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal presence: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) writePresence(ctx context.Context, user types.User) error {
	rec := types.PresenceRecord{
		UserId:   user.Id,
		Username: user.Username,
		LastSeen: time.Now().UTC(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presenceKey(user.Id), val, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

func (s *RedisStore) AddMember(ctx context.Context, room types.Room, member types.Member) (bool, []types.Member, error) {
	if err := s.client.HIncrBy(ctx, room.ConnsKey(), member.UserId, 1).Err(); err != nil {
		return false, nil, fmt.Errorf("incr room conns: %w", err)
	}

	val, err := json.Marshal(member)
	if err != nil {
		return false, nil, fmt.Errorf("marshal member: %w", err)
	}

	// HSET reports the number of newly created fields, which makes
	// joins by a user's further connections observable without a prior
	// read.
	created, err := s.client.HSet(ctx, room.Key(), member.UserId, val).Result()
	if err != nil {
		return false, nil, fmt.Errorf("hset member: %w", err)
	}

	if err := s.expireRoom(ctx, room); err != nil {
		return false, nil, err
	}

	members, err := s.Members(ctx, room)
	if err != nil {
		return false, nil, err
	}

	return created == 1, members, nil
}

func (s *RedisStore) RefreshMember(ctx context.Context, room types.Room, member types.Member) ([]types.Member, error) {
	val, err := json.Marshal(member)
	if err != nil {
		return nil, fmt.Errorf("marshal member: %w", err)
	}

	if err := s.client.HSet(ctx, room.Key(), member.UserId, val).Err(); err != nil {
		return nil, fmt.Errorf("hset member: %w", err)
	}

	if err := s.expireRoom(ctx, room); err != nil {
		return nil, err
	}

	return s.Members(ctx, room)
}

func (s *RedisStore) RemoveMember(ctx context.Context, room types.Room, userId string) (bool, error) {
	// The counter tracks the user's live connections in the room across
	// every gateway instance; the membership record survives until it
	// reaches zero.
	count, err := s.client.HIncrBy(ctx, room.ConnsKey(), userId, -1).Result()
	if err != nil {
		return false, fmt.Errorf("decr room conns: %w", err)
	}

	if count > 0 {
		return false, nil
	}

	// The counter may have gone negative if a late cleanup raced an
	// explicit leave; clear it either way so state converges.
	if err := s.client.HDel(ctx, room.ConnsKey(), userId).Err(); err != nil {
		return false, fmt.Errorf("del room conns: %w", err)
	}

	removed, err := s.client.HDel(ctx, room.Key(), userId).Result()
	if err != nil {
		return false, fmt.Errorf("hdel member: %w", err)
	}
	return removed == 1, nil
}

func (s *RedisStore) expireRoom(ctx context.Context, room types.Room) error {
	if err := s.client.Expire(ctx, room.Key(), s.membershipTTL).Err(); err != nil {
		return fmt.Errorf("expire room: %w", err)
	}
	if err := s.client.Expire(ctx, room.ConnsKey(), s.membershipTTL).Err(); err != nil {
		return fmt.Errorf("expire room conns: %w", err)
	}
	return nil
}

func (s *RedisStore) Members(ctx context.Context, room types.Room) ([]types.Member, error) {
	fields, err := s.client.HGetAll(ctx, room.Key()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall room: %w", err)
	}

	members := make([]types.Member, 0, len(fields))
	for userId, val := range fields {
		var m types.Member
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			return nil, fmt.Errorf("unmarshal member %q: %w", userId, err)
		}
		members = append(members, m)
	}
	return members, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
