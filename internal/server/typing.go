package server

import (
	"sync"
	"time"

	"github.com/taskhive/realtime-gateway/internal/types"
)

// typingKey identifies the single active typing session allowed per
// (task, user) pair.
type typingKey struct {
	taskId string
	userId string
}

type typingSession struct {
	timer *time.Timer
	user  types.User
	owner *Client

	// gen is bumped on every renewal. A fired timer that lost the lock
	// race to a renewing start carries a stale generation and must not
	// act on the session.
	gen uint64
}

// typingManager tracks short-lived typing sessions with automatic expiry.
// Timers are intentionally per-process state: typing is inherently
// per-connection and short-lived, so this is the one piece of gateway
// state not held in the coordination store.
type typingManager struct {
	mu       sync.Mutex
	timeout  time.Duration
	sessions map[typingKey]*typingSession

	// expired is invoked outside the lock when a session's timer fires
	// without an explicit stop.
	expired func(taskId string, user types.User, owner *Client)
}

func newTypingManager(timeout time.Duration, expired func(taskId string, user types.User, owner *Client)) *typingManager {
	return &typingManager{
		timeout:  timeout,
		sessions: make(map[typingKey]*typingSession),
		expired:  expired,
	}
}

// start creates or supersedes the typing session for (taskId, user). A
// repeated start resets the expiry timer instead of creating a duplicate
// session. It reports whether a new session was created.
func (tm *typingManager) start(taskId string, user types.User, owner *Client) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := typingKey{taskId: taskId, userId: user.Id}
	if existing, ok := tm.sessions[key]; ok {
		existing.owner = owner
		tm.renew(key, existing)
		return false
	}

	session := &typingSession{user: user, owner: owner}
	tm.sessions[key] = session
	tm.renew(key, session)
	return true
}

// renew re-arms the session's expiry under a fresh generation, so a
// timer that already fired and is waiting on the lock cannot kill the
// renewed session. Caller holds the lock.
func (tm *typingManager) renew(key typingKey, session *typingSession) {
	if session.timer != nil {
		session.timer.Stop()
	}
	session.gen++
	gen := session.gen
	session.timer = time.AfterFunc(tm.timeout, func() {
		tm.expire(key, gen)
	})
}

// stop cancels the session for (taskId, userId). It reports whether an
// active session existed, so an explicit stop after expiry stays a no-op
// and the stopped-typing notification fires exactly once.
func (tm *typingManager) stop(taskId, userId string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := typingKey{taskId: taskId, userId: userId}
	session, ok := tm.sessions[key]
	if !ok {
		return false
	}

	session.timer.Stop()
	delete(tm.sessions, key)
	return true
}

// stopAllForUser cancels every session owned by the user and returns the
// task ids that had active sessions, so a disconnecting user is never
// shown as eternally typing.
func (tm *typingManager) stopAllForUser(userId string) []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var taskIds []string
	for key, session := range tm.sessions {
		if key.userId != userId {
			continue
		}
		session.timer.Stop()
		delete(tm.sessions, key)
		taskIds = append(taskIds, key.taskId)
	}
	return taskIds
}

// expire fires when a session's timer elapses. The session may have been
// stopped, or renewed by a start that won the lock race, between the
// timer firing and the lock being acquired; the generation check makes
// such stale fires no-ops.
func (tm *typingManager) expire(key typingKey, gen uint64) {
	tm.mu.Lock()
	session, ok := tm.sessions[key]
	if ok && session.gen != gen {
		tm.mu.Unlock()
		return
	}
	if ok {
		delete(tm.sessions, key)
	}
	tm.mu.Unlock()

	if ok && tm.expired != nil {
		tm.expired(key.taskId, session.user, session.owner)
	}
}

// active reports whether a session exists for (taskId, userId).
func (tm *typingManager) active(taskId, userId string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	_, ok := tm.sessions[typingKey{taskId: taskId, userId: userId}]
	return ok
}
