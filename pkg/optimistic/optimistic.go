// Package optimistic resolves the concurrency problem created by applying
// user intent to client-local state before the authoritative server
// response arrives. Mutations are applied immediately, then confirmed or
// rolled back exactly when the authoritative outcome is known.
package optimistic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/teris-io/shortid"
)

var (
	// ErrEditPending is returned when a second edit targets an entity
	// whose previous edit has not yet been confirmed or rolled back.
	// Compounding divergent optimistic states is not allowed.
	ErrEditPending = errors.New("optimistic: edit already pending for entity")

	// ErrUnknownEntity is returned when an update targets an entity that
	// is not in local state.
	ErrUnknownEntity = errors.New("optimistic: unknown entity")

	// ErrNoPendingEdit is returned when a confirm or fail call has no
	// matching pending edit.
	ErrNoPendingEdit = errors.New("optimistic: no pending edit for entity")
)

// Entity is the client's visible copy of one server entity.
type Entity struct {
	Id     string
	Fields map[string]any
}

// FailureHandler receives the user-visible notification when an
// optimistic mutation is rejected by the server.
type FailureHandler func(entityId string, cause error)

type editKind int

const (
	editCreate editKind = iota
	editUpdate
)

type deferredOp struct {
	entity *Entity
	remove bool
	id     string
}

type pendingEdit struct {
	kind     editKind
	snapshot Entity
	deferred []deferredOp
}

// Controller owns the client's visible entity state and the pending-edit
// guard that serializes optimistic mutations per entity id.
type Controller struct {
	mu        sync.Mutex
	entities  map[string]Entity
	pending   map[string]*pendingEdit
	onFailure FailureHandler
}

func NewController(onFailure FailureHandler) *Controller {
	return &Controller{
		entities:  make(map[string]Entity),
		pending:   make(map[string]*pendingEdit),
		onFailure: onFailure,
	}
}

// Get returns the entity's current visible state.
func (c *Controller) Get(id string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entities[id]
	if !ok {
		return Entity{}, false
	}
	return cloneEntity(e), true
}

// Len returns the number of visible entities.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

// BeginCreate inserts a provisional entity under a temporary local id
// and returns that id. The caller issues the authoritative create
// request and resolves it with ConfirmCreate or FailCreate.
func (c *Controller) BeginCreate(fields map[string]any) (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("optimistic: temp id: %w", err)
	}
	tempId := "tmp-" + sid

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entities[tempId] = Entity{Id: tempId, Fields: cloneFields(fields)}
	c.pending[tempId] = &pendingEdit{kind: editCreate}

	return tempId, nil
}

// ConfirmCreate removes the provisional entity and installs the
// authoritative one, deduplicated against an identically-keyed entity
// that may already have arrived via the fan-out broadcast.
func (c *Controller) ConfirmCreate(tempId string, authoritative Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	edit, ok := c.pending[tempId]
	if !ok || edit.kind != editCreate {
		return ErrNoPendingEdit
	}
	delete(c.pending, tempId)
	delete(c.entities, tempId)

	// An event copy may already be present under the authoritative id;
	// the authoritative response wins and exactly one entity remains.
	c.entities[authoritative.Id] = cloneEntity(authoritative)

	return nil
}

// FailCreate removes the provisional entity and notifies the user.
func (c *Controller) FailCreate(tempId string, cause error) error {
	c.mu.Lock()

	edit, ok := c.pending[tempId]
	if !ok || edit.kind != editCreate {
		c.mu.Unlock()
		return ErrNoPendingEdit
	}
	delete(c.pending, tempId)
	delete(c.entities, tempId)
	c.mu.Unlock()

	if c.onFailure != nil {
		c.onFailure(tempId, cause)
	}
	return nil
}

// BeginUpdate snapshots the entity's pre-edit state and applies the
// patch to visible state immediately. A second edit while one is pending
// is rejected rather than queued; the first must resolve before a fresh
// optimistic patch may apply.
func (c *Controller) BeginUpdate(id string, patch map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return ErrEditPending
	}

	current, ok := c.entities[id]
	if !ok {
		return ErrUnknownEntity
	}

	c.pending[id] = &pendingEdit{
		kind:     editUpdate,
		snapshot: cloneEntity(current),
	}

	patched := cloneEntity(current)
	for k, v := range patch {
		patched.Fields[k] = v
	}
	c.entities[id] = patched

	return nil
}

// ConfirmUpdate discards the snapshot and replays any events for the
// entity that were deferred while the edit was pending.
func (c *Controller) ConfirmUpdate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	edit, ok := c.pending[id]
	if !ok || edit.kind != editUpdate {
		return ErrNoPendingEdit
	}
	delete(c.pending, id)

	c.replayDeferred(edit.deferred)
	return nil
}

// FailUpdate reapplies the pre-edit snapshot verbatim, notifies the
// user, then replays deferred events.
func (c *Controller) FailUpdate(id string, cause error) error {
	c.mu.Lock()

	edit, ok := c.pending[id]
	if !ok || edit.kind != editUpdate {
		c.mu.Unlock()
		return ErrNoPendingEdit
	}
	delete(c.pending, id)

	// Exact revert, not a merge: every field returns to its pre-edit
	// value, including fields the patch never touched.
	c.entities[id] = cloneEntity(edit.snapshot)
	c.replayDeferred(edit.deferred)
	c.mu.Unlock()

	if c.onFailure != nil {
		c.onFailure(id, cause)
	}
	return nil
}

// ApplyRemote reconciles an entity carried by a real-time event or fetch.
// If an edit for the same id is pending the event is deferred, not
// dropped and not applied early, so it cannot overwrite the optimistic
// patch mid-flight.
func (c *Controller) ApplyRemote(entity Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if edit, ok := c.pending[entity.Id]; ok {
		edit.deferred = append(edit.deferred, deferredOp{entity: &entity})
		return
	}

	c.entities[entity.Id] = cloneEntity(entity)
}

// RemoveRemote reconciles an entity deletion carried by a real-time
// event. Deletions for entities with a pending edit are deferred like
// any other event.
func (c *Controller) RemoveRemote(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if edit, ok := c.pending[id]; ok {
		edit.deferred = append(edit.deferred, deferredOp{remove: true, id: id})
		return
	}

	delete(c.entities, id)
}

// replayDeferred applies deferred operations in arrival order. Caller
// holds the lock.
func (c *Controller) replayDeferred(ops []deferredOp) {
	for _, op := range ops {
		if op.remove {
			delete(c.entities, op.id)
			continue
		}
		c.entities[op.entity.Id] = cloneEntity(*op.entity)
	}
}

func cloneEntity(e Entity) Entity {
	return Entity{Id: e.Id, Fields: cloneFields(e.Fields)}
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
