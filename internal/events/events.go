// Package events defines the closed set of domain events consumed from the
// event bus and the routing table mapping each event to its target rooms.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskhive/realtime-gateway/internal/types"
)

// Bus channel names, one per event kind. CRUD services publish on these
// channels; the fan-out bridge subscribes to all of them.
const (
	ChannelTaskCreated  = "task-created"
	ChannelTaskUpdated  = "task-updated"
	ChannelTaskDeleted  = "task-deleted"
	ChannelCommentAdded = "comment-added"
)

// Channels returns every channel the fan-out bridge consumes.
func Channels() []string {
	return []string{
		ChannelTaskCreated,
		ChannelTaskUpdated,
		ChannelTaskDeleted,
		ChannelCommentAdded,
	}
}

type Kind string

const (
	KindTaskCreated  Kind = "task_created"
	KindTaskUpdated  Kind = "task_updated"
	KindTaskDeleted  Kind = "task_deleted"
	KindCommentAdded Kind = "comment_added"
)

// TaskEvent is the payload published on the task-created, task-updated and
// task-deleted channels.
type TaskEvent struct {
	TaskId    string          `json:"task_id"`
	ProjectId string          `json:"project_id"`
	ActorId   string          `json:"actor_id,omitempty"`
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CommentEvent is the payload published on the comment-added channel.
type CommentEvent struct {
	CommentId string          `json:"comment_id"`
	TaskId    string          `json:"task_id"`
	ProjectId string          `json:"project_id"`
	ActorId   string          `json:"actor_id,omitempty"`
	Comment   json.RawMessage `json:"comment,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event is one parsed domain event. Exactly one of Task or Comment is set,
// determined by Kind.
type Event struct {
	Kind    Kind          `json:"kind"`
	Task    *TaskEvent    `json:"task_event,omitempty"`
	Comment *CommentEvent `json:"comment_event,omitempty"`
}

// Parse decodes the raw payload received on channel into a tagged Event.
// Payloads that fail to decode or are missing a required owning id are
// rejected so no partial broadcast can occur.
func Parse(channel string, payload []byte) (*Event, error) {
	switch channel {
	case ChannelTaskCreated, ChannelTaskUpdated, ChannelTaskDeleted:
		var te TaskEvent
		if err := json.Unmarshal(payload, &te); err != nil {
			return nil, fmt.Errorf("decode task event: %w", err)
		}
		if te.TaskId == "" {
			return nil, fmt.Errorf("task event on %q missing task_id", channel)
		}
		if te.ProjectId == "" {
			return nil, fmt.Errorf("task event on %q missing project_id", channel)
		}

		kind := map[string]Kind{
			ChannelTaskCreated: KindTaskCreated,
			ChannelTaskUpdated: KindTaskUpdated,
			ChannelTaskDeleted: KindTaskDeleted,
		}[channel]

		return &Event{Kind: kind, Task: &te}, nil
	case ChannelCommentAdded:
		var ce CommentEvent
		if err := json.Unmarshal(payload, &ce); err != nil {
			return nil, fmt.Errorf("decode comment event: %w", err)
		}
		if ce.TaskId == "" {
			return nil, fmt.Errorf("comment event missing task_id")
		}
		if ce.ProjectId == "" {
			return nil, fmt.Errorf("comment event missing project_id")
		}

		return &Event{Kind: KindCommentAdded, Comment: &ce}, nil
	default:
		return nil, fmt.Errorf("unknown event channel %q", channel)
	}
}

// Route returns the rooms an event is delivered to. This is the single
// place the room-targeting policy lives:
//
//	task created/updated/deleted -> the owning project's room
//	comment added                -> the owning task's room and the owning
//	                                task's project's room
func Route(ev *Event) []types.Room {
	switch ev.Kind {
	case KindTaskCreated, KindTaskUpdated, KindTaskDeleted:
		return []types.Room{types.ProjectRoom(ev.Task.ProjectId)}
	case KindCommentAdded:
		return []types.Room{
			types.TaskRoom(ev.Comment.TaskId),
			types.ProjectRoom(ev.Comment.ProjectId),
		}
	default:
		return nil
	}
}

// EntityId returns the id of the entity the event concerns, used by
// clients to reconcile optimistic edits against fan-out arrivals.
func (e *Event) EntityId() string {
	switch e.Kind {
	case KindCommentAdded:
		return e.Comment.CommentId
	default:
		return e.Task.TaskId
	}
}
