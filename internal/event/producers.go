package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is the task data carried in task and comment events.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatorID   UserID    `json:"creator_id"`
	Assignees   []UserID  `json:"assignees,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Comment is a comment posted on a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  UserID    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// TaskAssigned notifies the task's assignees that actor assigned them.
func TaskAssigned(task Task, actor UserID) (Event, error) {
	return build(KindTaskAssigned, actor, task.ID,
		fmt.Sprintf("You have been assigned to task %q", task.Title),
		task, Audience(actor, task.Assignees))
}

// TaskUpdated notifies the creator and assignees of a change.
func TaskUpdated(task Task, actor UserID) (Event, error) {
	return build(KindTaskUpdated, actor, task.ID,
		fmt.Sprintf("Task %q has been updated", task.Title),
		task, Audience(actor, []UserID{task.CreatorID}, task.Assignees))
}

// TaskDeleted notifies the creator and assignees that the task is gone.
func TaskDeleted(task Task, actor UserID) (Event, error) {
	return build(KindTaskDeleted, actor, task.ID,
		fmt.Sprintf("Task %q has been deleted", task.Title),
		task, Audience(actor, []UserID{task.CreatorID}, task.Assignees))
}

// CommentAdded notifies everyone on the task except the comment's author.
func CommentAdded(task Task, comment Comment) (Event, error) {
	payload := struct {
		Task    Task    `json:"task"`
		Comment Comment `json:"comment"`
	}{task, comment}
	return build(KindCommentAdded, comment.AuthorID, task.ID,
		fmt.Sprintf("New comment on task %q", task.Title),
		payload, Audience(comment.AuthorID, []UserID{task.CreatorID}, task.Assignees))
}

// PresenceChanged announces that id went online or offline.
func PresenceChanged(id UserID, online bool, recipients []UserID) (Event, error) {
	payload := struct {
		UserID UserID `json:"user_id"`
		Online bool   `json:"online"`
	}{id, online}
	return build(KindPresenceChanged, id, "", "", payload, recipients)
}

func build(kind Kind, actor UserID, taskID, message string, payload any, recipients []UserID) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Event{
		Kind:       kind,
		Actor:      actor,
		TaskID:     taskID,
		Message:    message,
		Payload:    raw,
		Recipients: recipients,
	}, nil
}
