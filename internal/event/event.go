package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent is returned when an event cannot be dispatched as built.
var ErrInvalidEvent = errors.New("invalid event")

// UserID is the stable identity of a user, independent of any connection.
type UserID string

// Kind tags an event with its wire type.
type Kind string

const (
	KindTaskAssigned    Kind = "task:assign"
	KindTaskUpdated     Kind = "task:update"
	KindTaskDeleted     Kind = "task:delete"
	KindCommentAdded    Kind = "comment:new"
	KindPresenceChanged Kind = "presence:changed"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTaskAssigned, KindTaskUpdated, KindTaskDeleted, KindCommentAdded, KindPresenceChanged:
		return true
	default:
		return false
	}
}

// Durable reports whether offline recipients of this kind get a stored
// notification. Presence notices are live-only.
func (k Kind) Durable() bool {
	return k != KindPresenceChanged
}

// Event is a domain event with a resolved recipient set.
type Event struct {
	Kind    Kind
	Actor   UserID // user who caused the event; never notified
	TaskID  string
	Message string // human-readable text used for stored notifications
	Payload json.RawMessage

	Recipients []UserID
}

// Validate checks that the event can be routed.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Kind)
	}
	for _, r := range e.Recipients {
		if strings.TrimSpace(string(r)) == "" {
			return fmt.Errorf("%w: blank recipient", ErrInvalidEvent)
		}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// Envelope is the frame pushed to connected clients.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode renders the event as an outbound push frame.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: e.Kind, Payload: e.Payload})
}

// Audience merges recipient groups in order, dropping duplicates, blank IDs
// and the actor.
func Audience(actor UserID, groups ...[]UserID) []UserID {
	seen := make(map[UserID]struct{})
	var out []UserID
	for _, g := range groups {
		for _, id := range g {
			if id == "" || id == actor {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
