package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/store"
)

// DefaultTTL is how long a stored notification lives before it may be purged.
const DefaultTTL = 30 * 24 * time.Hour

// Fallback is an event that could not be pushed live to its recipient.
type Fallback struct {
	Recipient event.UserID
	Kind      event.Kind
	TaskID    string
	Message   string
}

// Writer is the subset of the store the persister needs.
type Writer interface {
	CreateNotification(ctx context.Context, n *store.NotificationRecord) error
}

// StorePersister records fallbacks as unread notifications.
type StorePersister struct {
	w   Writer
	ttl time.Duration
	now func() time.Time
}

// NewStorePersister creates a persister writing to w. A non-positive ttl
// selects DefaultTTL.
func NewStorePersister(w Writer, ttl time.Duration) *StorePersister {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StorePersister{w: w, ttl: ttl, now: time.Now}
}

// Persist stores f and returns the record that was written.
func (p *StorePersister) Persist(ctx context.Context, f Fallback) (*store.NotificationRecord, error) {
	now := p.now()
	rec := &store.NotificationRecord{
		ID:        uuid.NewString(),
		UserID:    string(f.Recipient),
		Type:      string(f.Kind),
		TaskID:    f.TaskID,
		Message:   f.Message,
		Read:      false,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ttl),
	}

	if err := p.w.CreateNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting notification for %s: %w", f.Recipient, err)
	}

	slog.Debug("notification stored",
		"notification_id", rec.ID,
		"user_id", f.Recipient,
		"event_type", f.Kind,
		"task_id", f.TaskID)

	return rec, nil
}
