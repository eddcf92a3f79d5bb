package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a notification does not exist for the user.
var ErrNotFound = errors.New("notification not found")

// Store is the persistence interface for Courier.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Notifications
	CreateNotification(ctx context.Context, n *NotificationRecord) error
	ListUnread(ctx context.Context, userID string, limit int) ([]NotificationRecord, error)
	MarkRead(ctx context.Context, userID, id string) error
	DeleteRead(ctx context.Context, userID string) (int64, error)

	// Maintenance
	Cleanup() error
	Close() error
}

// NotificationRecord is an event stored for a user who was offline when it
// was dispatched.
type NotificationRecord struct {
	ID        string
	UserID    string
	Type      string
	TaskID    string
	Message   string
	Read      bool
	CreatedAt time.Time
	ExpiresAt time.Time
}
