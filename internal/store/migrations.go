package store

// migrations are applied in order; index i is schema version i+1.
var migrations = []string{
	`CREATE TABLE notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		type       TEXT NOT NULL,
		task_id    TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE INDEX idx_notifications_user_read ON notifications (user_id, read)`,
	`CREATE INDEX idx_notifications_expires ON notifications (expires_at)`,
}
