package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	timeFormat = time.RFC3339
	memoryPath = ":memory:"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	// Pre-create the file with restrictive permissions if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
	}
	return nil
}

// SetRetention sets how long read notifications are kept before Cleanup
// removes them. Zero keeps them until they expire.
func (s *SQLiteStore) SetRetention(d time.Duration) {
	s.retention = d
}

func (s *SQLiteStore) migrate() error {
	// Ensure schema_version table exists
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Notifications ---

func (s *SQLiteStore) CreateNotification(ctx context.Context, n *NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, type, task_id, message, read, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.TaskID, n.Message, boolToInt(n.Read),
		formatTime(n.CreatedAt), formatTime(n.ExpiresAt))
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListUnread returns the user's unread, unexpired notifications, newest first.
func (s *SQLiteStore) ListUnread(ctx context.Context, userID string, limit int) ([]NotificationRecord, error) {
	query := `SELECT id, user_id, type, task_id, message, read, created_at, expires_at
		FROM notifications WHERE user_id = ? AND read = 0 AND expires_at > ?
		ORDER BY created_at DESC, id`
	args := []any{userID, formatTime(s.now())}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkRead flags one of the user's notifications as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRead removes all of the user's read notifications.
func (s *SQLiteStore) DeleteRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE user_id = ? AND read = 1", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting read notifications: %w", err)
	}
	return res.RowsAffected()
}

// --- Maintenance ---

func (s *SQLiteStore) Cleanup() error {
	now := s.now()

	res, err := s.db.Exec("DELETE FROM notifications WHERE expires_at <= ?", formatTime(now))
	if err != nil {
		return fmt.Errorf("cleaning expired notifications: %w", err)
	}
	expired, _ := res.RowsAffected()

	var stale int64
	if s.retention > 0 {
		res, err := s.db.Exec("DELETE FROM notifications WHERE read = 1 AND created_at < ?",
			formatTime(now.Add(-s.retention)))
		if err != nil {
			return fmt.Errorf("cleaning read notifications: %w", err)
		}
		stale, _ = res.RowsAffected()
	}

	if expired > 0 || stale > 0 {
		slog.Info("notifications cleaned up", "expired", expired, "read", stale)
	}
	return nil
}

// StartCleanupLoop runs Cleanup every interval until done is closed.
func (s *SQLiteStore) StartCleanupLoop(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Cleanup(); err != nil {
				slog.Error("notification cleanup failed", "error", err)
			}
		case <-done:
			return
		}
	}
}

// --- Helpers ---

func scanNotification(rows *sql.Rows) (*NotificationRecord, error) {
	var n NotificationRecord
	var read int
	var createdAt, expiresAt string

	err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.TaskID, &n.Message, &read, &createdAt, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scanning notification: %w", err)
	}

	n.Read = read != 0
	n.CreatedAt = parseTime(createdAt)
	n.ExpiresAt = parseTime(expiresAt)

	return &n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
