package syncer

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// File sync status values tracked in the ledger.
const (
	statusPending  = "pending"
	statusSyncing  = "syncing"
	statusSynced   = "synced"
	statusConflict = "conflict"
	statusError    = "error"
)

// FileStatus is one row of file_sync_status: the last known agreement
// between the local file and the server.
type FileStatus struct {
	Name         string
	Status       string
	Version      int
	Checksum     string
	LastModified int64
	ConflictID   string
	UpdatedAt    int64
}

// QueuedEvent is one row of offline_queue: a local change observed while
// the server was unreachable, to be replayed on reconnect.
type QueuedEvent struct {
	ID       int64
	Kind     string // "add", "change", "delete", "rename"
	Name     string
	OldName  string // renames only
	QueuedAt int64
}

// Ledger is the client's persistent state: per-file sync status plus the
// offline queue, in a single SQLite database. Sole-writer access via
// SetMaxOpenConns(1); the engine is the only process touching the file.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenLedger opens (or creates) the state database at dbPath and applies
// pending schema migrations.
func OpenLedger(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("syncer: opening state db %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("syncer: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("syncer: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("syncer: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// SaveStatus upserts the sync status row for a file.
func (l *Ledger) SaveStatus(ctx context.Context, st *FileStatus) error {
	st.UpdatedAt = time.Now().UnixMilli()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO file_sync_status (name, status, version, checksum, last_modified, conflict_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   status = excluded.status,
		   version = excluded.version,
		   checksum = excluded.checksum,
		   last_modified = excluded.last_modified,
		   conflict_id = excluded.conflict_id,
		   updated_at = excluded.updated_at`,
		st.Name, st.Status, st.Version, st.Checksum, st.LastModified, st.ConflictID, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("syncer: saving status for %s: %w", st.Name, err)
	}

	return nil
}

// GetStatus returns the status row for name, or nil when untracked.
func (l *Ledger) GetStatus(ctx context.Context, name string) (*FileStatus, error) {
	var st FileStatus

	err := l.db.QueryRowContext(ctx,
		`SELECT name, status, version, checksum, last_modified, conflict_id, updated_at
		 FROM file_sync_status WHERE name = ?`, name).
		Scan(&st.Name, &st.Status, &st.Version, &st.Checksum, &st.LastModified, &st.ConflictID, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("syncer: reading status for %s: %w", name, err)
	}

	return &st, nil
}

// DeleteStatus removes the status row for name.
func (l *Ledger) DeleteStatus(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM file_sync_status WHERE name = ?`, name); err != nil {
		return fmt.Errorf("syncer: deleting status for %s: %w", name, err)
	}

	return nil
}

// RenameStatus moves a status row to a new name.
func (l *Ledger) RenameStatus(ctx context.Context, oldName, newName string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE file_sync_status SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return fmt.Errorf("syncer: renaming status %s to %s: %w", oldName, newName, err)
	}

	return nil
}

// Enqueue appends an event to the offline queue.
func (l *Ledger) Enqueue(ctx context.Context, ev *QueuedEvent) error {
	ev.QueuedAt = time.Now().UnixMilli()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO offline_queue (kind, name, old_name, queued_at) VALUES (?, ?, ?, ?)`,
		ev.Kind, ev.Name, ev.OldName, ev.QueuedAt)
	if err != nil {
		return fmt.Errorf("syncer: enqueueing %s %s: %w", ev.Kind, ev.Name, err)
	}

	return nil
}

// PendingEvents returns the offline queue in FIFO order.
func (l *Ledger) PendingEvents(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, kind, name, old_name, queued_at FROM offline_queue ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("syncer: reading offline queue: %w", err)
	}
	defer rows.Close()

	var events []QueuedEvent

	for rows.Next() {
		var ev QueuedEvent
		if scanErr := rows.Scan(&ev.ID, &ev.Kind, &ev.Name, &ev.OldName, &ev.QueuedAt); scanErr != nil {
			return nil, fmt.Errorf("syncer: scanning offline queue row: %w", scanErr)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syncer: iterating offline queue: %w", err)
	}

	return events, nil
}

// RemoveEvent deletes one replayed queue row.
func (l *Ledger) RemoveEvent(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("syncer: removing queue row %d: %w", id, err)
	}

	return nil
}

// QueueDepth returns the number of queued offline events.
func (l *Ledger) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("syncer: counting offline queue: %w", err)
	}

	return n, nil
}
