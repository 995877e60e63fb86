package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned for a label with no saved snapshot.
var ErrNotFound = errors.New("snapshot: label not found")

const archiveSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	federation TEXT NOT NULL,
	federate   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	size       INTEGER NOT NULL,
	data       BLOB NOT NULL,
	UNIQUE (federation, federate, label)
);
CREATE INDEX IF NOT EXISTS snapshots_created ON snapshots (created_at);
`

// Info describes one archived snapshot.
type Info struct {
	ID         string
	Label      string
	Federation string
	Federate   string
	CreatedAt  time.Time
	Size       int64
}

// Entry is an archived snapshot with its data.
type Entry struct {
	Info
	Data []byte
}

// Archive keeps saved snapshots in a SQLite database, one row per
// (federation, federate, label).
type Archive struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenArchive creates or opens the archive at path. ":memory:" gives a
// private in-memory archive.
func OpenArchive(path string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to archive: %w", err)
	}

	// SQLite allows one writer; an in-memory database also lives on a single
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	logger.Debug("Snapshot archive opened", zap.String("path", path))
	return &Archive{db: db, logger: logger}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Put stores data under label, replacing an earlier save with the same label.
func (a *Archive) Put(ctx context.Context, federation, federate, label string, data []byte) (Info, error) {
	info := Info{
		ID:         uuid.NewString(),
		Label:      label,
		Federation: federation,
		Federate:   federate,
		CreatedAt:  time.Now().UTC(),
		Size:       int64(len(data)),
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, label, federation, federate, created_at, size, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (federation, federate, label) DO UPDATE SET
			id = excluded.id,
			created_at = excluded.created_at,
			size = excluded.size,
			data = excluded.data`,
		info.ID, label, federation, federate, info.CreatedAt.UnixNano(), info.Size, data)
	if err != nil {
		return Info{}, fmt.Errorf("failed to store snapshot %q: %w", label, err)
	}

	a.logger.Info("Snapshot archived",
		zap.String("id", info.ID),
		zap.String("label", label),
		zap.Int64("bytes", info.Size))
	return info, nil
}

// Get loads the snapshot saved under label.
func (a *Archive) Get(ctx context.Context, federation, federate, label string) (Entry, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, label, federation, federate, created_at, size, data
		FROM snapshots WHERE federation = ? AND federate = ? AND label = ?`,
		federation, federate, label)

	var e Entry
	var created int64
	err := row.Scan(&e.ID, &e.Label, &e.Federation, &e.Federate, &created, &e.Size, &e.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load snapshot %q: %w", label, err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}

// List returns every archived snapshot, newest first. An empty federation
// lists all federations.
func (a *Archive) List(ctx context.Context, federation string) ([]Info, error) {
	query := `SELECT id, label, federation, federate, created_at, size FROM snapshots`
	var args []interface{}
	if federation != "" {
		query += ` WHERE federation = ?`
		args = append(args, federation)
	}
	query += ` ORDER BY created_at DESC, label`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var created int64
		if err := rows.Scan(&info.ID, &info.Label, &info.Federation, &info.Federate, &created, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		info.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the snapshot saved under label.
func (a *Archive) Delete(ctx context.Context, federation, federate, label string) error {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE federation = ? AND federate = ? AND label = ?`,
		federation, federate, label)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", label, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return nil
}
