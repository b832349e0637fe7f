// Package journal remembers the upload sessions of local files so that an
// upload interrupted by a process exit can be resumed by the next run.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ferry/pkg/schema"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// Key identifies one version of a local file sent to one backend. A file
// that was modified since its session was created gets a different key.
type Key struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Endpoint string
}

// KeyFor builds the key of the file at path as described by info.
func KeyFor(path string, info os.FileInfo, endpoint string) (Key, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Key{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	return Key{
		Path:     abs,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Endpoint: endpoint,
	}, nil
}

// Journal is a SQLite backed session store.
type Journal struct {
	db *sql.DB
}

func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("error reading SQL file: %w", err)
		}

		slog.Debug("Running journal migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", path, err)
		}
		return nil
	})
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// DefaultPath returns the journal location below the user's cache
// directory.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ferry", "journal.sqlite"), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Lookup returns the session recorded for key. ok is false when there is
// none.
func (j *Journal) Lookup(ctx context.Context, key Key) (session schema.Session, ok bool, err error) {
	err = j.db.QueryRowContext(ctx,
		`SELECT upload_id, object_key, part_size FROM sessions
		 WHERE path = ? AND size = ? AND mod_time = ? AND endpoint = ?`,
		key.Path, key.Size, key.ModTime.UnixNano(), key.Endpoint,
	).Scan(&session.UploadID, &session.Key, &session.PartSize)

	if errors.Is(err, sql.ErrNoRows) {
		return schema.Session{}, false, nil
	}
	if err != nil {
		return schema.Session{}, false, fmt.Errorf("lookup session for %s: %w", key.Path, err)
	}

	session.Size = key.Size
	return session, true, nil
}

// Save records session for key, replacing any previous entry.
func (j *Journal) Save(ctx context.Context, key Key, session schema.Session) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions(path, size, mod_time, endpoint, upload_id, object_key, part_size, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path, size, mod_time, endpoint) DO UPDATE SET
		 	upload_id=excluded.upload_id,
		 	object_key=excluded.object_key,
		 	part_size=excluded.part_size,
		 	created_at=excluded.created_at`,
		key.Path, key.Size, key.ModTime.UnixNano(), key.Endpoint,
		session.UploadID, session.Key, session.PartSize, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session for %s: %w", key.Path, err)
	}
	return nil
}

// Delete forgets the session for key. Deleting a missing entry is not an
// error.
func (j *Journal) Delete(ctx context.Context, key Key) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE path = ? AND size = ? AND mod_time = ? AND endpoint = ?`,
		key.Path, key.Size, key.ModTime.UnixNano(), key.Endpoint,
	)
	if err != nil {
		return fmt.Errorf("delete session for %s: %w", key.Path, err)
	}
	return nil
}

// Prune removes entries created before cutoff and returns how many were
// removed. Backends expire abandoned sessions eventually, so old entries
// cannot be resumed anyway.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return res.RowsAffected()
}
