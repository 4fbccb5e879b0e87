package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS media_ledger (
    chat_id      INTEGER NOT NULL,
    message_id   INTEGER NOT NULL,
    media_index  INTEGER NOT NULL,
    media_type   TEXT NOT NULL,
    file_path    TEXT NOT NULL,
    file_size    INTEGER,
    mime_type    TEXT,
    date_iso     TEXT,
    committed_at TEXT NOT NULL,
    status       TEXT NOT NULL,
    PRIMARY KEY (chat_id, message_id, media_index)
)`

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite-backed ledger at path.
// Parent directories are created; the schema is applied on open.
func OpenSQLite(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Single writer per run; serialize access instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure ledger: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	if !key.Valid() {
		return Claim{}, ErrInvalidInput
	}
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path FROM media_ledger
		 WHERE chat_id = ? AND message_id = ? AND media_index = ? AND status = ?`,
		key.ChatID, key.MessageID, key.MediaIndex, StatusSuccess,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, nil
	}
	if err != nil {
		return Claim{}, err
	}
	return Claim{Done: true, Path: path}, nil
}

func (s *sqliteStore) Commit(ctx context.Context, key Key, record Record) error {
	if !key.Valid() {
		return ErrInvalidInput
	}
	committedAt := record.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_ledger (
		    chat_id, message_id, media_index, media_type,
		    file_path, file_size, mime_type, date_iso, committed_at, status
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, message_id, media_index) DO UPDATE SET
		    media_type = excluded.media_type,
		    file_path = excluded.file_path,
		    file_size = excluded.file_size,
		    mime_type = excluded.mime_type,
		    date_iso = excluded.date_iso,
		    committed_at = excluded.committed_at,
		    status = excluded.status`,
		key.ChatID, key.MessageID, key.MediaIndex, string(record.Kind),
		record.Path, record.Size, record.MimeType, record.DateISO,
		committedAt.Format(time.RFC3339), string(record.Status),
	)
	return err
}

func (s *sqliteStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	if !key.Valid() {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT media_type, file_path, file_size, mime_type, date_iso, committed_at, status
		 FROM media_ledger
		 WHERE chat_id = ? AND message_id = ? AND media_index = ?`,
		key.ChatID, key.MessageID, key.MediaIndex,
	)
	return scanRecord(row)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record      Record
		kind        string
		size        sql.NullInt64
		mimeType    sql.NullString
		dateISO     sql.NullString
		committedAt string
		status      string
	)
	err := row.Scan(&kind, &record.Path, &size, &mimeType, &dateISO, &committedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.Kind = kindFromString(kind)
	record.Size = size.Int64
	record.MimeType = mimeType.String
	record.DateISO = dateISO.String
	record.Status = Status(status)
	if ts, parseErr := time.Parse(time.RFC3339, committedAt); parseErr == nil {
		record.CommittedAt = ts
	}
	return &record, nil
}
