package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTableName  = "media_ledger"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// OpenPostgres returns a postgres-backed ledger. The connection is
// established lazily on first use.
func OpenPostgres(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresStore{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *postgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            chat_id      BIGINT NOT NULL,
            message_id   BIGINT NOT NULL,
            media_index  INTEGER NOT NULL,
            media_type   TEXT NOT NULL,
            file_path    TEXT NOT NULL,
            file_size    BIGINT,
            mime_type    TEXT,
            date_iso     TEXT,
            committed_at TIMESTAMPTZ NOT NULL,
            status       TEXT NOT NULL,
            PRIMARY KEY (chat_id, message_id, media_index)
        )`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *postgresStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	if !key.Valid() {
		return Claim{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Claim{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		`SELECT file_path FROM %s
		 WHERE chat_id = $1 AND message_id = $2 AND media_index = $3 AND status = $4`,
		postgresQuoteIdentifier(s.tableName))
	var path string
	err := s.db.QueryRowContext(ctx, query,
		key.ChatID, key.MessageID, key.MediaIndex, string(StatusSuccess)).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, nil
	}
	if err != nil {
		return Claim{}, err
	}
	return Claim{Done: true, Path: path}, nil
}

func (s *postgresStore) Commit(ctx context.Context, key Key, record Record) error {
	if !key.Valid() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	committedAt := record.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		`INSERT INTO %s (
		    chat_id, message_id, media_index, media_type,
		    file_path, file_size, mime_type, date_iso, committed_at, status
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (chat_id, message_id, media_index) DO UPDATE SET
		    media_type = EXCLUDED.media_type,
		    file_path = EXCLUDED.file_path,
		    file_size = EXCLUDED.file_size,
		    mime_type = EXCLUDED.mime_type,
		    date_iso = EXCLUDED.date_iso,
		    committed_at = EXCLUDED.committed_at,
		    status = EXCLUDED.status`,
		postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query,
		key.ChatID, key.MessageID, key.MediaIndex, string(record.Kind),
		record.Path, record.Size, record.MimeType, record.DateISO,
		committedAt, string(record.Status))
	return err
}

func (s *postgresStore) Lookup(ctx context.Context, key Key) (*Record, error) {
	if !key.Valid() {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		`SELECT media_type, file_path, file_size, mime_type, date_iso, committed_at, status
		 FROM %s
		 WHERE chat_id = $1 AND message_id = $2 AND media_index = $3`,
		postgresQuoteIdentifier(s.tableName))
	row := s.db.QueryRowContext(ctx, query, key.ChatID, key.MessageID, key.MediaIndex)
	return scanPostgresRecord(row)
}

func (s *postgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanPostgresRecord(row rowScanner) (*Record, error) {
	var (
		record      Record
		kind        string
		size        sql.NullInt64
		mimeType    sql.NullString
		dateISO     sql.NullString
		committedAt time.Time
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
	record.CommittedAt = committedAt.UTC()
	record.Status = Status(status)
	return &record, nil
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
