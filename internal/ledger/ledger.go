package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/telegrab/telegrab/internal/media"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotImplemented    = errors.New("not implemented")
	ErrUnsupportedScheme = errors.New("unsupported ledger scheme")
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Key identifies one media item by logical position. The store enforces at
// most one row per key.
type Key struct {
	ChatID     int64
	MessageID  int64
	MediaIndex int
}

func (k Key) Valid() bool {
	return k.ChatID != 0 && k.MessageID > 0 && k.MediaIndex >= 0
}

type Record struct {
	Path        string
	Size        int64
	MimeType    string
	Kind        media.Kind
	DateISO     string
	CommittedAt time.Time
	Status      Status
}

// Claim is the answer to the dedup gate. Done means a success record exists
// and the item must not be re-attempted; Path is its recorded destination.
type Claim struct {
	Done bool
	Path string
}

// Store is the single arbiter of "already done". Commit must be durable by
// the time it returns, and the key uniqueness constraint lives in the store,
// not in callers.
type Store interface {
	TryClaim(ctx context.Context, key Key) (Claim, error)
	Commit(ctx context.Context, key Key, record Record) error
	Lookup(ctx context.Context, key Key) (*Record, error)
	Close() error
}

func kindFromString(value string) media.Kind {
	kind, _ := media.ParseKind(value)
	return kind
}
