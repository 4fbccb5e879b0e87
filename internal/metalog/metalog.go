package metalog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

var ErrInvalidInput = errors.New("invalid input")

// FileName is the per-chat metadata log, one JSON object per line.
const FileName = "metadata.ndjson"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Record is one metadata line. Optional fields are pointers so that missing
// values serialize as JSON null rather than zero values. The layout of this
// object is an external contract; additions go into Extra.
type Record struct {
	ChatID             int64          `json:"chat_id"`
	ChatUsername       *string        `json:"chat_username"`
	ChatTitle          *string        `json:"chat_title"`
	ChatType           string         `json:"chat_type"`
	MessageID          int64          `json:"message_id"`
	MediaIndex         int            `json:"media_index"`
	GroupedID          *int64         `json:"grouped_id"`
	TopicID            *int64         `json:"topic_id"`
	TopicTitle         *string        `json:"topic_title"`
	DateISO            string         `json:"date_iso"`
	SenderID           *int64         `json:"sender_id"`
	SenderUsername     *string        `json:"sender_username"`
	SenderDisplayName  *string        `json:"sender_display_name"`
	TextRaw            *string        `json:"text_raw"`
	ReplyToMessageID   *int64         `json:"reply_to_message_id"`
	MediaType          string         `json:"media_type"`
	FilePath           string         `json:"file_path"`
	FileSize           *int64         `json:"file_size"`
	MimeType           *string        `json:"mime_type"`
	HasSpoiler         bool           `json:"has_spoiler"`
	IsForwarded        bool           `json:"is_forwarded"`
	ForwardFromID      *int64         `json:"forward_from_id"`
	ForwardFromUsername *string       `json:"forward_from_username"`
	Status             Status         `json:"status"`
	Error              *string        `json:"error"`
	Extra              map[string]any `json:"extra"`
}

// Recorder appends metadata lines, one file per chat under the output root.
// Files stay open in append mode for the lifetime of a chat's processing and
// are flushed after every record, so a crash loses at most the in-flight
// line. Lines are never mutated or removed.
type Recorder struct {
	root string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewRecorder(root string) (*Recorder, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	return &Recorder{
		root:  filepath.Clean(root),
		files: map[string]*os.File{},
	}, nil
}

// Path returns the metadata file location for a chat slug.
func (r *Recorder) Path(chatSlug string) string {
	return filepath.Join(r.root, chatSlug, FileName)
}

// Append writes one record as a single JSON line and flushes it to disk.
func (r *Recorder) Append(chatSlug string, record Record) error {
	chatSlug = strings.TrimSpace(chatSlug)
	if chatSlug == "" {
		return ErrInvalidInput
	}
	if record.Extra == nil {
		record.Extra = map[string]any{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	file, err := r.openLocked(chatSlug)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

func (r *Recorder) openLocked(chatSlug string) (*os.File, error) {
	if file, ok := r.files[chatSlug]; ok {
		return file, nil
	}
	path := r.Path(chatSlug)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	r.files[chatSlug] = file
	return file, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for slug, file := range r.files {
		err = multierr.Append(err, file.Close())
		delete(r.files, slug)
	}
	return err
}

// OptString boxes a string, mapping "" to null.
func OptString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// OptInt64 boxes an int64, mapping 0 to null.
func OptInt64(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}
