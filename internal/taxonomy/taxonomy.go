package taxonomy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/unicode/norm"

	"github.com/telegrab/telegrab/internal/media"
)

var ErrInvalidRequest = errors.New("invalid taxonomy request")

// RootTopicSegment is the sentinel folder for messages outside any forum topic.
const RootTopicSegment = "__root"

// DefaultExtension is the last-resort extension when neither the media kind,
// the original file name, nor the MIME type yields one.
const DefaultExtension = ".bin"

var (
	illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)
	whitespace   = regexp.MustCompile(`\s+`)
	dashRuns     = regexp.MustCompile(`-{2,}`)
)

// Slugify sanitizes a free-text value into a filesystem-safe segment. The
// same input always produces the same slug; empty results collapse to the
// fallback.
func Slugify(value, fallback string) string {
	if value == "" {
		return fallback
	}
	s := strings.TrimSpace(norm.NFKC.String(value))
	if s == "" {
		return fallback
	}
	s = illegalChars.ReplaceAllString(s, "-")
	s = whitespace.ReplaceAllString(s, " ")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, " -")
	if s == "" {
		return fallback
	}
	return s
}

// ChatSlug picks the chat folder name: username first, then title, then the
// numeric id.
func ChatSlug(title, username string, chatID int64) string {
	fallback := "chat_unknown"
	if chatID != 0 {
		fallback = fmt.Sprintf("chat_%d", chatID)
	}
	if username != "" {
		return Slugify(username, fallback)
	}
	if title != "" {
		return Slugify(title, fallback)
	}
	return fallback
}

// TopicSegment maps forum topic attributes to a folder segment. Non-forum
// messages land in the RootTopicSegment sentinel.
func TopicSegment(topicTitle string, topicID int64) string {
	if topicTitle != "" {
		return Slugify(topicTitle, RootTopicSegment)
	}
	if topicID != 0 {
		return fmt.Sprintf("topic_%d", topicID)
	}
	return RootTopicSegment
}

// Request carries every input the resolver needs. The resolved path is a
// pure function of these fields plus the resolver's per-run album anchors.
type Request struct {
	ChatSlug   string
	TopicID    int64
	TopicTitle string
	GroupedID  int64
	Date       time.Time
	MessageID  int64
	MediaIndex int
	Kind       media.Kind
	MimeType   string
	FileName   string
}

// Resolver maps message attributes to destination paths. Album anchors and
// chat slug ownership are scoped to one run of one chat and discarded with
// the resolver.
type Resolver struct {
	outputRoot   string
	albumAnchors map[int64]int64
	slugOwners   map[string]int64
}

func NewResolver(outputRoot string) *Resolver {
	return &Resolver{
		outputRoot:   filepath.Clean(outputRoot),
		albumAnchors: map[int64]int64{},
		slugOwners:   map[string]int64{},
	}
}

// ChatSlug resolves the folder name for a chat, disambiguating by numeric id
// when two different chats slug to the same name within this run.
func (r *Resolver) ChatSlug(chat media.Chat) string {
	slug := ChatSlug(chat.Title, chat.Username, chat.ID)
	if owner, ok := r.slugOwners[slug]; ok && owner != chat.ID {
		slug = fmt.Sprintf("%s_%d", slug, chat.ID)
	}
	r.slugOwners[slug] = chat.ID
	return slug
}

// AlbumAnchor returns the message id anchoring the album folder for a
// grouped id: the first message id seen for that group in this run.
func (r *Resolver) AlbumAnchor(groupedID, messageID int64) int64 {
	if groupedID == 0 {
		return 0
	}
	anchor, ok := r.albumAnchors[groupedID]
	if !ok {
		anchor = messageID
		r.albumAnchors[groupedID] = anchor
	}
	return anchor
}

// Resolve builds the destination path:
//
//	<output_root>/<chat_slug>/<topic_segment>/<YYYY-MM-DD>/[<album>/]<message_id>_<index>_<kind>.<ext>
func (r *Resolver) Resolve(req Request) (string, error) {
	if req.ChatSlug == "" || req.MessageID <= 0 || req.MediaIndex < 0 || req.Date.IsZero() {
		return "", ErrInvalidRequest
	}
	kind := req.Kind
	if _, ok := media.ParseKind(string(kind)); kind == "" || !ok {
		kind = media.KindOther
	}
	segments := []string{
		r.outputRoot,
		req.ChatSlug,
		TopicSegment(req.TopicTitle, req.TopicID),
		req.Date.UTC().Format("2006-01-02"),
	}
	if anchor := r.AlbumAnchor(req.GroupedID, req.MessageID); anchor != 0 {
		segments = append(segments, fmt.Sprintf("%d", anchor))
	}
	ext := Extension(kind, req.FileName, req.MimeType)
	filename := fmt.Sprintf("%d_%d_%s%s", req.MessageID, req.MediaIndex, kind, ext)
	segments = append(segments, filename)
	return filepath.Join(segments...), nil
}

// Extension picks a file extension: kind-specific defaults first, then the
// original file name, then a MIME lookup, then DefaultExtension.
func Extension(kind media.Kind, fileName, mimeType string) string {
	switch kind {
	case media.KindPhoto:
		return ".jpg"
	case media.KindVideo:
		return ".mp4"
	case media.KindGIF:
		return ".gif"
	case media.KindSticker:
		return ".webp"
	case media.KindVoice:
		return ".ogg"
	}
	if fileName != "" {
		if ext := filepath.Ext(fileName); ext != "" && ext != "." {
			return ext
		}
	}
	if mimeType != "" {
		base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
		if mt := mimetype.Lookup(base); mt != nil && mt.Extension() != "" {
			return mt.Extension()
		}
	}
	return DefaultExtension
}
