package media

import (
	"strings"
	"time"
)

// Kind is the fixed media taxonomy. Anything the source cannot classify
// maps to KindOther.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindVoice    Kind = "voice"
	KindAudio    Kind = "audio"
	KindSticker  Kind = "sticker"
	KindGIF      Kind = "gif"
	KindOther    Kind = "other"
)

func Kinds() []Kind {
	return []Kind{
		KindPhoto,
		KindVideo,
		KindDocument,
		KindVoice,
		KindAudio,
		KindSticker,
		KindGIF,
		KindOther,
	}
}

// ParseKind normalizes a raw kind string. Unknown values map to KindOther
// with ok=false so callers can distinguish "other" from "unrecognized".
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindPhoto:
		return KindPhoto, true
	case KindVideo:
		return KindVideo, true
	case KindDocument:
		return KindDocument, true
	case KindVoice:
		return KindVoice, true
	case KindAudio:
		return KindAudio, true
	case KindSticker:
		return KindSticker, true
	case KindGIF:
		return KindGIF, true
	case KindOther:
		return KindOther, true
	default:
		return KindOther, false
	}
}

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
	ChatSaved      ChatType = "saved"
)

type Chat struct {
	ID       int64
	Title    string
	Username string
	Type     ChatType
	Forum    bool
}

// Item is one attachment of a message. Index is the 0-based position among
// the message's attachments. Bytes are fetched on demand through the source.
type Item struct {
	Index    int
	Kind     Kind
	Size     int64
	MimeType string
	FileName string
	FileRef  string
}

// Message carries the structural attributes the taxonomy and metadata layers
// need. Zero values mean "absent" for the optional fields.
type Message struct {
	ChatID          int64
	ID              int64
	GroupedID       int64
	TopicID         int64
	TopicTitle      string
	Date            time.Time
	SenderID        int64
	SenderUsername  string
	SenderName      string
	Text            string
	ReplyToID       int64
	Forwarded       bool
	ForwardFromID   int64
	ForwardFromName string
	HasSpoiler      bool
	Items           []Item
}

// Filter selects which items an ingest run touches. Items excluded here are
// never claim-checked, fetched, or recorded.
type Filter struct {
	kinds map[Kind]struct{}
	from  time.Time
	to    time.Time
}

func NewFilter(kinds []Kind, from, to time.Time) Filter {
	f := Filter{from: from.UTC(), to: to.UTC()}
	if from.IsZero() {
		f.from = time.Time{}
	}
	if to.IsZero() {
		f.to = time.Time{}
	}
	if len(kinds) > 0 {
		f.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			f.kinds[k] = struct{}{}
		}
	}
	return f
}

// AllowsKind reports whether the kind passes the filter. An empty kind set
// allows everything.
func (f Filter) AllowsKind(k Kind) bool {
	if len(f.kinds) == 0 {
		return true
	}
	_, ok := f.kinds[k]
	return ok
}

// InRange reports whether the message timestamp falls inside the inclusive
// UTC date range. Zero bounds are open-ended.
func (f Filter) InRange(t time.Time) bool {
	u := t.UTC()
	if !f.from.IsZero() && u.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && u.After(f.to) {
		return false
	}
	return true
}
