package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telegrab/telegrab/internal/ingest"
	"github.com/telegrab/telegrab/internal/media"
)

var (
	ErrInvalidChatRef = errors.New("invalid chat reference")
	ErrNoFile         = errors.New("message item carries no fetchable file")
)

// ChatRef is a parsed chat reference: either a numeric id or a username.
type ChatRef struct {
	ID       int64
	Username string
}

var (
	privateLinkPattern = regexp.MustCompile(`^https?://t\.me/c/(\d+)`)
	publicLinkPattern  = regexp.MustCompile(`^https?://t\.me/([A-Za-z0-9_]+)`)
	hashIDPattern      = regexp.MustCompile(`#(-?\d+)`)
)

// ParseChatRef accepts t.me links, #<id> fragments, bare numeric ids, and
// @usernames.
func ParseChatRef(value string) (ChatRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ChatRef{}, ErrInvalidChatRef
	}
	if m := privateLinkPattern.FindStringSubmatch(value); m != nil {
		id, err := strconv.ParseInt("-100"+m[1], 10, 64)
		if err != nil {
			return ChatRef{}, fmt.Errorf("%w: %s", ErrInvalidChatRef, value)
		}
		return ChatRef{ID: id}, nil
	}
	if m := hashIDPattern.FindStringSubmatch(value); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ChatRef{}, fmt.Errorf("%w: %s", ErrInvalidChatRef, value)
		}
		return ChatRef{ID: id}, nil
	}
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ChatRef{ID: id}, nil
	}
	if m := publicLinkPattern.FindStringSubmatch(value); m != nil {
		return ChatRef{Username: m[1]}, nil
	}
	if strings.HasPrefix(value, "@") {
		name := strings.TrimPrefix(value, "@")
		if name == "" {
			return ChatRef{}, ErrInvalidChatRef
		}
		return ChatRef{Username: name}, nil
	}
	return ChatRef{Username: value}, nil
}

type Options struct {
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	UpdateTimeout     int
	MaxFetchRetries   int
	Logger            *zap.Logger
}

// Client adapts the Bot API into the ingest Source boundary. It ingests the
// live update stream; the Bot API cannot page chat history, so historical
// runs consume a different Source implementation.
type Client struct {
	bot           *tgbotapi.BotAPI
	http          *http.Client
	limiter       *rate.Limiter
	updateTimeout int
	maxRetries    int
	log           *zap.Logger
}

func New(token string, opts Options) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authorize bot: %w", err)
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	updateTimeout := opts.UpdateTimeout
	if updateTimeout <= 0 {
		updateTimeout = 30
	}
	maxRetries := opts.MaxFetchRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		bot:           bot,
		http:          &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
		updateTimeout: updateTimeout,
		maxRetries:    maxRetries,
		log:           log,
	}, nil
}

func (c *Client) ResolveChat(ctx context.Context, ref string) (media.Chat, error) {
	parsed, err := ParseChatRef(ref)
	if err != nil {
		return media.Chat{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return media.Chat{}, err
	}
	cfg := tgbotapi.ChatInfoConfig{}
	if parsed.ID != 0 {
		cfg.ChatConfig = tgbotapi.ChatConfig{ChatID: parsed.ID}
	} else {
		cfg.ChatConfig = tgbotapi.ChatConfig{SuperGroupUsername: "@" + parsed.Username}
	}
	chat, err := c.bot.GetChat(cfg)
	if err != nil {
		return media.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return media.Chat{
		ID:       chat.ID,
		Title:    chat.Title,
		Username: chat.UserName,
		Type:     chatType(chat.Type),
	}, nil
}

// Messages long-polls the update stream and yields messages for the
// requested chat. The stream ends when the context is cancelled.
func (c *Client) Messages(ctx context.Context, chat media.Chat) (ingest.MessageStream, error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.updateTimeout
	updates := c.bot.GetUpdatesChan(u)
	c.log.Info("watching live updates", zap.Int64("chat_id", chat.ID))
	return &updateStream{chatID: chat.ID, updates: updates}, nil
}

func (c *Client) Topics(ctx context.Context, chat media.Chat) (map[int64]string, error) {
	// The Bot API has no forum topic listing; topic titles come from the
	// message context when the platform includes them.
	return map[int64]string{}, nil
}

// Fetch downloads the item's bytes through the Bot API file endpoint,
// retrying transient failures and honoring the client-side rate limit.
func (c *Client) Fetch(ctx context.Context, chat media.Chat, msg media.Message, item media.Item) ([]byte, error) {
	if item.FileRef == "" {
		return nil, ErrNoFile
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: item.FileRef})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	url := file.Link(c.bot.Token)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, retryDelay(attempt)); err != nil {
				return nil, err
			}
		}
		data, retryable, err := c.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("file endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("file endpoint returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return data, false, nil
}

type updateStream struct {
	chatID  int64
	updates tgbotapi.UpdatesChannel
}

func (s *updateStream) Next(ctx context.Context) (media.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return media.Message{}, io.EOF
		case upd, ok := <-s.updates:
			if !ok {
				return media.Message{}, io.EOF
			}
			raw := upd.Message
			if raw == nil {
				raw = upd.ChannelPost
			}
			if raw == nil || raw.Chat == nil || raw.Chat.ID != s.chatID {
				continue
			}
			return translate(raw), nil
		}
	}
}

// translate converts a Bot API message into the core representation at the
// boundary; nothing downstream sees the Bot API types.
func translate(msg *tgbotapi.Message) media.Message {
	out := media.Message{
		ChatID:    msg.Chat.ID,
		ID:        int64(msg.MessageID),
		GroupedID: parseGroupID(msg.MediaGroupID),
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Text,
		Forwarded: msg.ForwardDate != 0,
	}
	if out.Text == "" {
		out.Text = msg.Caption
	}
	if msg.From != nil {
		out.SenderID = msg.From.ID
		out.SenderUsername = msg.From.UserName
		out.SenderName = strings.TrimSpace(strings.Join([]string{msg.From.FirstName, msg.From.LastName}, " "))
	}
	if msg.ReplyToMessage != nil {
		out.ReplyToID = int64(msg.ReplyToMessage.MessageID)
	}
	if msg.ForwardFrom != nil {
		out.ForwardFromID = msg.ForwardFrom.ID
		out.ForwardFromName = msg.ForwardFrom.UserName
	} else if msg.ForwardFromChat != nil {
		out.ForwardFromID = msg.ForwardFromChat.ID
		out.ForwardFromName = msg.ForwardFromChat.UserName
	} else if msg.ForwardSenderName != "" {
		out.ForwardFromName = msg.ForwardSenderName
	}
	if item, ok := translateItem(msg); ok {
		out.Items = []media.Item{item}
	}
	return out
}

// translateItem derives the media item for a Bot API message. The Bot API
// delivers at most one attachment per message (albums arrive as separate
// messages sharing a media group id), so the index is always 0.
func translateItem(msg *tgbotapi.Message) (media.Item, bool) {
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[len(msg.Photo)-1]
		return media.Item{
			Kind:     media.KindPhoto,
			Size:     int64(best.FileSize),
			MimeType: "image/jpeg",
			FileRef:  best.FileID,
		}, true
	case msg.Animation != nil:
		return media.Item{
			Kind:     media.KindGIF,
			Size:     int64(msg.Animation.FileSize),
			MimeType: msg.Animation.MimeType,
			FileName: msg.Animation.FileName,
			FileRef:  msg.Animation.FileID,
		}, true
	case msg.Sticker != nil:
		return media.Item{
			Kind:     media.KindSticker,
			Size:     int64(msg.Sticker.FileSize),
			MimeType: "image/webp",
			FileRef:  msg.Sticker.FileID,
		}, true
	case msg.Voice != nil:
		return media.Item{
			Kind:     media.KindVoice,
			Size:     int64(msg.Voice.FileSize),
			MimeType: msg.Voice.MimeType,
			FileRef:  msg.Voice.FileID,
		}, true
	case msg.Audio != nil:
		return media.Item{
			Kind:     media.KindAudio,
			Size:     int64(msg.Audio.FileSize),
			MimeType: msg.Audio.MimeType,
			FileName: msg.Audio.FileName,
			FileRef:  msg.Audio.FileID,
		}, true
	case msg.Video != nil:
		return media.Item{
			Kind:     media.KindVideo,
			Size:     int64(msg.Video.FileSize),
			MimeType: msg.Video.MimeType,
			FileName: msg.Video.FileName,
			FileRef:  msg.Video.FileID,
		}, true
	case msg.VideoNote != nil:
		return media.Item{
			Kind:     media.KindVideo,
			Size:     int64(msg.VideoNote.FileSize),
			MimeType: "video/mp4",
			FileRef:  msg.VideoNote.FileID,
		}, true
	case msg.Document != nil:
		return media.Item{
			Kind:     media.KindDocument,
			Size:     int64(msg.Document.FileSize),
			MimeType: msg.Document.MimeType,
			FileName: msg.Document.FileName,
			FileRef:  msg.Document.FileID,
		}, true
	default:
		return media.Item{}, false
	}
}

func chatType(value string) media.ChatType {
	switch value {
	case "private":
		return media.ChatPrivate
	case "group":
		return media.ChatGroup
	case "supergroup":
		return media.ChatSupergroup
	case "channel":
		return media.ChatChannel
	default:
		return media.ChatPrivate
	}
}

// parseGroupID maps a media group id to the core's numeric grouped id.
// Non-numeric ids hash deterministically so album members still converge.
func parseGroupID(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if id, err := strconv.ParseInt(value, 10, 64); err == nil {
		return id
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return int64(h.Sum64() & (1<<62 - 1))
}

func retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * 500 * time.Millisecond
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
