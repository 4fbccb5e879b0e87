package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telegrab/telegrab/internal/ledger"
	"github.com/telegrab/telegrab/internal/media"
	"github.com/telegrab/telegrab/internal/metalog"
	"github.com/telegrab/telegrab/internal/taxonomy"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrOutputRootUnwritable = errors.New("output root is not writable")
)

// Source is the boundary to the network client. Implementations translate
// their native message representation into the core types; the orchestrator
// never sees anything else.
type Source interface {
	ResolveChat(ctx context.Context, ref string) (media.Chat, error)
	Messages(ctx context.Context, chat media.Chat) (MessageStream, error)
	Fetch(ctx context.Context, chat media.Chat, msg media.Message, item media.Item) ([]byte, error)
	Topics(ctx context.Context, chat media.Chat) (map[int64]string, error)
}

// MessageStream yields messages in source delivery order. Next returns
// io.EOF when the stream is exhausted.
type MessageStream interface {
	Next(ctx context.Context) (media.Message, error)
}

// State tracks one media item through the ingest machine.
type State string

const (
	StatePending      State = "pending"
	StateClaimChecked State = "claim_checked"
	StateDownloading  State = "downloading"
	StateWritten      State = "written"
	StateCommitted    State = "committed"
	StateSkipped      State = "skipped"
	StateFailed       State = "failed"
)

type Options struct {
	OutputRoot  string
	Filter      media.Filter
	RecordSkips bool
	Logger      *zap.Logger
}

type Summary struct {
	Messages   int
	Downloaded int
	Skipped    int
	Failed     int
}

// Orchestrator drives the per-message, per-item ingest loop. One logical
// worker: messages are processed sequentially, items in attachment order.
type Orchestrator struct {
	source      Source
	store       ledger.Store
	meta        *metalog.Recorder
	outputRoot  string
	filter      media.Filter
	recordSkips bool
	log         *zap.Logger
	runID       string
}

func New(source Source, store ledger.Store, meta *metalog.Recorder, opts Options) (*Orchestrator, error) {
	if source == nil || store == nil || meta == nil {
		return nil, ErrInvalidInput
	}
	if opts.OutputRoot == "" {
		return nil, fmt.Errorf("%w: output root is required", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Orchestrator{
		source:      source,
		store:       store,
		meta:        meta,
		outputRoot:  filepath.Clean(opts.OutputRoot),
		filter:      opts.Filter,
		recordSkips: opts.RecordSkips,
		log:         log.With(zap.String("run_id", runID)),
		runID:       runID,
	}, nil
}

// Run ingests one chat. Item-level failures are contained; the returned
// error is non-nil only for fatal conditions (ledger failures, an unwritable
// output root, source resolution) or cancellation between items.
func (o *Orchestrator) Run(ctx context.Context, chatRef string) (Summary, error) {
	summary := Summary{}
	chat, err := o.source.ResolveChat(ctx, chatRef)
	if err != nil {
		return summary, fmt.Errorf("resolve chat %q: %w", chatRef, err)
	}
	if err := o.probeOutputRoot(); err != nil {
		return summary, err
	}

	resolver := taxonomy.NewResolver(o.outputRoot)
	chatSlug := resolver.ChatSlug(chat)
	log := o.log.With(zap.Int64("chat_id", chat.ID), zap.String("chat", chatSlug))

	topics := map[int64]string{}
	if chat.Forum {
		if listed, topicErr := o.source.Topics(ctx, chat); topicErr != nil {
			log.Warn("listing forum topics failed, folders fall back to topic ids", zap.Error(topicErr))
		} else if listed != nil {
			topics = listed
		}
	}

	stream, err := o.source.Messages(ctx, chat)
	if err != nil {
		return summary, fmt.Errorf("open message stream: %w", err)
	}

	log.Info("ingest started")
	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("message stream: %w", err)
		}
		summary.Messages++
		if !o.filter.InRange(msg.Date) {
			continue
		}
		topicTitle := msg.TopicTitle
		if topicTitle == "" && msg.TopicID != 0 {
			topicTitle = topics[msg.TopicID]
		}
		for _, item := range msg.Items {
			// Stops take effect between items; the in-flight item runs
			// on a detached context so it can finish or fail cleanly.
			if ctxErr := ctx.Err(); ctxErr != nil {
				o.logSummary(log, summary)
				return summary, ctxErr
			}
			if !o.filter.AllowsKind(item.Kind) {
				continue
			}
			itemCtx := context.WithoutCancel(ctx)
			if err := o.processItem(itemCtx, log, resolver, chat, chatSlug, topicTitle, msg, item, &summary); err != nil {
				o.logSummary(log, summary)
				return summary, err
			}
		}
	}
	o.logSummary(log, summary)
	return summary, nil
}

func (o *Orchestrator) processItem(
	ctx context.Context,
	log *zap.Logger,
	resolver *taxonomy.Resolver,
	chat media.Chat,
	chatSlug, topicTitle string,
	msg media.Message,
	item media.Item,
	summary *Summary,
) error {
	key := ledger.Key{ChatID: chat.ID, MessageID: msg.ID, MediaIndex: item.Index}
	itemLog := log.With(
		zap.Int64("message_id", msg.ID),
		zap.Int("media_index", item.Index),
		zap.String("kind", string(item.Kind)),
	)
	state := StatePending
	step := func(next State) {
		state = next
		itemLog.Debug("state transition", zap.String("state", string(state)))
	}

	claim, err := o.store.TryClaim(ctx, key)
	if err != nil {
		return fmt.Errorf("ledger claim: %w", err)
	}
	step(StateClaimChecked)

	if claim.Done {
		step(StateSkipped)
		summary.Skipped++
		itemLog.Debug("already materialized, skipping", zap.String("path", claim.Path))
		if o.recordSkips {
			record := o.buildRecord(chat, chatSlug, topicTitle, msg, item, claim.Path, nil, metalog.StatusSkipped, "")
			if appendErr := o.meta.Append(chatSlug, record); appendErr != nil {
				itemLog.Warn("metadata append failed", zap.Error(appendErr))
			}
		}
		return nil
	}

	path, err := resolver.Resolve(taxonomy.Request{
		ChatSlug:   chatSlug,
		TopicID:    msg.TopicID,
		TopicTitle: topicTitle,
		GroupedID:  msg.GroupedID,
		Date:       msg.Date,
		MessageID:  msg.ID,
		MediaIndex: item.Index,
		Kind:       item.Kind,
		MimeType:   item.MimeType,
		FileName:   item.FileName,
	})
	if err != nil {
		return o.failItem(ctx, itemLog, chat, chatSlug, topicTitle, msg, item, key, "", fmt.Errorf("resolve path: %w", err), summary)
	}

	step(StateDownloading)
	data, err := o.source.Fetch(ctx, chat, msg, item)
	if err != nil {
		return o.failItem(ctx, itemLog, chat, chatSlug, topicTitle, msg, item, key, path, fmt.Errorf("fetch media: %w", err), summary)
	}

	// The ledger, not the filesystem, decides "done": a leftover file from
	// an interrupted attempt is overwritten here.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return o.failItem(ctx, itemLog, chat, chatSlug, topicTitle, msg, item, key, path, fmt.Errorf("create directory: %w", err), summary)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return o.failItem(ctx, itemLog, chat, chatSlug, topicTitle, msg, item, key, path, fmt.Errorf("write file: %w", err), summary)
	}
	step(StateWritten)

	size := int64(len(data))
	if err := o.store.Commit(ctx, key, ledger.Record{
		Path:     path,
		Size:     size,
		MimeType: item.MimeType,
		Kind:     item.Kind,
		DateISO:  isoDate(msg.Date),
		Status:   ledger.StatusSuccess,
	}); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	step(StateCommitted)
	summary.Downloaded++

	record := o.buildRecord(chat, chatSlug, topicTitle, msg, item, path, &size, metalog.StatusSuccess, "")
	if appendErr := o.meta.Append(chatSlug, record); appendErr != nil {
		itemLog.Warn("metadata append failed", zap.Error(appendErr))
	}
	itemLog.Info("media saved", zap.String("path", path), zap.Int64("size", size), zap.String("state", string(state)))
	return nil
}

// failItem records a terminal item-level failure in both the ledger and the
// metadata log, then lets the loop continue. A failed ledger row counts as
// "not done" so a rerun retries the item.
func (o *Orchestrator) failItem(
	ctx context.Context,
	itemLog *zap.Logger,
	chat media.Chat,
	chatSlug, topicTitle string,
	msg media.Message,
	item media.Item,
	key ledger.Key,
	path string,
	cause error,
	summary *Summary,
) error {
	summary.Failed++
	itemLog.Error("media item failed", zap.Error(cause), zap.String("path", path))
	if err := o.store.Commit(ctx, key, ledger.Record{
		Path:     path,
		MimeType: item.MimeType,
		Kind:     item.Kind,
		DateISO:  isoDate(msg.Date),
		Status:   ledger.StatusFailed,
	}); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	record := o.buildRecord(chat, chatSlug, topicTitle, msg, item, path, nil, metalog.StatusFailed, cause.Error())
	if appendErr := o.meta.Append(chatSlug, record); appendErr != nil {
		itemLog.Warn("metadata append failed", zap.Error(appendErr))
	}
	return nil
}

func (o *Orchestrator) buildRecord(
	chat media.Chat,
	chatSlug, topicTitle string,
	msg media.Message,
	item media.Item,
	path string,
	size *int64,
	status metalog.Status,
	errDetail string,
) metalog.Record {
	var topicID *int64
	if msg.TopicID != 0 {
		topicID = metalog.OptInt64(msg.TopicID)
	}
	return metalog.Record{
		ChatID:              chat.ID,
		ChatUsername:        metalog.OptString(chat.Username),
		ChatTitle:           metalog.OptString(chat.Title),
		ChatType:            string(chat.Type),
		MessageID:           msg.ID,
		MediaIndex:          item.Index,
		GroupedID:           metalog.OptInt64(msg.GroupedID),
		TopicID:             topicID,
		TopicTitle:          metalog.OptString(topicTitle),
		DateISO:             isoDate(msg.Date),
		SenderID:            metalog.OptInt64(msg.SenderID),
		SenderUsername:      metalog.OptString(msg.SenderUsername),
		SenderDisplayName:   metalog.OptString(msg.SenderName),
		TextRaw:             metalog.OptString(msg.Text),
		ReplyToMessageID:    metalog.OptInt64(msg.ReplyToID),
		MediaType:           string(item.Kind),
		FilePath:            path,
		FileSize:            size,
		MimeType:            metalog.OptString(item.MimeType),
		HasSpoiler:          msg.HasSpoiler,
		IsForwarded:         msg.Forwarded,
		ForwardFromID:       metalog.OptInt64(msg.ForwardFromID),
		ForwardFromUsername: metalog.OptString(msg.ForwardFromName),
		Status:              status,
		Error:               metalog.OptString(errDetail),
		Extra:               map[string]any{"run_id": o.runID},
	}
}

// probeOutputRoot catches a structurally unusable output root up front so a
// broken root surfaces as one diagnostic instead of failing every item.
func (o *Orchestrator) probeOutputRoot() error {
	if err := os.MkdirAll(o.outputRoot, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRootUnwritable, err)
	}
	probe := filepath.Join(o.outputRoot, ".telegrab-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRootUnwritable, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRootUnwritable, err)
	}
	return nil
}

func (o *Orchestrator) logSummary(log *zap.Logger, summary Summary) {
	log.Info("ingest finished",
		zap.Int("messages", summary.Messages),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
}

func isoDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
