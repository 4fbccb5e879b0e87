package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/telegrab/telegrab/internal/ledger"
	"github.com/telegrab/telegrab/internal/media"
	"github.com/telegrab/telegrab/internal/metalog"
)

type sliceStream struct {
	msgs []media.Message
	pos  int
}

func (s *sliceStream) Next(ctx context.Context) (media.Message, error) {
	if err := ctx.Err(); err != nil {
		return media.Message{}, err
	}
	if s.pos >= len(s.msgs) {
		return media.Message{}, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

type fakeSource struct {
	chat     media.Chat
	messages []media.Message
	topics   map[int64]string

	fetchErr  map[int64]error // keyed by message id
	fetchHook func(msg media.Message)
	fetched   int
}

func (f *fakeSource) ResolveChat(ctx context.Context, ref string) (media.Chat, error) {
	return f.chat, nil
}

func (f *fakeSource) Messages(ctx context.Context, chat media.Chat) (MessageStream, error) {
	return &sliceStream{msgs: f.messages}, nil
}

func (f *fakeSource) Fetch(ctx context.Context, chat media.Chat, msg media.Message, item media.Item) ([]byte, error) {
	if f.fetchHook != nil {
		f.fetchHook(msg)
	}
	if err := f.fetchErr[msg.ID]; err != nil {
		return nil, err
	}
	f.fetched++
	return []byte(fmt.Sprintf("payload-%d-%d", msg.ID, item.Index)), nil
}

func (f *fakeSource) Topics(ctx context.Context, chat media.Chat) (map[int64]string, error) {
	return f.topics, nil
}

// claimCountingStore counts TryClaim calls so tests can verify that filtered
// items never reach the ledger.
type claimCountingStore struct {
	ledger.Store
	claims int
}

func (c *claimCountingStore) TryClaim(ctx context.Context, key ledger.Key) (ledger.Claim, error) {
	c.claims++
	return c.Store.TryClaim(ctx, key)
}

// successCommitFailingStore fails the first success-status commit, simulating
// a crash in the window between the file write and the ledger commit.
type successCommitFailingStore struct {
	ledger.Store
	tripped bool
}

func (c *successCommitFailingStore) Commit(ctx context.Context, key ledger.Key, record ledger.Record) error {
	if record.Status == ledger.StatusSuccess && !c.tripped {
		c.tripped = true
		return errors.New("simulated crash before commit")
	}
	return c.Store.Commit(ctx, key, record)
}

type harness struct {
	root     string
	store    ledger.Store
	recorder *metalog.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open ledger failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	recorder, err := metalog.NewRecorder(root)
	if err != nil {
		t.Fatalf("open recorder failed: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })
	return &harness{root: root, store: store, recorder: recorder}
}

func (h *harness) run(t *testing.T, source Source, store ledger.Store, opts Options) Summary {
	t.Helper()
	if store == nil {
		store = h.store
	}
	opts.OutputRoot = h.root
	orch, err := New(source, store, h.recorder, opts)
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	summary, err := orch.Run(context.Background(), "@somechat")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return summary
}

func (h *harness) metadataLines(t *testing.T, chatSlug string) []string {
	t.Helper()
	data, err := os.ReadFile(h.recorder.Path(chatSlug))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read metadata failed: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func testChat() media.Chat {
	return media.Chat{ID: -100999, Title: "Some Chat", Username: "somechat", Type: media.ChatChannel}
}

func photoMessage(id int64, date time.Time) media.Message {
	return media.Message{
		ChatID: -100999,
		ID:     id,
		Date:   date,
		Items: []media.Item{{
			Index:    0,
			Kind:     media.KindPhoto,
			MimeType: "image/jpeg",
			FileRef:  fmt.Sprintf("ref-%d", id),
		}},
	}
}

func TestRunDownloadsEveryItem(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		chat: testChat(),
		messages: []media.Message{
			photoMessage(1, date),
			photoMessage(2, date),
			photoMessage(3, date),
		},
	}

	summary := h.run(t, source, nil, Options{})
	if summary.Messages != 3 || summary.Downloaded != 3 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	for _, id := range []int64{1, 2, 3} {
		path := filepath.Join(h.root, "somechat", "__root", "2024-05-01", fmt.Sprintf("%d_0_photo.jpg", id))
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected file for message %d: %v", id, err)
		}
		if string(data) != fmt.Sprintf("payload-%d-0", id) {
			t.Fatalf("file for message %d holds %q", id, data)
		}
		record, err := h.store.Lookup(context.Background(), ledger.Key{ChatID: -100999, MessageID: id, MediaIndex: 0})
		if err != nil || record == nil || record.Status != ledger.StatusSuccess {
			t.Fatalf("ledger row for message %d: %+v (err %v)", id, record, err)
		}
	}
	if lines := h.metadataLines(t, "somechat"); len(lines) != 3 {
		t.Fatalf("expected 3 metadata lines, got %d", len(lines))
	}
}

func TestRunGroupsAlbumUnderAnchorFolder(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	album := func(id int64) media.Message {
		msg := photoMessage(id, date)
		msg.GroupedID = 777
		msg.Items = append(msg.Items, media.Item{Index: 1, Kind: media.KindPhoto, MimeType: "image/jpeg"})
		return msg
	}
	source := &fakeSource{chat: testChat(), messages: []media.Message{album(101), album(102)}}

	summary := h.run(t, source, nil, Options{})
	if summary.Downloaded != 4 {
		t.Fatalf("expected 4 downloads, got %+v", summary)
	}

	wantDir := filepath.Join(h.root, "somechat", "__root", "2024-06-02", "101")
	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatalf("album folder missing: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 files in album folder, got %d", len(entries))
	}
}

func TestRerunSkipsAndOptionallyRecords(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{chat: testChat(), messages: []media.Message{photoMessage(1, date), photoMessage(2, date)}}

	first := h.run(t, source, nil, Options{})
	if first.Downloaded != 2 {
		t.Fatalf("first run: %+v", first)
	}

	source.messages = []media.Message{photoMessage(1, date), photoMessage(2, date)}
	source.fetched = 0
	second := h.run(t, source, nil, Options{RecordSkips: true})
	if second.Downloaded != 0 || second.Skipped != 2 {
		t.Fatalf("rerun: %+v", second)
	}
	if source.fetched != 0 {
		t.Fatalf("rerun fetched %d items, want 0", source.fetched)
	}
	lines := h.metadataLines(t, "somechat")
	if len(lines) != 4 {
		t.Fatalf("expected 2 success + 2 skip lines, got %d", len(lines))
	}
	skips := 0
	for _, line := range lines {
		if strings.Contains(line, `"status":"skipped"`) {
			skips++
		}
	}
	if skips != 2 {
		t.Fatalf("expected 2 skipped lines, got %d", skips)
	}
}

func TestFilteredKindsNeverReachTheLedger(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := photoMessage(1, date)
	msg.Items = append(msg.Items, media.Item{Index: 1, Kind: media.KindSticker, MimeType: "image/webp"})
	source := &fakeSource{chat: testChat(), messages: []media.Message{msg}}
	counting := &claimCountingStore{Store: h.store}

	summary := h.run(t, source, counting, Options{
		Filter: media.NewFilter([]media.Kind{media.KindPhoto}, time.Time{}, time.Time{}),
	})
	if summary.Downloaded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if counting.claims != 1 {
		t.Fatalf("filtered sticker was claim-checked: %d claims", counting.claims)
	}
}

func TestDateFilterExcludesWholeMessages(t *testing.T) {
	h := newHarness(t)
	in := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	out := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{chat: testChat(), messages: []media.Message{photoMessage(1, out), photoMessage(2, in)}}

	summary := h.run(t, source, nil, Options{
		Filter: media.NewFilter(nil, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Time{}),
	})
	if summary.Messages != 2 || summary.Downloaded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestFetchFailureIsContainedAndRetriedOnRerun(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		chat:     testChat(),
		messages: []media.Message{photoMessage(1, date), photoMessage(2, date)},
		fetchErr: map[int64]error{2: errors.New("connection reset")},
	}

	first := h.run(t, source, nil, Options{})
	if first.Downloaded != 1 || first.Failed != 1 {
		t.Fatalf("first run: %+v", first)
	}
	record, err := h.store.Lookup(context.Background(), ledger.Key{ChatID: -100999, MessageID: 2, MediaIndex: 0})
	if err != nil || record == nil || record.Status != ledger.StatusFailed {
		t.Fatalf("expected failed ledger row: %+v (err %v)", record, err)
	}

	source.messages = []media.Message{photoMessage(1, date), photoMessage(2, date)}
	source.fetchErr = nil
	second := h.run(t, source, nil, Options{})
	if second.Downloaded != 1 || second.Skipped != 1 || second.Failed != 0 {
		t.Fatalf("rerun: %+v", second)
	}
}

func TestCrashBetweenWriteAndCommitIsRetried(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{chat: testChat(), messages: []media.Message{photoMessage(1, date)}}
	crashing := &successCommitFailingStore{Store: h.store}

	orch, err := New(source, crashing, h.recorder, Options{OutputRoot: h.root})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	if _, err := orch.Run(context.Background(), "@somechat"); err == nil {
		t.Fatalf("expected fatal error from commit failure")
	}

	path := filepath.Join(h.root, "somechat", "__root", "2024-05-01", "1_0_photo.jpg")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should exist after interrupted run: %v", err)
	}
	claim, err := h.store.TryClaim(context.Background(), ledger.Key{ChatID: -100999, MessageID: 1, MediaIndex: 0})
	if err != nil || claim.Done {
		t.Fatalf("interrupted item must stay unclaimed: %+v (err %v)", claim, err)
	}

	source.messages = []media.Message{photoMessage(1, date)}
	summary := h.run(t, source, nil, Options{})
	if summary.Downloaded != 1 {
		t.Fatalf("rerun did not re-download: %+v", summary)
	}
}

func TestCancellationStopsBetweenItems(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{
		chat:     testChat(),
		messages: []media.Message{photoMessage(1, date), photoMessage(2, date)},
	}
	source.fetchHook = func(msg media.Message) { cancel() }

	orch, err := New(source, h.store, h.recorder, Options{OutputRoot: h.root})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	summary, runErr := orch.Run(ctx, "@somechat")
	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", runErr)
	}
	if summary.Downloaded != 1 {
		t.Fatalf("in-flight item should complete before stop: %+v", summary)
	}
	record, err := h.store.Lookup(context.Background(), ledger.Key{ChatID: -100999, MessageID: 1, MediaIndex: 0})
	if err != nil || record == nil || record.Status != ledger.StatusSuccess {
		t.Fatalf("first item should be committed: %+v (err %v)", record, err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	h := newHarness(t)
	if _, err := New(nil, h.store, h.recorder, Options{OutputRoot: h.root}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := New(&fakeSource{}, h.store, h.recorder, Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty output root, got %v", err)
	}
}

func TestForumTopicTitlesFlowIntoFolders(t *testing.T) {
	h := newHarness(t)
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chat := testChat()
	chat.Forum = true
	msg := photoMessage(1, date)
	msg.TopicID = 55
	source := &fakeSource{
		chat:     chat,
		messages: []media.Message{msg},
		topics:   map[int64]string{55: "Release Notes"},
	}

	summary := h.run(t, source, nil, Options{})
	if summary.Downloaded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	path := filepath.Join(h.root, "somechat", "Release Notes", "2024-05-01", "1_0_photo.jpg")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected topic folder path: %v", err)
	}
}
