package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diplomabazar/bookchat/internal/backup"
)

type testEnv struct {
	svc      *Service
	store    *fakeStore
	clock    *fakeClock
	feed     *fakeFeed
	notifier *fakeNotifier
	objects  *fakeObjects
	backups  *backup.MemoryCache
}

func newTestEnv(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	env := &testEnv{
		store:    newFakeStore(clock),
		clock:    clock,
		feed:     newFakeFeed(),
		notifier: &fakeNotifier{},
		objects:  newFakeObjects(),
		backups:  backup.NewMemoryCache(backup.Policy{Now: clock.Now}),
	}
	opts := Options{
		Objects:        env.objects,
		Feed:           env.feed,
		Notifier:       env.notifier,
		Backups:        env.backups,
		Now:            clock.Now,
		ReconnectBase:  time.Millisecond,
		ReconnectMax:   4 * time.Millisecond,
		HealthInterval: time.Hour,
	}
	if tweak != nil {
		tweak(&opts)
	}
	env.svc = New(env.store, opts)
	return env
}

func TestSendThenLoadHistoryReturnsOneSentEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.svc.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Content: "hello"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	history, err := env.svc.LoadHistory(ctx, "alice", "bob", "")
	if err != nil {
		t.Fatalf("load history failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(history))
	}
	msg := history[0]
	if msg.Content != "hello" || msg.Status != StatusSent || msg.SenderID != "alice" {
		t.Fatalf("unexpected entry %+v", msg)
	}
	if !msg.Own {
		t.Fatalf("expected message to be marked own for alice")
	}
	if msg.Attachment != nil {
		t.Fatalf("expected no attachment, got %+v", msg.Attachment)
	}
}

func TestLoadHistoryMergesPurchaseRequestsInTimeOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.profiles["alice"] = Profile{ID: "alice", Name: "Alice"}
	env.store.profiles["bob"] = Profile{ID: "bob", Name: "Bob", AvatarURL: "https://x/bob.png"}
	env.store.addRow("m2", "bob", "alice", "second", 2*time.Minute, statusPtr(StatusRead))
	env.store.addRow("m1", "alice", "bob", "first", time.Minute, nil)
	env.store.addRow("x1", "alice", "carol", "elsewhere", 90*time.Second, nil)
	env.store.requests = []PurchaseRequest{{
		ID: "r1", ListingID: "book-1", BuyerID: "bob", SellerID: "alice",
		ProposedPrice: 250, Status: RequestPending, CreatedAt: baseTime.Add(90 * time.Second),
	}}

	history, err := env.svc.LoadHistory(context.Background(), "alice", "bob", "")
	if err != nil {
		t.Fatalf("load history failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	wantIDs := []string{"m1", "purchase-request-r1", "m2"}
	for i, want := range wantIDs {
		if history[i].ID != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, history[i].ID)
		}
	}
	if history[0].Status != StatusSent {
		t.Fatalf("expected NULL status to read as sent, got %s", history[0].Status)
	}
	req := history[1]
	if !req.IsPurchaseRequest || req.Status != StatusDelivered || req.SenderName != "Bob" {
		t.Fatalf("unexpected purchase request entry %+v", req)
	}
	if req.Content != "বই কেনার অনুরোধ: 250 টাকা" {
		t.Fatalf("unexpected purchase request content %q", req.Content)
	}
	if history[2].SenderName != "Bob" || history[2].SenderAvatarURL != "https://x/bob.png" {
		t.Fatalf("expected sender profile on entry, got %+v", history[2])
	}
}

func TestLoadHistoryFetchFailureReturnsEmptySlice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.failMessages = errors.New("connection refused")
	history, err := env.svc.LoadHistory(context.Background(), "alice", "bob", "")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if history == nil || len(history) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", history)
	}
}

func TestLoadHistoryRejectsInvalidPair(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.svc.LoadHistory(context.Background(), "alice", "alice", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadHistoryToleratesEnrichmentFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.failProfiles = errors.New("profiles down")
	env.store.failAttachments = errors.New("attachments down")
	env.store.addRow("m1", "bob", "alice", "hi", time.Minute, nil)
	history, err := env.svc.LoadHistory(context.Background(), "alice", "bob", "")
	if err != nil {
		t.Fatalf("expected enrichment failures to be logged only, got %v", err)
	}
	if len(history) != 1 || history[0].SenderName != unknownUserName {
		t.Fatalf("expected fallback sender name, got %+v", history)
	}
}

func TestLoadHistoryAttachmentSources(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.store.addRow("m1", "bob", "alice", ImagePlaceholder, time.Minute, nil)
	env.store.addRow("m2", "bob", "alice", DocumentPlaceholder("notes.pdf"), 2*time.Minute, nil)
	env.store.addRow("m3", "bob", "alice", ImagePlaceholder, 3*time.Minute, nil)
	env.store.attachments = []AttachmentRow{{MessageID: "m1", URL: "https://cdn/m1.jpg", Folder: imageFolder, FileName: "m1.jpg"}}
	if err := env.backups.Put(ctx, backup.Entry{MessageID: "m2", URL: "https://cdn/notes.pdf", Kind: "document", Name: "notes.pdf"}); err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	history, err := env.svc.LoadHistory(ctx, "alice", "bob", "")
	if err != nil {
		t.Fatalf("load history failed: %v", err)
	}
	if a := history[0].Attachment; a == nil || a.URL != "https://cdn/m1.jpg" || a.Kind != KindImage {
		t.Fatalf("expected attachment from record, got %+v", a)
	}
	if a := history[1].Attachment; a == nil || a.URL != "https://cdn/notes.pdf" || a.Kind != KindDocument {
		t.Fatalf("expected attachment from backup, got %+v", a)
	}
	if a := history[2].Attachment; a == nil || a.Kind != KindImage || a.URL != "" {
		t.Fatalf("expected placeholder-only attachment, got %+v", a)
	}
}

func TestLoadHistoryScopedToListing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.svc.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", ListingID: "book-1", Content: "about book 1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.svc.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", ListingID: "book-2", Content: "about book 2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	history, err := env.svc.LoadHistory(ctx, "alice", "bob", "book-2")
	if err != nil {
		t.Fatalf("load history failed: %v", err)
	}
	if len(history) != 1 || history[0].Content != "about book 2" {
		t.Fatalf("expected only the book-2 message, got %+v", history)
	}
}
