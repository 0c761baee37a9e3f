package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/notify"
	"github.com/diplomabazar/bookchat/internal/realtime"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu          sync.Mutex
	clock       *fakeClock
	nextID      int
	rows        []MessageRow
	attachments []AttachmentRow
	requests    []PurchaseRequest
	profiles    map[string]Profile
	listings    map[string]Listing

	failMessages    error
	failProfiles    error
	failAttachments error
	failInsert      error
	failAttachRec   error
	updateCalls     int
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{clock: clock, profiles: map[string]Profile{}, listings: map[string]Listing{}}
}

func statusPtr(s Status) *Status {
	return &s
}

// addRow seeds a stored message created offset after baseTime.
func (f *fakeStore) addRow(id, sender, receiver, content string, offset time.Duration, status *Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := baseTime.Add(offset)
	f.rows = append(f.rows, MessageRow{ID: id, SenderID: sender, ReceiverID: receiver, Content: content, CreatedAt: at, UpdatedAt: at, Status: status})
}

func (f *fakeStore) status(id string) (*Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row.Status, true
		}
	}
	return nil, false
}

func (f *fakeStore) ListConversationMessages(_ context.Context, a, b, listingID string, limit int) ([]MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMessages != nil {
		return nil, f.failMessages
	}
	var out []MessageRow
	for _, row := range f.rows {
		between := (row.SenderID == a && row.ReceiverID == b) || (row.SenderID == b && row.ReceiverID == a)
		if !between {
			continue
		}
		if listingID != "" && (row.ListingID == nil || *row.ListingID != listingID) {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListUserMessages(_ context.Context, userID string) ([]MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMessages != nil {
		return nil, f.failMessages
	}
	var out []MessageRow
	for _, row := range f.rows {
		if row.SenderID == userID || row.ReceiverID == userID {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) ListAttachments(_ context.Context, ids []string) ([]AttachmentRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAttachments != nil {
		return nil, f.failAttachments
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []AttachmentRow
	for _, rec := range f.attachments {
		if want[rec.MessageID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPurchaseRequests(_ context.Context, a, b string, listingIDs []string) ([]PurchaseRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PurchaseRequest
	for _, req := range f.requests {
		inPair := (req.BuyerID == a && req.SellerID == b) || (req.BuyerID == b && req.SellerID == a)
		if !inPair {
			continue
		}
		if len(listingIDs) > 0 && !contains(listingIDs, req.ListingID) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeStore) GetProfiles(_ context.Context, ids []string) ([]Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProfiles != nil {
		return nil, f.failProfiles
	}
	var out []Profile
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetListings(_ context.Context, ids []string) ([]Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Listing
	for _, id := range ids {
		if l, ok := f.listings[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) GetListing(_ context.Context, id string) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, row NewMessage) (MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return MessageRow{}, f.failInsert
	}
	f.nextID++
	at := f.clock.Now()
	f.clock.Advance(time.Second)
	stored := MessageRow{
		ID:         fmt.Sprintf("m%d", f.nextID),
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		Content:    row.Content,
		CreatedAt:  at,
		UpdatedAt:  at,
		Status:     statusPtr(row.Status),
	}
	if row.ListingID != "" {
		listing := row.ListingID
		stored.ListingID = &listing
	}
	f.rows = append(f.rows, stored)
	return stored, nil
}

func (f *fakeStore) InsertAttachment(_ context.Context, row AttachmentRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAttachRec != nil {
		return f.failAttachRec
	}
	f.attachments = append(f.attachments, row)
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, ids []string, status Status, from []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	var updated []string
	for i := range f.rows {
		row := &f.rows[i]
		if !contains(ids, row.ID) {
			continue
		}
		if row.Status != nil && !contains(from, string(*row.Status)) {
			continue
		}
		row.Status = statusPtr(status)
		updated = append(updated, row.ID)
	}
	return updated, nil
}

func (f *fakeStore) ListUnreadIDs(_ context.Context, receiverID, senderID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, row := range f.rows {
		if row.ReceiverID == receiverID && row.SenderID == senderID && (row.Status == nil || *row.Status != StatusRead) {
			ids = append(ids, row.ID)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetStatuses(_ context.Context, ids []string) (map[string]Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]Status{}
	for _, row := range f.rows {
		if contains(ids, row.ID) {
			status := StatusSent
			if row.Status != nil {
				status = *row.Status
			}
			out[row.ID] = status
		}
	}
	return out, nil
}

func (f *fakeStore) CountUnread(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.ReceiverID == userID && (row.Status == nil || *row.Status != StatusRead) {
			n++
		}
	}
	return n, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.MessageEvent
	err    error
}

func (n *fakeNotifier) MessageSent(_ context.Context, ev notify.MessageEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type fakeObjects struct {
	mu         sync.Mutex
	uploads    map[string][]byte
	failPrefix string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{uploads: map[string][]byte{}}
}

func (o *fakeObjects) Upload(_ context.Context, bucket, path string, body io.Reader, _ baas.UploadOptions) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failPrefix != "" && strings.HasPrefix(path, o.failPrefix) {
		return &baas.HTTPError{StatusCode: 400, Message: "folder not allowed"}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.uploads[bucket+"/"+path] = data
	return nil
}

func (o *fakeObjects) PublicURL(bucket, path string) string {
	return "http://backend.test/storage/v1/object/public/" + bucket + "/" + path
}

func (o *fakeObjects) SignedURL(_ context.Context, bucket, path string, _ time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.uploads[bucket+"/"+path]; !ok {
		return "", &baas.HTTPError{StatusCode: 404, Message: "Object not found"}
	}
	return "https://backend.test/storage/v1/object/sign/" + bucket + "/" + path + "?token=t", nil
}

func (o *fakeObjects) paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for p := range o.uploads {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type fakeFeed struct {
	mu       sync.Mutex
	channels []*fakeChannel
	opened   chan *fakeChannel
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{opened: make(chan *fakeChannel, 64)}
}

func (f *fakeFeed) Channel(name string) realtime.Channel {
	ch := &fakeChannel{feed: f, name: name, state: realtime.StateClosed}
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeFeed) Close() error { return nil }

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// next waits for the next channel to be subscribed.
func (f *fakeFeed) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-f.opened:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a channel subscription")
		return nil
	}
}

func (f *fakeFeed) expectNoSubscription(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ch := <-f.opened:
		t.Fatalf("expected no new subscription, got %s", ch.name)
	case <-time.After(wait):
	}
}

type fakeRegistration struct {
	binding realtime.Binding
	handler realtime.Handler
}

type fakeChannel struct {
	feed     *fakeFeed
	name     string
	mu       sync.Mutex
	regs     []fakeRegistration
	state    realtime.State
	onStatus realtime.StatusFunc
	closes   int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) On(b realtime.Binding, h realtime.Handler) {
	c.mu.Lock()
	c.regs = append(c.regs, fakeRegistration{binding: b, handler: h})
	c.mu.Unlock()
}

func (c *fakeChannel) Subscribe(_ context.Context, onStatus realtime.StatusFunc) error {
	c.mu.Lock()
	if c.state == realtime.StateJoining || c.state == realtime.StateJoined {
		c.mu.Unlock()
		return errors.New("already subscribed")
	}
	c.state = realtime.StateJoining
	c.onStatus = onStatus
	c.mu.Unlock()
	c.feed.opened <- c
	return nil
}

func (c *fakeChannel) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	wasOpen := c.state != realtime.StateClosed
	c.state = realtime.StateClosed
	onStatus := c.onStatus
	c.mu.Unlock()
	if wasOpen && onStatus != nil {
		go onStatus(realtime.StatusClosed, nil)
	}
	return nil
}

// report sends a lifecycle status the way a transport would.
func (c *fakeChannel) report(status realtime.Status, err error) {
	c.mu.Lock()
	switch status {
	case realtime.StatusSubscribed:
		c.state = realtime.StateJoined
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		c.state = realtime.StateErrored
	case realtime.StatusClosed:
		c.state = realtime.StateClosed
	}
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(status, err)
	}
}

// dropSilently marks the channel closed without any status callback.
func (c *fakeChannel) dropSilently() {
	c.mu.Lock()
	c.state = realtime.StateClosed
	c.mu.Unlock()
}

func (c *fakeChannel) emit(typ realtime.EventType, table, record string) {
	change := realtime.Change{Type: typ, Schema: "public", Table: table, Record: []byte(record)}
	c.mu.Lock()
	regs := append([]fakeRegistration(nil), c.regs...)
	c.mu.Unlock()
	for _, reg := range regs {
		if reg.binding.Table != "" && reg.binding.Table != table {
			continue
		}
		if reg.binding.Event != "" && reg.binding.Event != realtime.EventAll && reg.binding.Event != typ {
			continue
		}
		if reg.binding.Filter != "" && !realtime.MatchFilter(reg.binding.Filter, change.Record) {
			continue
		}
		reg.handler(change)
	}
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an event")
		return Event{}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("expected no event, got %s %s", ev.Type, ev.Message.ID)
	case <-time.After(wait):
	}
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
