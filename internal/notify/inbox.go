package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/realtime"
	"github.com/rs/zerolog"
)

const notificationsTable = "notifications"

type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

// Inbox reads and updates a user's notification rows. It also serves as the
// Dispatcher's Store.
type Inbox struct {
	client *baas.Client
	feed   realtime.Feed
	logger *zerolog.Logger

	dedupTTL      time.Duration
	reconnect     baas.Backoff
	maxReconnects int
}

func NewInbox(client *baas.Client, feed realtime.Feed, logger *zerolog.Logger) *Inbox {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Inbox{
		client:        client,
		feed:          feed,
		logger:        logger,
		dedupTTL:      time.Minute,
		reconnect:     baas.Backoff{Base: 2 * time.Second, Max: 30 * time.Second},
		maxReconnects: 5,
	}
}

func (i *Inbox) InsertNotification(ctx context.Context, n New) (Notification, error) {
	if err := n.validate(); err != nil {
		return Notification{}, err
	}
	var rows []Notification
	if err := i.client.Insert(ctx, notificationsTable, n, &rows); err != nil {
		return Notification{}, err
	}
	if len(rows) == 0 {
		return Notification{}, fmt.Errorf("notification insert returned no row")
	}
	return rows[0], nil
}

// List returns newest-first notifications with sender names filled in.
func (i *Inbox) List(ctx context.Context, userID string, opts ListOptions) ([]Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	q := baas.From(notificationsTable).Eq("user_id", userID).Order("created_at", false).Range(opts.Offset, opts.Offset+limit-1)
	if opts.UnreadOnly {
		q.Eq("is_read", "false")
	}
	var rows []Notification
	if err := i.client.Select(ctx, q, &rows); err != nil {
		return nil, err
	}
	senders := map[string]struct{}{}
	for _, row := range rows {
		if row.SenderID != "" {
			senders[row.SenderID] = struct{}{}
		}
	}
	if len(senders) == 0 {
		return rows, nil
	}
	ids := make([]string, 0, len(senders))
	for id := range senders {
		ids = append(ids, id)
	}
	var profiles []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := i.client.Select(ctx, baas.From("profiles").Select("id,name,avatar_url").In("id", ids), &profiles); err != nil {
		i.logger.Warn().Err(err).Msg("sender profiles unavailable for notifications")
		return rows, nil
	}
	byID := make(map[string]int, len(profiles))
	for idx, p := range profiles {
		byID[p.ID] = idx
	}
	for idx := range rows {
		if p, ok := byID[rows[idx].SenderID]; ok {
			rows[idx].SenderName = profiles[p].Name
			rows[idx].SenderAvatarURL = profiles[p].AvatarURL
		}
	}
	return rows, nil
}

func (i *Inbox) UnreadCount(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidInput
	}
	return i.client.Count(ctx, baas.From(notificationsTable).Select("id").Eq("user_id", userID).Eq("is_read", "false"))
}

func (i *Inbox) MarkRead(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	patch := map[string]any{"is_read": true, "updated_at": time.Now().UTC()}
	return i.client.Update(ctx, baas.From(notificationsTable).Eq("id", id), patch, nil)
}

// MarkAllRead returns how many notifications changed.
func (i *Inbox) MarkAllRead(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidInput
	}
	var updated []struct {
		ID string `json:"id"`
	}
	patch := map[string]any{"is_read": true, "updated_at": time.Now().UTC()}
	q := baas.From(notificationsTable).Select("id").Eq("user_id", userID).Eq("is_read", "false")
	if err := i.client.Update(ctx, q, patch, &updated); err != nil {
		return 0, err
	}
	return len(updated), nil
}

func (i *Inbox) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return i.client.Delete(ctx, baas.From(notificationsTable).Eq("id", id))
}

// Watch is a live notification subscription. After a channel error it
// rejoins with backoff, giving up after a bounded number of attempts; callers
// that must not miss rows keep polling List alongside it.
type Watch struct {
	inbox  *Inbox
	ctx    context.Context
	userID string
	fn     func(Notification)
	seen   *realtime.SeenSet

	mu         sync.Mutex
	channel    realtime.Channel
	generation int
	attempts   int
	timer      *time.Timer
	closed     bool
}

func (w *Watch) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	channel := w.channel
	w.mu.Unlock()
	w.seen.Clear()
	if channel == nil {
		return nil
	}
	return channel.Close()
}

// Subscribe delivers newly inserted notifications for userID. Duplicate
// deliveries of the same row within the dedup window are dropped.
func (i *Inbox) Subscribe(ctx context.Context, userID string, fn func(Notification)) (*Watch, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || fn == nil {
		return nil, ErrInvalidInput
	}
	if i.feed == nil {
		return nil, fmt.Errorf("realtime feed is not configured")
	}
	w := &Watch{
		inbox:  i,
		ctx:    ctx,
		userID: userID,
		fn:     fn,
		seen:   realtime.NewSeenSet(i.dedupTTL, nil),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watch) open() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.generation++
	gen := w.generation
	previous := w.channel
	channel := w.inbox.feed.Channel("notifications_" + w.userID)
	w.channel = channel
	w.mu.Unlock()

	if previous != nil && previous != channel {
		_ = previous.Close()
	}
	channel.On(realtime.Binding{Table: notificationsTable, Event: realtime.EventInsert, Filter: "user_id=eq." + w.userID}, func(change realtime.Change) {
		if !w.current(gen) {
			return
		}
		var n Notification
		if err := change.Decode(&n); err != nil {
			w.inbox.logger.Warn().Err(err).Msg("undecodable notification change")
			return
		}
		if n.UserID != w.userID || !w.seen.Add(n.ID) {
			return
		}
		w.fn(n)
	})
	return channel.Subscribe(w.ctx, func(status realtime.Status, err error) {
		w.statusChanged(gen, status, err)
	})
}

func (w *Watch) current(gen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && gen == w.generation
}

func (w *Watch) statusChanged(gen int, status realtime.Status, cause error) {
	logger := w.inbox.logger
	w.mu.Lock()
	if w.closed || gen != w.generation {
		w.mu.Unlock()
		return
	}
	switch status {
	case realtime.StatusSubscribed:
		w.attempts = 0
		w.mu.Unlock()
		logger.Debug().Str("user_id", w.userID).Msg("notification feed subscribed")
		return
	case realtime.StatusChannelError, realtime.StatusTimedOut:
	default:
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.mu.Unlock()
		return
	}
	if w.attempts >= w.inbox.maxReconnects {
		attempts := w.attempts
		w.mu.Unlock()
		logger.Error().Err(cause).Int("attempts", attempts).Msg("notification feed gave up reconnecting")
		return
	}
	w.attempts++
	delay := w.inbox.reconnect.Delay(w.attempts, "")
	w.timer = time.AfterFunc(delay, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		if err := w.open(); err != nil {
			w.statusChanged(w.generationNow(), realtime.StatusChannelError, err)
		}
	})
	attempt := w.attempts
	w.mu.Unlock()
	logger.Warn().Err(cause).
		Str("status", string(status)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("notification feed interrupted, reconnecting")
}

func (w *Watch) generationNow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}
