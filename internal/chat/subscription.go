package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/diplomabazar/bookchat/internal/realtime"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	// EventTerminal is delivered once when reconnecting has been given up.
	EventTerminal EventType = "terminal"
)

type Event struct {
	Type    EventType
	Message Message
	// Live is set for messages created moments ago, as opposed to rows
	// replayed by a reconnect. It is approximate under clock skew.
	Live bool
	Err  error
}

// ReconnectDelay is the wait before reconnect attempt n (1-based) under the
// default policy: 2s doubling per attempt, capped at 30s.
func ReconnectDelay(attempt int) time.Duration {
	return reconnectDelay(DefaultReconnectBase, DefaultReconnectMax, attempt)
}

func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	b := newReconnectBackOff(base, max)
	delay := base
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func newReconnectBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type route struct {
	binding realtime.Binding
	handle  func(realtime.Change)
}

// Subscription keeps one realtime channel open for a conversation,
// reconnecting with backoff after channel errors.
type Subscription struct {
	svc     *Service
	name    string
	routes  []route
	onEvent func(Event)
	seen    *realtime.SeenSet
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	deliverMu sync.Mutex

	mu         sync.Mutex
	channel    realtime.Channel
	generation int
	attempts   int
	policy     *backoff.ExponentialBackOff
	timer      *time.Timer
	closed     bool
	terminal   bool
}

// Subscribe opens the live feed for the conversation between localUser and
// otherUser. Inserted messages are delivered once per id within the dedup
// window; updates are always delivered. Messages from the counterpart are
// enriched with the sender profile on a separate goroutine and marked
// delivered. Callbacks never run concurrently for one subscription.
func (s *Service) Subscribe(ctx context.Context, localUser, otherUser string, onEvent func(Event)) (*Subscription, error) {
	localUser, otherUser, err := checkPair(localUser, otherUser)
	if err != nil {
		return nil, err
	}
	if onEvent == nil {
		return nil, ErrInvalidInput
	}
	if s.feed == nil {
		return nil, fmt.Errorf("realtime feed is not configured")
	}
	sub := s.newSubscription(ctx, "messages_"+ConversationKey(localUser, otherUser), onEvent)
	receivers := "receiver_id=in.(" + localUser + "," + otherUser + ")"
	sub.routes = []route{
		{
			binding: realtime.Binding{Table: messagesTable, Event: realtime.EventInsert, Filter: receivers},
			handle:  func(c realtime.Change) { sub.messageInserted(c, localUser, otherUser) },
		},
		{
			binding: realtime.Binding{Table: messagesTable, Event: realtime.EventUpdate, Filter: receivers},
			handle:  func(c realtime.Change) { sub.messageUpdated(c, localUser, otherUser) },
		},
	}
	sub.start()
	return sub, nil
}

// SubscribePurchaseRequests delivers purchase requests between the two
// users, optionally narrowed to one listing, as read-only conversation
// entries.
func (s *Service) SubscribePurchaseRequests(ctx context.Context, localUser, otherUser, listingID string, onEvent func(Event)) (*Subscription, error) {
	localUser, otherUser, err := checkPair(localUser, otherUser)
	if err != nil {
		return nil, err
	}
	if onEvent == nil {
		return nil, ErrInvalidInput
	}
	if s.feed == nil {
		return nil, fmt.Errorf("realtime feed is not configured")
	}
	scope := listingID
	if scope == "" {
		scope = "all"
	}
	sub := s.newSubscription(ctx, "purchase-requests-"+ConversationKey(localUser, otherUser)+"_"+scope, onEvent)
	sub.routes = []route{{
		binding: realtime.Binding{Table: purchaseRequestsTable, Event: realtime.EventAll},
		handle:  func(c realtime.Change) { sub.purchaseRequestChanged(c, localUser, otherUser, listingID) },
	}}
	sub.start()
	return sub, nil
}

func (s *Service) newSubscription(ctx context.Context, name string, onEvent func(Event)) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	return &Subscription{
		svc:     s,
		name:    name,
		onEvent: onEvent,
		seen:    realtime.NewSeenSet(s.dedupTTL, s.now),
		logger:  s.logger.With().Str("channel", name).Logger(),
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		policy:  newReconnectBackOff(s.reconnectBase, s.reconnectMax),
	}
}

func (sub *Subscription) start() {
	sub.open()
	go sub.probe()
}

func (sub *Subscription) Name() string {
	return sub.name
}

// Unsubscribe releases the channel and forgets every seen id. It is safe to
// call more than once.
func (sub *Subscription) Unsubscribe() error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	channel := sub.channel
	sub.channel = nil
	sub.mu.Unlock()

	sub.cancel()
	<-sub.done
	sub.seen.Clear()
	if channel != nil {
		return channel.Close()
	}
	return nil
}

// open replaces the current channel with a fresh one and joins it. Statuses
// and changes from replaced channels are ignored.
func (sub *Subscription) open() {
	sub.mu.Lock()
	if sub.closed || sub.terminal {
		sub.mu.Unlock()
		return
	}
	sub.generation++
	gen := sub.generation
	previous := sub.channel
	channel := sub.svc.feed.Channel(sub.name)
	sub.channel = channel
	sub.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			sub.logger.Debug().Err(err).Msg("closing replaced channel failed")
		}
	}
	for _, r := range sub.routes {
		handle := r.handle
		channel.On(r.binding, func(c realtime.Change) {
			if sub.current(gen) {
				handle(c)
			}
		})
	}
	if err := channel.Subscribe(sub.ctx, func(status realtime.Status, err error) {
		sub.statusChanged(gen, status, err)
	}); err != nil {
		sub.statusChanged(gen, realtime.StatusChannelError, err)
	}
}

func (sub *Subscription) current(gen int) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return !sub.closed && gen == sub.generation
}

func (sub *Subscription) statusChanged(gen int, status realtime.Status, cause error) {
	sub.mu.Lock()
	if sub.closed || sub.terminal || gen != sub.generation {
		sub.mu.Unlock()
		return
	}
	switch status {
	case realtime.StatusSubscribed:
		sub.attempts = 0
		sub.policy.Reset()
		sub.mu.Unlock()
		sub.logger.Info().Msg("realtime channel subscribed")
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		sub.scheduleReconnectLocked(status, cause)
	default:
		sub.mu.Unlock()
		sub.logger.Debug().Str("status", string(status)).Msg("realtime channel status")
	}
}

// scheduleReconnectLocked is called with mu held and releases it.
func (sub *Subscription) scheduleReconnectLocked(status realtime.Status, cause error) {
	if sub.timer != nil {
		sub.mu.Unlock()
		return
	}
	if sub.attempts >= sub.svc.maxAttempts {
		sub.terminal = true
		channel := sub.channel
		attempts := sub.attempts
		sub.mu.Unlock()
		sub.logger.Error().Err(cause).Int("attempts", attempts).Msg("realtime reconnect attempts exhausted")
		if channel != nil {
			_ = channel.Close()
		}
		sub.deliver(Event{Type: EventTerminal, Err: fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause)})
		return
	}
	sub.attempts++
	attempt := sub.attempts
	delay := sub.policy.NextBackOff()
	sub.timer = time.AfterFunc(delay, func() {
		sub.mu.Lock()
		sub.timer = nil
		stop := sub.closed
		sub.mu.Unlock()
		if !stop {
			sub.open()
		}
	})
	sub.mu.Unlock()
	sub.logger.Warn().Err(cause).
		Str("status", string(status)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("realtime channel failed, reconnecting")
}

// probe resubscribes when the channel is found closed outside of a
// scheduled reconnect.
func (sub *Subscription) probe() {
	defer close(sub.done)
	ticker := time.NewTicker(sub.svc.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
		sub.mu.Lock()
		channel := sub.channel
		idle := !sub.closed && !sub.terminal && sub.timer == nil && sub.attempts < sub.svc.maxAttempts
		sub.mu.Unlock()
		if idle && channel != nil && channel.State() == realtime.StateClosed {
			sub.logger.Info().Msg("realtime channel found closed, resubscribing")
			sub.open()
		}
	}
}

func (sub *Subscription) deliver(ev Event) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return
	}
	sub.onEvent(ev)
}

func (sub *Subscription) messageInserted(change realtime.Change, localUser, otherUser string) {
	var row MessageRow
	if err := change.Decode(&row); err != nil {
		sub.logger.Warn().Err(err).Msg("undecodable message insert")
		return
	}
	msg := row.message(localUser)
	if msg.ID == "" || !msg.Between(localUser, otherUser) {
		return
	}
	if !sub.seen.Add(msg.ID) {
		return
	}
	live := sub.svc.isLive(msg.CreatedAt)
	if msg.SenderID != otherUser {
		sub.deliver(Event{Type: EventInsert, Message: msg, Live: live})
		return
	}
	go sub.enrichIncoming(msg, live)
}

// enrichIncoming runs detached from the subscription so an unsubscribe does
// not abort lookups that are already under way.
func (sub *Subscription) enrichIncoming(msg Message, live bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sub.ctx), 15*time.Second)
	defer cancel()
	profiles, err := sub.svc.profiles(ctx, msg.SenderID)
	if err != nil {
		sub.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("sender profile unavailable")
	}
	sub.svc.applyProfile(&msg, profiles)
	if _, ok := PlaceholderKind(msg.Content); ok {
		if records, err := sub.svc.store.ListAttachments(ctx, []string{msg.ID}); err == nil && len(records) > 0 {
			msg.Attachment = records[0].attachment()
		} else {
			msg.Attachment = sub.svc.fallbackAttachment(ctx, &msg)
		}
	}
	sub.deliver(Event{Type: EventInsert, Message: msg, Live: live})
	if msg.Status == StatusSent {
		if err := sub.svc.MarkDelivered(ctx, msg.ID); err != nil {
			sub.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("mark delivered failed")
		}
	}
}

func (sub *Subscription) messageUpdated(change realtime.Change, localUser, otherUser string) {
	var row MessageRow
	if err := change.Decode(&row); err != nil {
		sub.logger.Warn().Err(err).Msg("undecodable message update")
		return
	}
	msg := row.message(localUser)
	if msg.ID == "" || !msg.Between(localUser, otherUser) {
		return
	}
	sub.deliver(Event{Type: EventUpdate, Message: msg})
}

func (sub *Subscription) purchaseRequestChanged(change realtime.Change, localUser, otherUser, listingID string) {
	var req PurchaseRequest
	if err := change.Decode(&req); err != nil {
		sub.logger.Warn().Err(err).Msg("undecodable purchase request change")
		return
	}
	if req.ID == "" {
		return
	}
	inPair := (req.BuyerID == localUser && req.SellerID == otherUser) || (req.BuyerID == otherUser && req.SellerID == localUser)
	if !inPair || (listingID != "" && req.ListingID != listingID) {
		return
	}
	typ := EventUpdate
	if change.Type == realtime.EventInsert {
		typ = EventInsert
		if !sub.seen.Add(purchaseRequestPrefix + req.ID) {
			return
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(sub.ctx), 15*time.Second)
		defer cancel()
		profiles, err := sub.svc.profiles(ctx, req.BuyerID)
		if err != nil {
			sub.logger.Debug().Err(err).Str("request_id", req.ID).Msg("buyer profile unavailable")
		}
		req.BuyerName = profileName(profiles, req.BuyerID)
		sub.deliver(Event{Type: typ, Message: req.AsMessage(localUser), Live: sub.svc.isLive(req.CreatedAt)})
	}()
}
