package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

type Store interface {
	InsertNotification(ctx context.Context, n New) (Notification, error)
}

type Pusher interface {
	Notify(ctx context.Context, p Payload) error
}

type DispatcherOptions struct {
	PushTimeout time.Duration
	Logger      *zerolog.Logger
}

// Dispatcher writes notification rows and fans them out to push delivery.
// Push runs in the background and its failures only reach the log.
type Dispatcher struct {
	store       Store
	pusher      Pusher
	pushTimeout time.Duration
	logger      *zerolog.Logger
	inflight    sync.WaitGroup
}

func NewDispatcher(store Store, pusher Pusher, opts DispatcherOptions) *Dispatcher {
	timeout := opts.PushTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{store: store, pusher: pusher, pushTimeout: timeout, logger: logger}
}

// MessageEvent describes a message that has already been persisted.
// Type is derived from ListingID when empty.
type MessageEvent struct {
	Type       Type
	MessageID  string
	SenderID   string
	SenderName string
	ReceiverID string
	ListingID  string
	Content    string
}

const maxBodyRunes = 100

// MessageSent records a notification for the receiver of a new message.
// The returned error is informational; the message itself is already stored.
func (d *Dispatcher) MessageSent(ctx context.Context, ev MessageEvent) error {
	typ := ev.Type
	if typ == "" {
		typ = TypeMessage
		if strings.TrimSpace(ev.ListingID) != "" {
			typ = TypePurchaseRequest
		}
	}
	sender := strings.TrimSpace(ev.SenderName)
	if sender == "" {
		sender = "A user"
	}
	_, err := d.Create(ctx, New{
		UserID:    ev.ReceiverID,
		SenderID:  ev.SenderID,
		Type:      typ,
		Message:   sender + ": " + truncateRunes(strings.TrimSpace(ev.Content), maxBodyRunes),
		RelatedID: ev.MessageID,
		ActionURL: MessageActionURL(ev.SenderID, ev.ListingID),
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("message_id", ev.MessageID).Msg("message sent but notification insert failed")
	}
	return err
}

// Create inserts the row and, independently of the insert outcome, starts a
// push for the target user.
func (d *Dispatcher) Create(ctx context.Context, n New) (Notification, error) {
	if err := n.validate(); err != nil {
		return Notification{}, err
	}
	n.Read = false
	d.push(Payload{
		UserID: n.UserID,
		Title:  n.Type.Title(),
		Body:   truncateRunes(n.Message, 1000),
		URL:    firstNonEmpty(n.ActionURL, "/messages"),
	})
	if d.store == nil {
		return Notification{}, fmt.Errorf("notification store is not configured")
	}
	created, err := d.store.InsertNotification(ctx, n)
	if err != nil {
		return Notification{}, err
	}
	return created, nil
}

// CreateAll creates one notification per entry and aggregates failures.
func (d *Dispatcher) CreateAll(ctx context.Context, batch []New) ([]Notification, error) {
	var result *multierror.Error
	created := make([]Notification, 0, len(batch))
	for _, n := range batch {
		row, err := d.Create(ctx, n)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("notify %s: %w", n.UserID, err))
			continue
		}
		created = append(created, row)
	}
	return created, result.ErrorOrNil()
}

func (d *Dispatcher) push(p Payload) {
	if d.pusher == nil {
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
		defer cancel()
		if err := d.pusher.Notify(ctx, p); err != nil {
			d.logger.Debug().Err(err).Str("user_id", p.UserID).Msg("push delivery failed")
		}
	}()
}

// Close waits for background pushes to finish.
func (d *Dispatcher) Close() {
	d.inflight.Wait()
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
