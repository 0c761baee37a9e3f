package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSOptions struct {
	URL string
	// SubjectPrefix is prepended to the table name: <prefix>.<table>.
	SubjectPrefix string
	Name          string
	Logger        *zerolog.Logger
}

// NATSFeed reads row changes relayed onto NATS subjects by a change-data
// capture bridge, one subject per table.
type NATSFeed struct {
	nc     *nats.Conn
	prefix string
	logger *zerolog.Logger

	mu       sync.Mutex
	channels map[*natsChannel]struct{}
}

func NewNATSFeed(opts NATSOptions) (*NATSFeed, error) {
	serverURL := strings.TrimSpace(opts.URL)
	if serverURL == "" {
		serverURL = nats.DefaultURL
	}
	prefix := strings.Trim(strings.TrimSpace(opts.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "bookchat.changes"
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "bookchat"
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	f := &NATSFeed{
		prefix:   prefix,
		logger:   logger,
		channels: map[*natsChannel]struct{}{},
	}
	nc, err := nats.Connect(serverURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(f.onDisconnect),
		nats.ClosedHandler(f.onClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	f.nc = nc
	return f, nil
}

func (f *NATSFeed) Channel(name string) Channel {
	return &natsChannel{feed: f, name: strings.TrimSpace(name), state: StateClosed}
}

func (f *NATSFeed) Close() error {
	if f.nc == nil {
		return nil
	}
	if err := f.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		f.nc.Close()
		return err
	}
	return nil
}

func (f *NATSFeed) subject(table string) string {
	return f.prefix + "." + strings.TrimSpace(table)
}

func (f *NATSFeed) track(ch *natsChannel, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if active {
		f.channels[ch] = struct{}{}
	} else {
		delete(f.channels, ch)
	}
}

func (f *NATSFeed) snapshot() []*natsChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*natsChannel, 0, len(f.channels))
	for ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

func (f *NATSFeed) onDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		err = ErrNotConnected
	}
	f.logger.Warn().Err(err).Msg("nats disconnected")
	for _, ch := range f.snapshot() {
		ch.fail(StateErrored, StatusChannelError, err)
	}
}

func (f *NATSFeed) onClosed(_ *nats.Conn) {
	for _, ch := range f.snapshot() {
		ch.fail(StateClosed, StatusClosed, nil)
	}
}

type natsChannel struct {
	feed *NATSFeed
	name string

	mu       sync.Mutex
	bindings []registration
	subs     []*nats.Subscription
	state    State
	onStatus StatusFunc
}

func (c *natsChannel) Name() string {
	return c.name
}

func (c *natsChannel) On(binding Binding, handler Handler) {
	if handler == nil {
		return
	}
	if binding.Event == "" {
		binding.Event = EventAll
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, registration{binding: binding, handler: handler})
}

func (c *natsChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *natsChannel) Subscribe(_ context.Context, onStatus StatusFunc) error {
	c.mu.Lock()
	if c.state == StateJoining || c.state == StateJoined {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already subscribed", c.name)
	}
	c.state = StateJoining
	c.onStatus = onStatus
	tables := map[string]struct{}{}
	for _, reg := range c.bindings {
		tables[reg.binding.Table] = struct{}{}
	}
	c.mu.Unlock()

	if !c.feed.nc.IsConnected() {
		go c.fail(StateErrored, StatusChannelError, ErrNotConnected)
		return nil
	}
	subs := make([]*nats.Subscription, 0, len(tables))
	for table := range tables {
		sub, err := c.feed.nc.Subscribe(c.feed.subject(table), c.handleMsg)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			go c.fail(StateErrored, StatusChannelError, err)
			return nil
		}
		subs = append(subs, sub)
	}
	c.mu.Lock()
	c.subs = subs
	c.state = StateJoined
	c.mu.Unlock()
	c.feed.track(c, true)
	if onStatus != nil {
		go onStatus(StatusSubscribed, nil)
	}
	return nil
}

func (c *natsChannel) handleMsg(msg *nats.Msg) {
	change, err := decodeChange(msg.Data)
	if err != nil {
		c.feed.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("undecodable change message")
		return
	}
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	regs := make([]registration, len(c.bindings))
	copy(regs, c.bindings)
	c.mu.Unlock()
	for _, reg := range regs {
		if reg.binding.matches(change) {
			reg.handler(change)
		}
	}
}

func (c *natsChannel) fail(state State, status Status, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateLeaving {
		c.mu.Unlock()
		return
	}
	c.state = state
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(status, err)
	}
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	subs := c.subs
	c.subs = nil
	c.state = StateClosed
	onStatus := c.onStatus
	c.mu.Unlock()

	c.feed.track(c, false)
	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil && !errors.Is(err, nats.ErrConnectionClosed) {
			firstErr = err
		}
	}
	if onStatus != nil {
		go onStatus(StatusClosed, nil)
	}
	return firstErr
}

func decodeChange(data []byte) (Change, error) {
	var wire wireChange
	if err := json.Unmarshal(data, &wire); err != nil {
		return Change{}, err
	}
	if strings.TrimSpace(wire.Table) == "" {
		return Change{}, errors.New("change has no table")
	}
	return wire.change(), nil
}
