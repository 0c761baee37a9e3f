package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxClose     = "phx_close"
	phxError     = "phx_error"
	phxHeartbeat = "heartbeat"
	eventChanges = "postgres_changes"
)

type SocketOptions struct {
	// URL is the project base URL (http/https) or a full websocket URL.
	URL               string
	APIKey            string
	AccessToken       string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

// Socket multiplexes Phoenix channels over one websocket connection. The
// connection is dialled lazily by the first Subscribe and redialled by the
// next Subscribe after it drops.
type Socket struct {
	endpoint          string
	token             string
	heartbeatInterval time.Duration
	joinTimeout       time.Duration
	httpClient        *http.Client
	logger            *zerolog.Logger

	ref atomic.Uint64

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	channels   map[string]*socketChannel
	pending    map[string]chan joinReply
	closed     bool
}

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type joinReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	err      error
}

type wireChange struct {
	Type            EventType       `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

func (w wireChange) change() Change {
	c := Change{
		Type:      EventType(strings.ToUpper(string(w.Type))),
		Schema:    w.Schema,
		Table:     w.Table,
		Record:    w.Record,
		OldRecord: w.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(w.CommitTimestamp)); err == nil {
		c.CommitTimestamp = ts
	}
	return c
}

func NewSocket(opts SocketOptions) (*Socket, error) {
	endpoint, err := SocketURL(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	token := strings.TrimSpace(opts.AccessToken)
	if token == "" {
		token = strings.TrimSpace(opts.APIKey)
	}
	return &Socket{
		endpoint:          endpoint,
		token:             token,
		heartbeatInterval: heartbeat,
		joinTimeout:       joinTimeout,
		httpClient:        opts.HTTPClient,
		logger:            logger,
		channels:          map[string]*socketChannel{},
		pending:           map[string]chan joinReply{},
	}, nil
}

// SocketURL derives the realtime websocket endpoint from a project URL.
func SocketURL(base, apiKey string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("realtime url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme: %s", parsed.Scheme)
	}
	if !strings.HasSuffix(parsed.Path, "/websocket") {
		parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime/v1/websocket"
	}
	q := parsed.Query()
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (s *Socket) Channel(name string) Channel {
	name = strings.TrimSpace(name)
	return &socketChannel{
		socket: s,
		name:   name,
		topic:  "realtime:" + name,
		state:  StateClosed,
	}
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.connCancel = nil
	channels := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = map[string]*socketChannel{}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.setState(StateClosed)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrChannelClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.joinTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.endpoint, &websocket.DialOptions{HTTPClient: s.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCancel = loopCancel
	go s.readLoop(loopCtx, conn)
	go s.heartbeat(loopCtx, conn)
	s.logger.Debug().Str("endpoint", redactEndpoint(s.endpoint)).Msg("realtime connected")
	return conn, nil
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			s.dropConnection(conn, err)
			return
		}
		s.dispatch(env)
	}
}

func (s *Socket) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ref := s.nextRef()
			env := envelope{Topic: "phoenix", Event: phxHeartbeat, Payload: json.RawMessage(`{}`), Ref: &ref}
			writeCtx, cancel := context.WithTimeout(ctx, s.joinTimeout)
			err := wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				s.dropConnection(conn, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Socket) dispatch(env envelope) {
	switch env.Event {
	case phxReply:
		if env.Ref == nil {
			return
		}
		var reply joinReply
		if err := json.Unmarshal(env.Payload, &reply); err != nil {
			reply.err = err
		}
		s.mu.Lock()
		waiter, ok := s.pending[*env.Ref]
		delete(s.pending, *env.Ref)
		s.mu.Unlock()
		if ok {
			waiter <- reply
		}
	case eventChanges:
		ch := s.lookup(env.Topic)
		if ch == nil {
			return
		}
		var payload struct {
			Data wireChange `json:"data"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn().Err(err).Str("topic", env.Topic).Msg("undecodable change payload")
			return
		}
		ch.deliver(payload.Data.change())
	case phxClose:
		if ch := s.lookup(env.Topic); ch != nil {
			ch.remoteStatus(StateClosed, StatusClosed, nil)
		}
	case phxError:
		if ch := s.lookup(env.Topic); ch != nil {
			ch.remoteStatus(StateErrored, StatusChannelError, fmt.Errorf("server error on %s: %s", env.Topic, string(env.Payload)))
		}
	}
}

func (s *Socket) dropConnection(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	channels := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	pending := s.pending
	s.pending = map[string]chan joinReply{}
	closed := s.closed
	s.mu.Unlock()

	_ = conn.CloseNow()
	for _, waiter := range pending {
		waiter <- joinReply{err: cause}
	}
	if closed {
		return
	}
	s.logger.Warn().Err(cause).Msg("realtime connection lost")
	for _, ch := range channels {
		ch.remoteStatus(StateErrored, StatusChannelError, cause)
	}
}

func (s *Socket) lookup(topic string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

func (s *Socket) register(ch *socketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.topic] = ch
}

func (s *Socket) unregister(ch *socketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

func (s *Socket) awaitReply(ref string) chan joinReply {
	waiter := make(chan joinReply, 1)
	s.mu.Lock()
	s.pending[ref] = waiter
	s.mu.Unlock()
	return waiter
}

func (s *Socket) forgetReply(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

type registration struct {
	binding Binding
	handler Handler
}

type socketChannel struct {
	socket *Socket
	name   string
	topic  string

	mu       sync.Mutex
	bindings []registration
	state    State
	joinRef  string
	onStatus StatusFunc
}

func (c *socketChannel) Name() string {
	return c.name
}

func (c *socketChannel) On(binding Binding, handler Handler) {
	if handler == nil {
		return
	}
	if binding.Schema == "" {
		binding.Schema = "public"
	}
	if binding.Event == "" {
		binding.Event = EventAll
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, registration{binding: binding, handler: handler})
}

func (c *socketChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *socketChannel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	c.mu.Lock()
	if c.state == StateJoining || c.state == StateJoined {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already subscribed", c.name)
	}
	c.state = StateJoining
	c.onStatus = onStatus
	changes := make([]map[string]string, 0, len(c.bindings))
	for _, reg := range c.bindings {
		entry := map[string]string{
			"event":  string(reg.binding.Event),
			"schema": reg.binding.Schema,
			"table":  reg.binding.Table,
		}
		if reg.binding.Filter != "" {
			entry["filter"] = reg.binding.Filter
		}
		changes = append(changes, entry)
	}
	ref := c.socket.nextRef()
	c.joinRef = ref
	c.mu.Unlock()

	conn, err := c.socket.connect(ctx)
	if err != nil {
		c.fail(StateErrored, StatusChannelError, err)
		return nil
	}
	c.socket.register(c)

	payload, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": changes,
		},
		"access_token": c.socket.token,
	})
	if err != nil {
		return err
	}
	waiter := c.socket.awaitReply(ref)
	env := envelope{Topic: c.topic, Event: phxJoin, Payload: payload, Ref: &ref, JoinRef: &ref}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		c.socket.forgetReply(ref)
		c.fail(StateErrored, StatusChannelError, fmt.Errorf("send join: %w", err))
		return nil
	}

	go c.awaitJoin(ref, waiter)
	return nil
}

func (c *socketChannel) awaitJoin(ref string, waiter chan joinReply) {
	timer := time.NewTimer(c.socket.joinTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		switch {
		case reply.err != nil:
			c.fail(StateErrored, StatusChannelError, reply.err)
		case reply.Status == "ok":
			c.mu.Lock()
			if c.joinRef != ref || c.state != StateJoining {
				c.mu.Unlock()
				return
			}
			c.state = StateJoined
			onStatus := c.onStatus
			c.mu.Unlock()
			if onStatus != nil {
				onStatus(StatusSubscribed, nil)
			}
		default:
			c.fail(StateErrored, StatusChannelError, fmt.Errorf("join %s rejected: %s %s", c.topic, reply.Status, string(reply.Response)))
		}
	case <-timer.C:
		c.socket.forgetReply(ref)
		c.fail(StateErrored, StatusTimedOut, ErrJoinTimeout)
	}
}

func (c *socketChannel) fail(state State, status Status, err error) {
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

func (c *socketChannel) remoteStatus(state State, status Status, err error) {
	c.fail(state, status, err)
	if state == StateClosed {
		c.socket.unregister(c)
	}
}

func (c *socketChannel) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *socketChannel) deliver(change Change) {
	c.mu.Lock()
	// Changes can overtake the join reply's bookkeeping on the reader goroutine.
	if c.state != StateJoined && c.state != StateJoining {
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

// Close leaves the channel. The status callback receives CLOSED on its own
// goroutine.
func (c *socketChannel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == StateJoined || c.state == StateJoining
	c.state = StateLeaving
	onStatus := c.onStatus
	c.mu.Unlock()

	c.socket.unregister(c)
	var err error
	if wasActive {
		c.socket.mu.Lock()
		conn := c.socket.conn
		c.socket.mu.Unlock()
		if conn != nil {
			ref := c.socket.nextRef()
			ctx, cancel := context.WithTimeout(context.Background(), c.socket.joinTimeout)
			err = wsjson.Write(ctx, conn, envelope{Topic: c.topic, Event: phxLeave, Payload: json.RawMessage(`{}`), Ref: &ref})
			cancel()
		}
	}
	c.setState(StateClosed)
	if onStatus != nil {
		go onStatus(StatusClosed, nil)
	}
	return err
}

func redactEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := parsed.Query()
	if q.Get("apikey") != "" {
		q.Set("apikey", "redacted")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
