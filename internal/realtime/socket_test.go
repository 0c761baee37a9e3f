package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type phoenixServer struct {
	t         *testing.T
	joinReply string
	onJoin    func(ctx context.Context, conn *websocket.Conn, topic string)
}

func (p *phoenixServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != "anon" {
		http.Error(w, "missing apikey", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.t.Errorf("accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		if env.Event != phxJoin {
			continue
		}
		status := p.joinReply
		if status == "" {
			status = "ok"
		}
		reply := envelope{Topic: env.Topic, Event: phxReply, Ref: env.Ref, Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`)}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
		if p.onJoin != nil {
			p.onJoin(ctx, conn, env.Topic)
		}
	}
}

func newTestSocket(t *testing.T, server *httptest.Server) *Socket {
	t.Helper()
	socket, err := NewSocket(SocketOptions{URL: server.URL, APIKey: "anon", JoinTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new socket: %v", err)
	}
	t.Cleanup(func() { _ = socket.Close() })
	return socket
}

func TestSocketDeliversMatchingChanges(t *testing.T) {
	server := httptest.NewServer(&phoenixServer{t: t, onJoin: func(ctx context.Context, conn *websocket.Conn, topic string) {
		for _, record := range []string{
			`{"id":"m1","sender_id":"a","receiver_id":"b"}`,
			`{"id":"m2","sender_id":"c","receiver_id":"b"}`,
		} {
			payload := `{"data":{"type":"INSERT","schema":"public","table":"messages","commit_timestamp":"2024-05-01T10:00:00.000Z","record":` + record + `},"ids":[1]}`
			_ = wsjson.Write(ctx, conn, envelope{Topic: topic, Event: eventChanges, Payload: json.RawMessage(payload)})
		}
	}})
	defer server.Close()

	socket := newTestSocket(t, server)
	channel := socket.Channel("messages_a_b")
	changes := make(chan Change, 4)
	channel.On(Binding{Table: "messages", Event: EventInsert, Filter: "sender_id=eq.a"}, func(c Change) { changes <- c })

	statuses := make(chan Status, 4)
	if err := channel.Subscribe(context.Background(), func(status Status, err error) { statuses <- status }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	select {
	case status := <-statuses:
		if status != StatusSubscribed {
			t.Fatalf("expected SUBSCRIBED, got %s", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for subscribe status")
	}

	select {
	case change := <-changes:
		var row struct {
			ID string `json:"id"`
		}
		if err := change.Decode(&row); err != nil {
			t.Fatalf("decode change: %v", err)
		}
		if row.ID != "m1" {
			t.Fatalf("expected m1, got %s", row.ID)
		}
		if change.CommitTimestamp.IsZero() {
			t.Fatalf("expected commit timestamp to be parsed")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	select {
	case change := <-changes:
		t.Fatalf("expected filtered change to be dropped, got %s", string(change.Record))
	case <-time.After(100 * time.Millisecond):
	}
	if channel.State() != StateJoined {
		t.Fatalf("expected joined state, got %s", channel.State())
	}
}

func TestSocketJoinRejectedReportsChannelError(t *testing.T) {
	server := httptest.NewServer(&phoenixServer{t: t, joinReply: "error"})
	defer server.Close()

	channel := newTestSocket(t, server).Channel("messages_a_b")
	channel.On(Binding{Table: "messages", Event: EventInsert}, func(Change) {})
	statuses := make(chan Status, 2)
	if err := channel.Subscribe(context.Background(), func(status Status, err error) { statuses <- status }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	select {
	case status := <-statuses:
		if status != StatusChannelError {
			t.Fatalf("expected CHANNEL_ERROR, got %s", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for channel error")
	}
	if channel.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", channel.State())
	}
}

func TestSocketConnectionLossReportsChannelError(t *testing.T) {
	server := httptest.NewServer(&phoenixServer{t: t, onJoin: func(ctx context.Context, conn *websocket.Conn, topic string) {
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	}})
	defer server.Close()

	channel := newTestSocket(t, server).Channel("messages_a_b")
	statuses := make(chan Status, 4)
	if err := channel.Subscribe(context.Background(), func(status Status, err error) { statuses <- status }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case status := <-statuses:
			if status == StatusChannelError {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for CHANNEL_ERROR after connection loss")
		}
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(&phoenixServer{t: t})
	defer server.Close()

	channel := newTestSocket(t, server).Channel("messages_a_b")
	statuses := make(chan Status, 4)
	if err := channel.Subscribe(context.Background(), func(status Status, err error) { statuses <- status }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	<-statuses
	if err := channel.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if channel.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", channel.State())
	}
}

func TestSocketURL(t *testing.T) {
	endpoint, err := SocketURL("https://proj.example.co", "anon")
	if err != nil {
		t.Fatalf("socket url failed: %v", err)
	}
	if !strings.HasPrefix(endpoint, "wss://proj.example.co/realtime/v1/websocket?") {
		t.Fatalf("unexpected endpoint %s", endpoint)
	}
	if !strings.Contains(endpoint, "apikey=anon") || !strings.Contains(endpoint, "vsn=1.0.0") {
		t.Fatalf("expected apikey and vsn query, got %s", endpoint)
	}
	if _, err := SocketURL("ftp://proj.example.co", ""); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestMatchFilter(t *testing.T) {
	record := json.RawMessage(`{"user_id":"u1","count":3}`)
	cases := []struct {
		filter string
		want   bool
	}{
		{"user_id=eq.u1", true},
		{"user_id=eq.u2", false},
		{"user_id=neq.u2", true},
		{"user_id=in.(u0,u1)", true},
		{"count=eq.3", true},
		{"missing=eq.x", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := MatchFilter(tc.filter, record); got != tc.want {
			t.Fatalf("filter %q: expected %v, got %v", tc.filter, tc.want, got)
		}
	}
}
