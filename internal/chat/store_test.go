package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
)

type recordedRequest struct {
	method string
	path   string
	query  map[string][]string
	prefer string
	body   string
}

type backendStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func newStoreWithBackend(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*RESTStore, *backendStub) {
	t.Helper()
	stub := &backendStub{handle: handle}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.requests = append(stub.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			prefer: r.Header.Get("Prefer"),
			body:   string(body),
		})
		stub.mu.Unlock()
		stub.handle(w, r)
	}))
	t.Cleanup(server.Close)
	client := baas.NewClient(baas.Options{
		BaseURL:    server.URL,
		APIKey:     "anon",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	return NewRESTStore(client), stub
}

func (b *backendStub) all() []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedRequest(nil), b.requests...)
}

func TestRESTStoreListConversationMessagesQuery(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"m1","sender_id":"alice","receiver_id":"bob","content":"hi","created_at":"2024-05-01T10:00:00Z","status":null}]`))
	})
	rows, err := store.ListConversationMessages(context.Background(), "alice", "bob", "book-1", 500)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].message("alice").Status != StatusSent {
		t.Fatalf("expected one row with NULL status read as sent, got %+v", rows)
	}
	req := stub.all()[0]
	if req.path != "/rest/v1/messages" {
		t.Fatalf("unexpected path %s", req.path)
	}
	wantOr := "(and(sender_id.eq.alice,receiver_id.eq.bob),and(sender_id.eq.bob,receiver_id.eq.alice))"
	if got := req.query["or"]; len(got) != 1 || got[0] != wantOr {
		t.Fatalf("expected or=%s, got %v", wantOr, got)
	}
	if req.query["order"][0] != "created_at.asc" || req.query["limit"][0] != "500" || req.query["book_id"][0] != "eq.book-1" {
		t.Fatalf("unexpected query %v", req.query)
	}
}

func TestRESTStoreInsertMessageReturnsStoredRow(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"m9","sender_id":"alice","receiver_id":"bob","content":"hi","status":"sent","created_at":"2024-05-01T10:00:00Z"}]`))
	})
	row, err := store.InsertMessage(context.Background(), NewMessage{SenderID: "alice", ReceiverID: "bob", Content: "hi", Status: StatusSent})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if row.ID != "m9" {
		t.Fatalf("expected m9, got %s", row.ID)
	}
	req := stub.all()[0]
	if req.method != http.MethodPost || req.prefer != "return=representation" {
		t.Fatalf("unexpected request %s prefer=%s", req.method, req.prefer)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["book_id"]; ok {
		t.Fatalf("expected book_id omitted for a general conversation, got %v", body)
	}
	if body["status"] != "sent" {
		t.Fatalf("expected status sent, got %v", body["status"])
	}
}

func TestRESTStoreUpdateStatusOnlyMovesForward(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"m1"}]`))
	})
	updated, err := store.UpdateStatus(context.Background(), []string{"m1", "m2"}, StatusRead, []string{"sent", "delivered"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(updated) != 1 || updated[0] != "m1" {
		t.Fatalf("expected [m1], got %v", updated)
	}
	req := stub.all()[0]
	if req.method != http.MethodPatch {
		t.Fatalf("expected PATCH, got %s", req.method)
	}
	if got := req.query["or"][0]; got != "(status.is.null,status.in.(sent,delivered))" {
		t.Fatalf("unexpected status guard %s", got)
	}
	if got := req.query["id"][0]; got != "in.(m1,m2)" {
		t.Fatalf("unexpected id filter %s", got)
	}
	if !strings.Contains(req.body, `"status":"read"`) {
		t.Fatalf("expected read patch, got %s", req.body)
	}
}

func TestRESTStoreInsertAttachmentFallsBackToTable(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/rest/v1/rpc/") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"PGRST202","message":"Could not find the function"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	err := store.InsertAttachment(context.Background(), AttachmentRow{MessageID: "m1", URL: "https://cdn/a.jpg", Folder: imageFolder, FileName: "a.jpg"})
	if err != nil {
		t.Fatalf("expected fallback insert to succeed, got %v", err)
	}
	reqs := stub.all()
	if len(reqs) != 2 {
		t.Fatalf("expected rpc then insert, got %d requests", len(reqs))
	}
	if reqs[0].path != "/rest/v1/rpc/store_message_image" || !strings.Contains(reqs[0].body, `"p_message_id":"m1"`) {
		t.Fatalf("unexpected rpc request %+v", reqs[0])
	}
	if reqs[1].path != "/rest/v1/message_images" || !strings.Contains(reqs[1].body, `"image_url":"https://cdn/a.jpg"`) {
		t.Fatalf("unexpected fallback request %+v", reqs[1])
	}
}

func TestRESTStoreGetListingMissing(t *testing.T) {
	store, _ := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})
	listing, err := store.GetListing(context.Background(), "book-404")
	if err != nil || listing != nil {
		t.Fatalf("expected nil listing without error, got %+v, %v", listing, err)
	}
}

func TestRESTStoreCountUnread(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-2/3")
	})
	n, err := store.CountUnread(context.Background(), "alice")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
	req := stub.all()[0]
	if req.method != http.MethodHead || req.prefer != "count=exact" {
		t.Fatalf("unexpected request %s prefer=%s", req.method, req.prefer)
	}
	if req.query["or"][0] != "(status.is.null,status.neq.read)" || req.query["receiver_id"][0] != "eq.alice" {
		t.Fatalf("unexpected query %v", req.query)
	}
}

func TestRESTStoreInsertMessageIsNotRepeatedAfterGatewayError(t *testing.T) {
	var posts int
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		posts++
		if posts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"m2","sender_id":"alice","receiver_id":"bob","content":"hello","status":"sent"}]`))
	})
	if _, err := store.InsertMessage(context.Background(), NewMessage{SenderID: "alice", ReceiverID: "bob", Content: "hello", Status: StatusSent}); err == nil {
		t.Fatalf("expected the gateway error to be reported")
	}
	if got := len(stub.all()); got != 1 {
		t.Fatalf("expected one insert request, got %d", got)
	}
}

func TestRESTStoreInsertAttachmentKeepsUncertainRPCResult(t *testing.T) {
	store, stub := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := store.InsertAttachment(context.Background(), AttachmentRow{MessageID: "m1", URL: "https://cdn/a.jpg", Folder: imageFolder, FileName: "a.jpg"})
	if err == nil {
		t.Fatalf("expected the gateway error to be reported")
	}
	reqs := stub.all()
	if len(reqs) != 1 || reqs[0].path != "/rest/v1/rpc/store_message_image" {
		t.Fatalf("expected a single rpc request and no fallback insert, got %+v", reqs)
	}
}
