package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestListConversationsGroupsByCounterpart(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.profiles["bob"] = Profile{ID: "bob", Name: "Bob"}
	env.store.listings["book-1"] = Listing{ID: "book-1", Title: "Pather Panchali", Price: 180}
	env.store.addRow("m1", "bob", "alice", "hi", time.Minute, nil)
	env.store.addRow("m2", "alice", "bob", "hello", 2*time.Minute, nil)
	env.store.addRow("m3", "carol", "alice", "still there?", time.Minute, statusPtr(StatusDelivered))
	env.store.addRow("m4", "dave", "alice", "thanks", 30*time.Second, statusPtr(StatusRead))
	env.store.addRow("x1", "bob", "carol", "not alice", 5*time.Minute, nil)
	listing := "book-1"
	env.store.rows[3].ListingID = &listing

	convs, err := env.svc.ListConversations(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list conversations failed: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(convs))
	}
	want := []string{"carol", "bob", "dave"}
	for i, id := range want {
		if convs[i].Counterpart.ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, convs[i].Counterpart.ID)
		}
	}
	if !convs[0].Unread || convs[1].Unread || convs[2].Unread {
		t.Fatalf("unexpected unread flags %v %v %v", convs[0].Unread, convs[1].Unread, convs[2].Unread)
	}
	if convs[1].LastMessage.ID != "m2" || convs[1].Key != "alice_bob" || convs[1].Counterpart.Name != "Bob" {
		t.Fatalf("unexpected bob conversation %+v", convs[1])
	}
	if convs[2].Counterpart.Name != unknownUserName {
		t.Fatalf("expected fallback name, got %s", convs[2].Counterpart.Name)
	}
	if convs[2].Listing == nil || convs[2].Listing.Title != "Pather Panchali" {
		t.Fatalf("expected listing on dave conversation, got %+v", convs[2].Listing)
	}
}

func TestListConversationsPropagatesFetchFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.failMessages = errors.New("connection refused")
	if _, err := env.svc.ListConversations(context.Background(), "alice"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := env.svc.ListConversations(context.Background(), " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCountUnread(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.addRow("m1", "bob", "alice", "one", 0, nil)
	env.store.addRow("m2", "carol", "alice", "two", 0, statusPtr(StatusDelivered))
	env.store.addRow("m3", "bob", "alice", "three", 0, statusPtr(StatusRead))
	env.store.addRow("m4", "alice", "bob", "mine", 0, nil)

	n, err := env.svc.CountUnread(context.Background(), "alice")
	if err != nil {
		t.Fatalf("count unread failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if _, err := env.svc.CountUnread(context.Background(), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetListingMissingIsNotAnError(t *testing.T) {
	env := newTestEnv(t, nil)
	listing, err := env.svc.GetListing(context.Background(), "book-404")
	if err != nil || listing != nil {
		t.Fatalf("expected nil listing without error, got %+v, %v", listing, err)
	}
}
