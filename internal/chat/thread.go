package chat

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Thread is the merged local view of one conversation. It holds each id at
// most once, orders messages by creation time and never lets a status move
// backwards, whatever order history and live events arrive in.
type Thread struct {
	mu       sync.Mutex
	messages map[string]Message
}

func NewThread() *Thread {
	return &Thread{messages: map[string]Message{}}
}

// Merge folds a batch of messages, typically a history load, into the view.
func (t *Thread) Merge(messages []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range messages {
		t.upsertLocked(msg)
	}
}

// Apply folds one live event into the view and reports whether it changed.
func (t *Thread) Apply(ev Event) bool {
	if ev.Type != EventInsert && ev.Type != EventUpdate {
		return false
	}
	if ev.Message.ID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	before, existed := t.messages[ev.Message.ID]
	t.upsertLocked(ev.Message)
	after := t.messages[ev.Message.ID]
	return !existed || before.Status != after.Status || before.Content != after.Content ||
		(before.Attachment == nil) != (after.Attachment == nil) || before.SenderName != after.SenderName
}

// AddPending inserts an optimistic entry under a temporary id and returns
// that id.
func (t *Thread) AddPending(msg Message) string {
	msg.ID = tempIDPrefix + uuid.NewString()
	msg.Status = StatusSent
	msg.Own = true
	msg.Local = LocalPending
	t.mu.Lock()
	t.messages[msg.ID] = msg
	t.mu.Unlock()
	return msg.ID
}

// Resolve settles the optimistic entry tempID. On failure the entry stays
// visible tagged LocalFailed. On success it is replaced by confirmed; if a
// live event already delivered the confirmed row, the two are merged.
func (t *Thread) Resolve(tempID string, confirmed Message, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending, ok := t.messages[tempID]
	if !ok {
		return
	}
	if err != nil || confirmed.ID == "" {
		pending.Local = LocalFailed
		t.messages[tempID] = pending
		return
	}
	delete(t.messages, tempID)
	confirmed.Local = LocalNone
	t.upsertLocked(confirmed)
}

func (t *Thread) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.messages[id]
	return msg, ok
}

func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Messages returns the view oldest first.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	out := make([]Message, 0, len(t.messages))
	for _, msg := range t.messages {
		out = append(out, msg)
	}
	t.mu.Unlock()
	sortMessages(out)
	return out
}

func (t *Thread) upsertLocked(msg Message) {
	if msg.ID == "" {
		return
	}
	msg.Status = msg.Status.Normalize()
	existing, ok := t.messages[msg.ID]
	if !ok {
		t.messages[msg.ID] = msg
		return
	}
	merged := msg
	merged.Status = Advance(existing.Status, msg.Status)
	if merged.Attachment == nil {
		merged.Attachment = existing.Attachment
	}
	if merged.SenderName == "" || (merged.SenderName == unknownUserName && existing.SenderName != "") {
		merged.SenderName = existing.SenderName
	}
	if merged.SenderAvatarURL == "" {
		merged.SenderAvatarURL = existing.SenderAvatarURL
	}
	if merged.PurchaseRequest == nil {
		merged.PurchaseRequest = existing.PurchaseRequest
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	t.messages[msg.ID] = merged
}
