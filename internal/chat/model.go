package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrReconnectExhausted = errors.New("realtime reconnect attempts exhausted")
	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrUnsupportedType    = errors.New("unsupported attachment type")
)

// Status is the delivery state of a message. The zero value is treated as
// StatusSent, matching rows whose status column is NULL.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank with sent.
func (s Status) Rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

func (s Status) Normalize() Status {
	switch s {
	case StatusDelivered, StatusRead:
		return s
	default:
		return StatusSent
	}
}

// CanAdvance reports whether moving from -> to is a forward step.
func CanAdvance(from, to Status) bool {
	return to.Normalize().Rank() > from.Normalize().Rank()
}

// Advance returns the later of the two statuses.
func Advance(current, next Status) Status {
	if CanAdvance(current, next) {
		return next.Normalize()
	}
	return current.Normalize()
}

// statusesBelow lists the stored values a row may hold for an update to
// target to be a forward move.
func statusesBelow(target Status) []string {
	var out []string
	for _, s := range []Status{StatusSent, StatusDelivered} {
		if s.Rank() < target.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

// LocalState tags entries that exist only in the local view.
type LocalState string

const (
	LocalNone    LocalState = ""
	LocalPending LocalState = "pending"
	LocalFailed  LocalState = "failed"
)

type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
)

const (
	ImagePlaceholder      = "[ছবি]"
	documentPlaceholderAt = "[ডকুমেন্ট:"
)

func DocumentPlaceholder(name string) string {
	return fmt.Sprintf("%s %s]", documentPlaceholderAt, name)
}

// PlaceholderKind reports which attachment kind content stands in for.
func PlaceholderKind(content string) (AttachmentKind, bool) {
	content = strings.TrimSpace(content)
	switch {
	case content == ImagePlaceholder:
		return KindImage, true
	case strings.Contains(content, documentPlaceholderAt):
		return KindDocument, true
	}
	return "", false
}

type Attachment struct {
	URL         string         `json:"url"`
	Kind        AttachmentKind `json:"kind"`
	Name        string         `json:"name,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Size        int64          `json:"size,omitempty"`
	SignedURL   string         `json:"signedUrl,omitempty"`
}

type PurchaseRequestStatus string

const (
	RequestPending  PurchaseRequestStatus = "pending"
	RequestAccepted PurchaseRequestStatus = "accepted"
	RequestRejected PurchaseRequestStatus = "rejected"
)

type PurchaseRequest struct {
	ID             string                `json:"id"`
	ListingID      string                `json:"book_id"`
	BuyerID        string                `json:"buyer_id"`
	SellerID       string                `json:"seller_id"`
	MeetupDate     string                `json:"meetup_date,omitempty"`
	MeetupLocation string                `json:"meetup_location,omitempty"`
	ProposedPrice  float64               `json:"proposed_price"`
	Message        string                `json:"message,omitempty"`
	Status         PurchaseRequestStatus `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	BuyerName      string                `json:"-"`
}

const purchaseRequestPrefix = "purchase-request-"

// AsMessage renders the request as the read-only entry shown inline in a
// conversation.
func (r PurchaseRequest) AsMessage(localUser string) Message {
	return Message{
		ID:                purchaseRequestPrefix + r.ID,
		SenderID:          r.BuyerID,
		ReceiverID:        r.SellerID,
		ListingID:         r.ListingID,
		Content:           fmt.Sprintf("বই কেনার অনুরোধ: %s টাকা", formatPrice(r.ProposedPrice)),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.CreatedAt,
		Status:            StatusDelivered,
		SenderName:        r.BuyerName,
		Own:               r.BuyerID == localUser,
		IsPurchaseRequest: true,
		PurchaseRequest:   &r,
	}
}

func formatPrice(price float64) string {
	if price == float64(int64(price)) {
		return fmt.Sprintf("%d", int64(price))
	}
	return fmt.Sprintf("%.2f", price)
}

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Listing struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Author   string  `json:"author,omitempty"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"cover_image_url,omitempty"`
	SellerID string  `json:"seller_id,omitempty"`
	Status   string  `json:"status,omitempty"`
}

type Message struct {
	ID                string
	SenderID          string
	ReceiverID        string
	ListingID         string
	Content           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Status            Status
	Attachment        *Attachment
	SenderName        string
	SenderAvatarURL   string
	Own               bool
	IsPurchaseRequest bool
	PurchaseRequest   *PurchaseRequest
	Local             LocalState
}

// Counterpart returns the participant that is not localUser.
func (m Message) Counterpart(localUser string) string {
	if m.SenderID == localUser {
		return m.ReceiverID
	}
	return m.SenderID
}

// Between reports whether m belongs to the conversation of a and b.
func (m Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// MessageRow is the wire shape of the messages table.
type MessageRow struct {
	ID         string    `json:"id,omitempty"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	ListingID  *string   `json:"book_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     *Status   `json:"status"`
}

func (r MessageRow) message(localUser string) Message {
	m := Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Status:     StatusSent,
		Own:        r.SenderID == localUser,
	}
	if r.ListingID != nil {
		m.ListingID = *r.ListingID
	}
	if r.Status != nil {
		m.Status = r.Status.Normalize()
	}
	return m
}

// AttachmentRow is the wire shape of the message_images table.
type AttachmentRow struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id"`
	URL       string `json:"image_url"`
	Folder    string `json:"image_path"`
	FileName  string `json:"file_name"`
}

func (r AttachmentRow) attachment() *Attachment {
	kind := KindDocument
	if strings.Contains(r.Folder, "image") {
		kind = KindImage
	}
	return &Attachment{URL: r.URL, Kind: kind, Name: r.FileName}
}

type Conversation struct {
	Key         string
	Counterpart Profile
	Listing     *Listing
	LastMessage Message
	Unread      bool
}

// ConversationKey identifies the unordered pair a and b.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "_" + pair[1]
}

func sortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})
}
