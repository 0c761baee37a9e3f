package notify

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnknownType  = errors.New("unknown notification type")
)

type Type string

const (
	TypePurchaseRequest      Type = "purchase_request"
	TypeRequestAccepted      Type = "request_accepted"
	TypeRequestRejected      Type = "request_rejected"
	TypeBookSold             Type = "book_sold"
	TypeBookAvailable        Type = "book_available"
	TypePaymentReceived      Type = "payment_received"
	TypePaymentSent          Type = "payment_sent"
	TypeMessage              Type = "message"
	TypeVerificationApproved Type = "verification_approved"
	TypeVerificationRejected Type = "verification_rejected"
	TypeBookAdded            Type = "book_added"
)

var titles = map[Type]string{
	TypePurchaseRequest:      "New purchase request",
	TypeRequestAccepted:      "Purchase request accepted",
	TypeRequestRejected:      "Purchase request declined",
	TypeBookSold:             "Book sold",
	TypeBookAvailable:        "Book available",
	TypePaymentReceived:      "Payment received",
	TypePaymentSent:          "Payment sent",
	TypeMessage:              "New message",
	TypeVerificationApproved: "Verification approved",
	TypeVerificationRejected: "Verification rejected",
	TypeBookAdded:            "New book added",
}

func (t Type) Valid() bool {
	_, ok := titles[t]
	return ok
}

func (t Type) Title() string {
	if title, ok := titles[t]; ok {
		return title
	}
	return "Notification"
}

type Notification struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	SenderID        string    `json:"sender_id,omitempty"`
	Type            Type      `json:"type"`
	Message         string    `json:"message"`
	Read            bool      `json:"is_read"`
	RelatedID       string    `json:"related_id,omitempty"`
	ActionURL       string    `json:"action_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	SenderName      string    `json:"-"`
	SenderAvatarURL string    `json:"-"`
}

// New is the insertable part of a notification.
type New struct {
	UserID    string `json:"user_id"`
	SenderID  string `json:"sender_id,omitempty"`
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	Read      bool   `json:"is_read"`
	RelatedID string `json:"related_id,omitempty"`
	ActionURL string `json:"action_url,omitempty"`
}

func (n New) validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return ErrInvalidInput
	}
	if !n.Type.Valid() {
		return ErrUnknownType
	}
	return nil
}

// MessageActionURL is the deep link that opens the conversation with
// sender, scoped to a listing when one is set.
func MessageActionURL(senderID, listingID string) string {
	q := url.Values{}
	q.Set("seller", senderID)
	if strings.TrimSpace(listingID) != "" {
		q.Set("bookId", listingID)
	}
	return "/messages?" + q.Encode()
}

// Route returns the in-app path a notification opens.
func Route(n Notification) string {
	related := strings.TrimSpace(n.RelatedID)
	switch n.Type {
	case TypeVerificationApproved:
		if related != "" {
			return "/verification/approved/" + url.PathEscape(related)
		}
		return "/verification"
	case TypeVerificationRejected:
		if related != "" {
			return "/verification/details/" + url.PathEscape(related) + "?status=rejected"
		}
		return "/verification"
	case TypeMessage:
		if n.ActionURL != "" {
			return n.ActionURL
		}
		if related != "" {
			return "/messages?conversation=" + url.QueryEscape(related)
		}
		return "/messages"
	case TypePurchaseRequest, TypeRequestAccepted, TypeRequestRejected:
		if n.ActionURL != "" {
			return n.ActionURL
		}
		if related != "" {
			return "/messages?requestId=" + url.QueryEscape(related)
		}
		return "/messages"
	case TypeBookSold, TypeBookAvailable, TypeBookAdded:
		if related != "" {
			return "/book/" + url.PathEscape(related)
		}
		return "/browse"
	}
	if n.ActionURL != "" {
		return n.ActionURL
	}
	return "/notifications"
}
