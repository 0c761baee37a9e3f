package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
)

const (
	messagesTable         = "messages"
	attachmentsTable      = "message_images"
	purchaseRequestsTable = "purchase_requests"
	profilesTable         = "profiles"
	listingsTable         = "books"

	storeAttachmentRPC = "store_message_image"
)

// Store is the slice of the backend the chat service reads and writes.
type Store interface {
	ListConversationMessages(ctx context.Context, a, b, listingID string, limit int) ([]MessageRow, error)
	ListUserMessages(ctx context.Context, userID string) ([]MessageRow, error)
	ListAttachments(ctx context.Context, messageIDs []string) ([]AttachmentRow, error)
	ListPurchaseRequests(ctx context.Context, a, b string, listingIDs []string) ([]PurchaseRequest, error)
	GetProfiles(ctx context.Context, ids []string) ([]Profile, error)
	GetListings(ctx context.Context, ids []string) ([]Listing, error)
	GetListing(ctx context.Context, id string) (*Listing, error)
	InsertMessage(ctx context.Context, row NewMessage) (MessageRow, error)
	InsertAttachment(ctx context.Context, row AttachmentRow) error
	// UpdateStatus moves the given rows to status when their current status is
	// one of from (or NULL) and returns the ids that changed.
	UpdateStatus(ctx context.Context, ids []string, status Status, from []string) ([]string, error)
	ListUnreadIDs(ctx context.Context, receiverID, senderID string) ([]string, error)
	GetStatuses(ctx context.Context, ids []string) (map[string]Status, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// NewMessage is the insertable part of a message row.
type NewMessage struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	ListingID  string `json:"book_id,omitempty"`
	Content    string `json:"content"`
	Status     Status `json:"status"`
}

// RESTStore implements Store over the backend's REST interface.
type RESTStore struct {
	client *baas.Client
}

func NewRESTStore(client *baas.Client) *RESTStore {
	return &RESTStore{client: client}
}

const messageColumns = "id,sender_id,receiver_id,book_id,content,created_at,updated_at,status"

func (s *RESTStore) ListConversationMessages(ctx context.Context, a, b, listingID string, limit int) ([]MessageRow, error) {
	q := baas.From(messagesTable).
		Select(messageColumns).
		Or(baas.PairFilter("sender_id", "receiver_id", a, b)).
		Order("created_at", true).
		Limit(limit)
	if listingID != "" {
		q.Eq("book_id", listingID)
	}
	var rows []MessageRow
	if err := s.client.Select(ctx, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) ListUserMessages(ctx context.Context, userID string) ([]MessageRow, error) {
	q := baas.From(messagesTable).
		Select(messageColumns).
		Or("sender_id.eq."+userID+",receiver_id.eq."+userID).
		Order("created_at", false)
	var rows []MessageRow
	if err := s.client.Select(ctx, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) ListAttachments(ctx context.Context, messageIDs []string) ([]AttachmentRow, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var rows []AttachmentRow
	if err := s.client.Select(ctx, baas.From(attachmentsTable).In("message_id", messageIDs), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) ListPurchaseRequests(ctx context.Context, a, b string, listingIDs []string) ([]PurchaseRequest, error) {
	q := baas.From(purchaseRequestsTable).
		Or(baas.PairFilter("buyer_id", "seller_id", a, b)).
		Order("created_at", true)
	if len(listingIDs) > 0 {
		q.In("book_id", listingIDs)
	}
	var rows []PurchaseRequest
	if err := s.client.Select(ctx, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Profile
	if err := s.client.Select(ctx, baas.From(profilesTable).Select("id,name,avatar_url").In("id", ids), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) GetListings(ctx context.Context, ids []string) ([]Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Listing
	if err := s.client.Select(ctx, baas.From(listingsTable).In("id", ids), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetListing returns nil without an error when the listing does not exist.
func (s *RESTStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	var listing Listing
	err := s.client.SelectOne(ctx, baas.From(listingsTable).Eq("id", id), &listing)
	if errors.Is(err, baas.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (s *RESTStore) InsertMessage(ctx context.Context, row NewMessage) (MessageRow, error) {
	var rows []MessageRow
	if err := s.client.Insert(ctx, messagesTable, row, &rows); err != nil {
		return MessageRow{}, err
	}
	if len(rows) == 0 {
		return MessageRow{}, fmt.Errorf("message insert returned no row")
	}
	return rows[0], nil
}

// InsertAttachment records an attachment through the stored procedure and
// falls back to a direct insert when the procedure is unavailable.
func (s *RESTStore) InsertAttachment(ctx context.Context, row AttachmentRow) error {
	args := map[string]string{
		"p_message_id": row.MessageID,
		"p_image_url":  row.URL,
		"p_image_path": row.Folder,
		"p_file_name":  row.FileName,
	}
	rpcErr := s.client.RPC(ctx, storeAttachmentRPC, args, nil)
	if rpcErr == nil {
		return nil
	}
	// Fall back to the table only when the RPC was refused outright. After a
	// 5xx or a lost response the RPC may have stored the row already.
	var httpErr *baas.HTTPError
	if !errors.As(rpcErr, &httpErr) || httpErr.StatusCode >= 500 {
		return fmt.Errorf("store attachment: %w", rpcErr)
	}
	if err := s.client.Insert(ctx, attachmentsTable, row, nil); err != nil {
		return fmt.Errorf("store attachment: rpc: %v; insert: %w", rpcErr, err)
	}
	return nil
}

func (s *RESTStore) UpdateStatus(ctx context.Context, ids []string, status Status, from []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	expr := "status.is.null"
	if len(from) > 0 {
		expr += ",status.in.(" + strings.Join(from, ",") + ")"
	}
	q := baas.From(messagesTable).Select("id").In("id", ids).Or(expr)
	patch := map[string]any{"status": status, "updated_at": time.Now().UTC()}
	var updated []struct {
		ID string `json:"id"`
	}
	if err := s.client.Update(ctx, q, patch, &updated); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(updated))
	for _, row := range updated {
		out = append(out, row.ID)
	}
	return out, nil
}

func (s *RESTStore) ListUnreadIDs(ctx context.Context, receiverID, senderID string) ([]string, error) {
	q := baas.From(messagesTable).
		Select("id").
		Eq("receiver_id", receiverID).
		Eq("sender_id", senderID).
		Or("status.is.null,status.neq.read")
	var rows []struct {
		ID string `json:"id"`
	}
	if err := s.client.Select(ctx, q, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (s *RESTStore) GetStatuses(ctx context.Context, ids []string) (map[string]Status, error) {
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ID     string  `json:"id"`
		Status *Status `json:"status"`
	}
	if err := s.client.Select(ctx, baas.From(messagesTable).Select("id,status").In("id", ids), &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		status := StatusSent
		if row.Status != nil {
			status = row.Status.Normalize()
		}
		out[row.ID] = status
	}
	return out, nil
}

func (s *RESTStore) CountUnread(ctx context.Context, userID string) (int, error) {
	q := baas.From(messagesTable).
		Select("id").
		Eq("receiver_id", userID).
		Or("status.is.null,status.neq.read")
	return s.client.Count(ctx, q)
}
