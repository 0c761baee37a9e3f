package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ListConversations groups the user's messages by counterpart. Unread
// conversations come first, then the most recent.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}
	rows, err := s.store.ListUserMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	byKey := map[string]*Conversation{}
	var counterparts, listingIDs []string
	for _, row := range rows {
		msg := row.message(userID)
		if msg.SenderID != userID && msg.ReceiverID != userID {
			continue
		}
		other := msg.Counterpart(userID)
		key := ConversationKey(userID, other)
		conv, ok := byKey[key]
		if ok && !msg.CreatedAt.After(conv.LastMessage.CreatedAt) {
			continue
		}
		if !ok {
			conv = &Conversation{Key: key, Counterpart: Profile{ID: other}}
			byKey[key] = conv
			counterparts = append(counterparts, other)
		}
		conv.LastMessage = msg
		conv.Unread = msg.SenderID != userID && msg.Status != StatusRead
	}
	for _, conv := range byKey {
		listingIDs = append(listingIDs, conv.LastMessage.ListingID)
	}

	var enrichErr *multierror.Error
	profiles, err := s.profiles(ctx, counterparts...)
	if err != nil {
		enrichErr = multierror.Append(enrichErr, fmt.Errorf("profiles: %w", err))
	}
	listings := map[string]Listing{}
	if ids := uniqueNonEmpty(listingIDs); len(ids) > 0 {
		rows, err := s.store.GetListings(ctx, ids)
		if err != nil {
			enrichErr = multierror.Append(enrichErr, fmt.Errorf("listings: %w", err))
		}
		for _, l := range rows {
			listings[l.ID] = l
		}
	}
	if err := enrichErr.ErrorOrNil(); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("conversations listed with missing details")
	}

	out := make([]Conversation, 0, len(byKey))
	for _, conv := range byKey {
		id := conv.Counterpart.ID
		conv.Counterpart = Profile{ID: id, Name: profileName(profiles, id), AvatarURL: profiles[id].AvatarURL}
		if l, ok := listings[conv.LastMessage.ListingID]; ok {
			listing := l
			conv.Listing = &listing
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unread != out[j].Unread {
			return out[i].Unread
		}
		if !out[i].LastMessage.CreatedAt.Equal(out[j].LastMessage.CreatedAt) {
			return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// CountUnread returns how many messages addressed to userID are not read.
func (s *Service) CountUnread(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidInput
	}
	return s.store.CountUnread(ctx, userID)
}

// GetListing returns nil without an error for a listing that no longer
// exists.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.store.GetListing(ctx, id)
}
