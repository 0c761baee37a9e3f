package chat

import (
	"context"
	"fmt"

	"github.com/diplomabazar/bookchat/internal/backup"
	"github.com/hashicorp/go-multierror"
)

// LoadHistory returns the conversation between localUser and otherUser,
// oldest first, with purchase requests merged in as read-only entries. When
// listingID is set only messages about that listing are returned.
//
// A failed message fetch yields an empty slice together with the error.
// Failures while enriching the rows are logged and leave the affected fields
// empty.
func (s *Service) LoadHistory(ctx context.Context, localUser, otherUser, listingID string) ([]Message, error) {
	localUser, otherUser, err := checkPair(localUser, otherUser)
	if err != nil {
		return []Message{}, err
	}
	rows, err := s.store.ListConversationMessages(ctx, localUser, otherUser, listingID, s.historyLimit)
	if err != nil {
		return []Message{}, fmt.Errorf("load history: %w", err)
	}

	var enrichErr *multierror.Error
	profiles, err := s.profiles(ctx, localUser, otherUser)
	if err != nil {
		enrichErr = multierror.Append(enrichErr, fmt.Errorf("profiles: %w", err))
	}

	messages := make([]Message, 0, len(rows))
	ids := make([]string, 0, len(rows))
	listingIDs := []string{listingID}
	for _, row := range rows {
		msg := row.message(localUser)
		if msg.ID == "" || !msg.Between(localUser, otherUser) {
			continue
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
		listingIDs = append(listingIDs, msg.ListingID)
	}

	attachments := map[string]AttachmentRow{}
	if records, err := s.store.ListAttachments(ctx, ids); err != nil {
		enrichErr = multierror.Append(enrichErr, fmt.Errorf("attachments: %w", err))
	} else {
		for _, rec := range records {
			attachments[rec.MessageID] = rec
		}
	}

	requests, err := s.store.ListPurchaseRequests(ctx, localUser, otherUser, uniqueNonEmpty(listingIDs))
	if err != nil {
		enrichErr = multierror.Append(enrichErr, fmt.Errorf("purchase requests: %w", err))
	}

	for i := range messages {
		msg := &messages[i]
		s.applyProfile(msg, profiles)
		if rec, ok := attachments[msg.ID]; ok {
			msg.Attachment = rec.attachment()
			continue
		}
		msg.Attachment = s.fallbackAttachment(ctx, msg)
	}

	seen := make(map[string]struct{}, len(messages)+len(requests))
	merged := make([]Message, 0, len(messages)+len(requests))
	for _, msg := range messages {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		merged = append(merged, msg)
	}
	for _, req := range requests {
		req.BuyerName = profileName(profiles, req.BuyerID)
		entry := req.AsMessage(localUser)
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		merged = append(merged, entry)
	}
	sortMessages(merged)

	if err := enrichErr.ErrorOrNil(); err != nil {
		s.logger.Warn().Err(err).
			Str("conversation", ConversationKey(localUser, otherUser)).
			Int("messages", len(messages)).
			Msg("history loaded with missing details")
	}
	return merged, nil
}

func (s *Service) applyProfile(msg *Message, profiles map[string]Profile) {
	msg.SenderName = profileName(profiles, msg.SenderID)
	if p, ok := profiles[msg.SenderID]; ok {
		msg.SenderAvatarURL = p.AvatarURL
	}
}

// fallbackAttachment rebuilds an attachment for a message without a stored
// record, first from the backup cache and then from its placeholder content.
func (s *Service) fallbackAttachment(ctx context.Context, msg *Message) *Attachment {
	if s.backups != nil {
		entry, ok, err := s.backups.Get(ctx, msg.ID)
		if err != nil {
			s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("attachment backup lookup failed")
		}
		if ok {
			return attachmentFromBackup(entry)
		}
	}
	if kind, ok := PlaceholderKind(msg.Content); ok {
		return &Attachment{Kind: kind}
	}
	return nil
}

func attachmentFromBackup(entry backup.Entry) *Attachment {
	kind := AttachmentKind(entry.Kind)
	if kind != KindImage {
		kind = KindDocument
	}
	return &Attachment{
		URL:         entry.URL,
		Kind:        kind,
		Name:        entry.Name,
		ContentType: entry.ContentType,
		Size:        entry.Size,
		SignedURL:   entry.SignedURL,
	}
}

func profileName(profiles map[string]Profile, id string) string {
	if p, ok := profiles[id]; ok && p.Name != "" {
		return p.Name
	}
	return unknownUserName
}
