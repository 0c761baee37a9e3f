package chat

import (
	"context"
	"fmt"
	"strings"
)

// MarkDelivered moves a sent message to delivered. Messages already
// delivered or read are left alone and the call succeeds.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) error {
	return s.advance(ctx, messageID, StatusDelivered)
}

// MarkRead moves a message to read. Re-marking a read message is a no-op.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	return s.advance(ctx, messageID, StatusRead)
}

func (s *Service) advance(ctx context.Context, messageID string, to Status) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ErrInvalidInput
	}
	// Local-only and synthetic entries have no row to update.
	if IsTemporaryID(messageID) || strings.HasPrefix(messageID, purchaseRequestPrefix) {
		return nil
	}
	updated, err := s.store.UpdateStatus(ctx, []string{messageID}, to, statusesBelow(to))
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", messageID, to, err)
	}
	if len(updated) == 0 {
		s.logger.Debug().Str("message_id", messageID).Str("status", string(to)).Msg("status already at or past target")
	}
	return nil
}

// MarkAllRead marks every message from sender to receiver that is not yet
// read and returns how many rows changed. Afterwards the statuses are read
// back; rows still not read are logged and left for the next call.
func (s *Service) MarkAllRead(ctx context.Context, receiverID, senderID string) (int, error) {
	receiverID, senderID, err := checkPair(receiverID, senderID)
	if err != nil {
		return 0, err
	}
	ids, err := s.store.ListUnreadIDs(ctx, receiverID, senderID)
	if err != nil {
		return 0, fmt.Errorf("list unread: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	updated, err := s.store.UpdateStatus(ctx, ids, StatusRead, statusesBelow(StatusRead))
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}

	statuses, err := s.store.GetStatuses(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Int("rows", len(ids)).Msg("read-back after mark all read failed")
		return len(updated), nil
	}
	var stragglers []string
	for _, id := range ids {
		if status, ok := statuses[id]; ok && status != StatusRead {
			stragglers = append(stragglers, id)
		}
	}
	if len(stragglers) > 0 {
		s.logger.Warn().
			Str("receiver_id", receiverID).
			Str("sender_id", senderID).
			Strs("message_ids", stragglers).
			Msg("messages still unread after mark all read")
	}
	return len(updated), nil
}
