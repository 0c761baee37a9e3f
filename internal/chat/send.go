package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/diplomabazar/bookchat/internal/backup"
	"github.com/diplomabazar/bookchat/internal/notify"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

const MaxContentRunes = 5000

type SendRequest struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required,nefield=SenderID"`
	ListingID  string
	Content    string `validate:"required,max=5000"`
	// SenderName is used in the notification; it is looked up when empty.
	SenderName string
}

type FieldError struct {
	Field string
	Rule  string
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" failed "+f.Rule)
	}
	return "invalid message: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

var validate = validator.New()

// prepare trims and NFC-normalises the request and validates it.
func prepare(req SendRequest) (SendRequest, error) {
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	req.ListingID = strings.TrimSpace(req.ListingID)
	req.Content = norm.NFC.String(strings.TrimSpace(req.Content))
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return req, err
		}
		verr := &ValidationError{}
		for _, fe := range fieldErrs {
			verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return req, verr
	}
	return req, nil
}

// Send stores a text message with status sent and notifies the receiver.
// Invalid requests fail with a *ValidationError before any network call. A
// notification failure does not fail the send.
func (s *Service) Send(ctx context.Context, req SendRequest) (Message, error) {
	req, err := prepare(req)
	if err != nil {
		return Message{}, err
	}
	return s.send(ctx, req, nil)
}

// SendOptimistic shows the message in thread immediately under a temporary
// id, then replaces it with the stored row or marks it failed.
func (s *Service) SendOptimistic(ctx context.Context, thread *Thread, req SendRequest) (Message, error) {
	req, err := prepare(req)
	if err != nil {
		return Message{}, err
	}
	tempID := thread.AddPending(Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		ListingID:  req.ListingID,
		Content:    req.Content,
		CreatedAt:  s.now().UTC(),
		SenderName: req.SenderName,
	})
	msg, err := s.send(ctx, req, nil)
	thread.Resolve(tempID, msg, err)
	return msg, err
}

func (s *Service) send(ctx context.Context, req SendRequest, att *Attachment) (Message, error) {
	row, err := s.store.InsertMessage(ctx, NewMessage{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		ListingID:  req.ListingID,
		Content:    req.Content,
		Status:     StatusSent,
	})
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	msg := row.message(req.SenderID)

	if att != nil {
		msg.Attachment = att
		s.recordAttachment(ctx, msg.ID, att)
	}

	if req.SenderName == "" {
		profiles, err := s.profiles(ctx, req.SenderID)
		if err != nil {
			s.logger.Debug().Err(err).Msg("sender profile unavailable")
		}
		req.SenderName = profiles[req.SenderID].Name
	}
	msg.SenderName = req.SenderName

	if s.notifier != nil {
		ev := notify.MessageEvent{
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			SenderName: req.SenderName,
			ReceiverID: msg.ReceiverID,
			ListingID:  msg.ListingID,
			Content:    msg.Content,
		}
		// Attachments notify as plain messages even inside a listing thread.
		if att != nil {
			ev.Type = notify.TypeMessage
		}
		if err := s.notifier.MessageSent(ctx, ev); err != nil {
			s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("message stored without notification")
		}
	}
	return msg, nil
}

// recordAttachment stores the attachment record and a local backup. Both are
// best effort; the message is already stored.
func (s *Service) recordAttachment(ctx context.Context, messageID string, att *Attachment) {
	folder := documentFolder
	if att.Kind == KindImage {
		folder = imageFolder
	}
	err := s.store.InsertAttachment(ctx, AttachmentRow{
		MessageID: messageID,
		URL:       att.URL,
		Folder:    folder,
		FileName:  att.Name,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("attachment record not stored")
	}
	if s.backups == nil {
		return
	}
	err = s.backups.Put(ctx, backup.Entry{
		MessageID:   messageID,
		URL:         att.URL,
		SignedURL:   att.SignedURL,
		Kind:        string(att.Kind),
		Name:        att.Name,
		ContentType: att.ContentType,
		Size:        att.Size,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("message_id", messageID).Msg("attachment backup not stored")
	}
}
