package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/diplomabazar/bookchat/internal/backup"
	"github.com/google/uuid"
)

const (
	MaxAttachmentSize = 10 << 20

	attachmentBucket = "messages"
	imageFolder      = "message_images"
	documentFolder   = "message_documents"
)

var documentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// Upload is a file to attach to a message.
type Upload struct {
	Kind        AttachmentKind
	Name        string
	ContentType string
	Body        io.Reader
}

func readUpload(u Upload) ([]byte, error) {
	if u.Body == nil {
		return nil, ErrInvalidInput
	}
	contentType := strings.ToLower(strings.TrimSpace(u.ContentType))
	switch u.Kind {
	case KindImage:
		if !strings.HasPrefix(contentType, "image/") {
			return nil, fmt.Errorf("%w: %q is not an image", ErrUnsupportedType, u.ContentType)
		}
	case KindDocument:
		if !slices.Contains(documentTypes, contentType) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, u.ContentType)
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedType, u.Kind)
	}
	data, err := io.ReadAll(io.LimitReader(u.Body, MaxAttachmentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxAttachmentSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrAttachmentTooLarge, MaxAttachmentSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	return data, nil
}

// UploadAttachment validates and stores a file in the messages bucket and
// returns its public URL together with a signed backup URL.
func (s *Service) UploadAttachment(ctx context.Context, senderID string, u Upload) (*Attachment, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return nil, ErrInvalidInput
	}
	if s.objects == nil {
		return nil, fmt.Errorf("object storage is not configured")
	}
	data, err := readUpload(u)
	if err != nil {
		return nil, err
	}
	folder := documentFolder
	if u.Kind == KindImage {
		folder = imageFolder
	}
	ext := strings.ToLower(path.Ext(u.Name))
	fileName := fmt.Sprintf("%s-%d-%s%s", senderID, s.now().UnixMilli(), uuid.NewString()[:8], ext)
	opts := baas.UploadOptions{ContentType: u.ContentType, Upsert: true}

	objectPath := folder + "/" + fileName
	if err := s.objects.Upload(ctx, attachmentBucket, objectPath, bytes.NewReader(data), opts); err != nil {
		s.logger.Warn().Err(err).Str("path", objectPath).Msg("upload into folder failed, retrying at bucket root")
		objectPath = fileName
		if err := s.objects.Upload(ctx, attachmentBucket, objectPath, bytes.NewReader(data), opts); err != nil {
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
	}

	att := &Attachment{
		URL:         forceHTTPS(s.objects.PublicURL(attachmentBucket, objectPath)),
		Kind:        u.Kind,
		Name:        strings.TrimSpace(u.Name),
		ContentType: u.ContentType,
		Size:        int64(len(data)),
	}
	signed, err := s.objects.SignedURL(ctx, attachmentBucket, objectPath, s.signedURLTTL)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", objectPath).Msg("signed backup url unavailable")
	} else {
		att.SignedURL = signed
	}
	return att, nil
}

// SendWithAttachment uploads u and sends it as a message. Empty text is
// replaced with the placeholder for the attachment kind.
func (s *Service) SendWithAttachment(ctx context.Context, req SendRequest, u Upload) (Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		if u.Kind == KindImage {
			req.Content = ImagePlaceholder
		} else {
			req.Content = DocumentPlaceholder(strings.TrimSpace(u.Name))
		}
	}
	req, err := prepare(req)
	if err != nil {
		return Message{}, err
	}
	att, err := s.UploadAttachment(ctx, req.SenderID, u)
	if err != nil {
		return Message{}, err
	}
	return s.send(ctx, req, att)
}

// ResolveAttachmentURL returns a URL that can be fetched right now for the
// attachment of messageID: a cached backup URL, or a freshly signed one.
// URLs outside the object store are returned unchanged.
func (s *Service) ResolveAttachmentURL(ctx context.Context, messageID, rawURL string) (string, error) {
	if s.backups != nil && messageID != "" {
		entry, ok, err := s.backups.Get(ctx, messageID)
		if err != nil {
			s.logger.Debug().Err(err).Str("message_id", messageID).Msg("attachment backup lookup failed")
		}
		if ok {
			if entry.SignedURL != "" {
				return entry.SignedURL, nil
			}
			rawURL = entry.URL
		}
	}
	bucket, objectPath, ok := baas.ParseObjectURL(rawURL)
	if !ok || s.objects == nil {
		return rawURL, nil
	}
	var lastErr error
	for _, candidate := range candidatePaths(objectPath) {
		signed, err := s.objects.SignedURL(ctx, bucket, candidate, s.signedURLTTL)
		if err != nil {
			lastErr = err
			if errors.Is(err, baas.ErrNotFound) {
				continue
			}
			break
		}
		s.rememberSignedURL(ctx, messageID, rawURL, signed)
		return signed, nil
	}
	return rawURL, fmt.Errorf("resolve attachment url: %w", lastErr)
}

// candidatePaths also tries the other attachment folder, since older
// uploads may have landed there or at the bucket root.
func candidatePaths(objectPath string) []string {
	base := path.Base(objectPath)
	out := []string{objectPath}
	for _, alt := range []string{imageFolder + "/" + base, documentFolder + "/" + base, base} {
		if alt != objectPath {
			out = append(out, alt)
		}
	}
	return out
}

func (s *Service) rememberSignedURL(ctx context.Context, messageID, rawURL, signed string) {
	if s.backups == nil || messageID == "" {
		return
	}
	entry, ok, _ := s.backups.Get(ctx, messageID)
	if !ok {
		entry = backup.Entry{MessageID: messageID, URL: rawURL}
	}
	entry.SignedURL = signed
	entry.StoredAt = s.now().UTC()
	if err := s.backups.Put(ctx, entry); err != nil {
		s.logger.Debug().Err(err).Str("message_id", messageID).Msg("attachment backup not refreshed")
	}
}

func forceHTTPS(raw string) string {
	if strings.HasPrefix(raw, "http://") {
		return "https://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
