package baas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type StorageObject struct {
	Name      string         `json:"name"`
	ID        string         `json:"id,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}

// Upload stores body at bucket/path.
func (c *Client) Upload(ctx context.Context, bucket, path string, body io.Reader, opts UploadOptions) error {
	bucket, path = strings.TrimSpace(bucket), strings.Trim(strings.TrimSpace(path), "/")
	if bucket == "" || path == "" || body == nil {
		return ErrInvalidInput
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	contentType := strings.TrimSpace(opts.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	cacheControl := strings.TrimSpace(opts.CacheControl)
	if cacheControl == "" {
		cacheControl = "3600"
	}
	headers := map[string]string{
		"Cache-Control": "max-age=" + cacheControl,
		"x-upsert":      fmt.Sprintf("%t", opts.Upsert),
	}
	_, err = c.do(ctx, http.MethodPost, "/storage/v1/object/"+objectPath(bucket, path), headers, data, contentType, nil)
	return err
}

// PublicURL never touches the network; the bucket must be public for the
// URL to resolve.
func (c *Client) PublicURL(bucket, path string) string {
	return c.baseURL + "/storage/v1/object/public/" + objectPath(strings.TrimSpace(bucket), strings.Trim(strings.TrimSpace(path), "/"))
}

func (c *Client) SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	bucket, path = strings.TrimSpace(bucket), strings.Trim(strings.TrimSpace(path), "/")
	if bucket == "" || path == "" {
		return "", ErrInvalidInput
	}
	seconds := int(expiresIn / time.Second)
	if seconds <= 0 {
		seconds = 60
	}
	var resp struct {
		SignedURL string `json:"signedURL"`
	}
	body := map[string]int{"expiresIn": seconds}
	if _, err := c.do(ctx, http.MethodPost, "/storage/v1/object/sign/"+objectPath(bucket, path), nil, body, "", &resp); err != nil {
		return "", err
	}
	signed := strings.TrimSpace(resp.SignedURL)
	if signed == "" {
		return "", fmt.Errorf("storage returned an empty signed url for %s/%s", bucket, path)
	}
	if strings.HasPrefix(signed, "http://") || strings.HasPrefix(signed, "https://") {
		return signed, nil
	}
	return c.baseURL + "/storage/v1" + "/" + strings.TrimLeft(signed, "/"), nil
}

func (c *Client) List(ctx context.Context, bucket, prefix string, limit int) ([]StorageObject, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 100
	}
	body := map[string]any{
		"prefix": strings.Trim(strings.TrimSpace(prefix), "/"),
		"limit":  limit,
		"offset": 0,
		"sortBy": map[string]string{"column": "name", "order": "asc"},
	}
	var objects []StorageObject
	if _, err := c.do(ctx, http.MethodPost, "/storage/v1/object/list/"+url.PathEscape(bucket), nil, body, "", &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (c *Client) Remove(ctx context.Context, bucket string, paths []string) error {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" || len(paths) == 0 {
		return ErrInvalidInput
	}
	body := map[string][]string{"prefixes": paths}
	_, err := c.do(ctx, http.MethodDelete, "/storage/v1/object/"+url.PathEscape(bucket), nil, body, "", nil)
	return err
}

// ParseObjectURL splits a public or signed storage URL into bucket and path.
func ParseObjectURL(raw string) (bucket, path string, ok bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false
	}
	rest := parsed.Path
	for _, marker := range []string{"/storage/v1/object/public/", "/storage/v1/object/sign/", "/storage/v1/object/"} {
		if idx := strings.Index(rest, marker); idx >= 0 {
			rest = rest[idx+len(marker):]
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return "", "", false
			}
			return parts[0], parts[1], true
		}
	}
	return "", "", false
}

func objectPath(bucket, path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
