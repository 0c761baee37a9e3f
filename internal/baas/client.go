package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 and PostgREST's "no rows" code onto ErrNotFound, and 400/422
// onto ErrInvalidInput.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Code == "PGRST116"
	case ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// Temporary reports whether the failure is worth retrying later.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Options struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zerolog.Logger
}

// Client talks to the REST, RPC and storage endpoints of the backend.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    Backoff
	logger     *zerolog.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:54321"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	token := strings.TrimSpace(opts.AccessToken)
	if token == "" {
		token = strings.TrimSpace(opts.APIKey)
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		token:      token,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay}.withDefaults(100*time.Millisecond, 2*time.Second),
		logger:     logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) APIKey() string {
	return c.apiKey
}

// Select runs a GET against the table named by q and decodes the JSON array
// into out.
func (c *Client) Select(ctx context.Context, q *Query, out any) error {
	if q == nil {
		return ErrInvalidInput
	}
	_, err := c.do(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(q.table)+"?"+q.Encode(), nil, nil, "", out)
	return err
}

// SelectOne is Select with the single-object accept header. A missing row
// yields ErrNotFound.
func (c *Client) SelectOne(ctx context.Context, q *Query, out any) error {
	if q == nil {
		return ErrInvalidInput
	}
	headers := map[string]string{"Accept": "application/vnd.pgrst.object+json"}
	_, err := c.do(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(q.table)+"?"+q.Encode(), headers, nil, "", out)
	return err
}

// Count returns the exact number of rows matching q.
func (c *Client) Count(ctx context.Context, q *Query) (int, error) {
	if q == nil {
		return 0, ErrInvalidInput
	}
	headers := map[string]string{"Prefer": "count=exact"}
	resp, err := c.do(ctx, http.MethodHead, "/rest/v1/"+url.PathEscape(q.table)+"?"+q.Encode(), headers, nil, "", nil)
	if err != nil {
		return 0, err
	}
	return parseContentRangeTotal(resp.Get("Content-Range"))
}

// Insert posts row (an object or a slice) and decodes the inserted rows
// into out when out is non-nil.
func (c *Client) Insert(ctx context.Context, table string, row any, out any) error {
	table = strings.TrimSpace(table)
	if table == "" || row == nil {
		return ErrInvalidInput
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	if out != nil {
		headers["Prefer"] = "return=representation"
	}
	_, err := c.do(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table), headers, row, "", out)
	return err
}

// Update patches every row matching q and decodes the updated rows into out.
// Callers count rows affected from out.
func (c *Client) Update(ctx context.Context, q *Query, patch any, out any) error {
	if q == nil || patch == nil {
		return ErrInvalidInput
	}
	if !q.hasFilter() {
		return fmt.Errorf("%w: update without filter", ErrInvalidInput)
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	if out != nil {
		headers["Prefer"] = "return=representation"
	}
	_, err := c.do(ctx, http.MethodPatch, "/rest/v1/"+url.PathEscape(q.table)+"?"+q.Encode(), headers, patch, "", out)
	return err
}

func (c *Client) Delete(ctx context.Context, q *Query) error {
	if q == nil {
		return ErrInvalidInput
	}
	if !q.hasFilter() {
		return fmt.Errorf("%w: delete without filter", ErrInvalidInput)
	}
	_, err := c.do(ctx, http.MethodDelete, "/rest/v1/"+url.PathEscape(q.table)+"?"+q.Encode(), nil, nil, "", nil)
	return err
}

// RPC calls a stored procedure.
func (c *Client) RPC(ctx context.Context, fn string, args any, out any) error {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return ErrInvalidInput
	}
	if args == nil {
		args = map[string]any{}
	}
	_, err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), nil, args, "", out)
	return err
}

// do issues one request with retries on transport errors, 429 and 5xx.
// Requests that may create rows (see replayable) are only retried when the
// server provably did not act on them: a failed dial or a 429.
// body is JSON-encoded unless rawType is set, in which case body must be
// []byte and is sent with that content type.
func (c *Client) do(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	rawType string,
	out any,
) (http.Header, error) {
	var bodyBytes []byte
	contentType := ""
	switch {
	case rawType != "":
		raw, ok := body.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: raw body must be bytes", ErrInvalidInput)
		}
		bodyBytes = raw
		contentType = rawType
	case body != nil:
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		contentType = "application/json"
	}
	requestID := correlationID()
	replay := replayable(method, requestPath, headers)
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Client-Info", "bookchat-go")
		req.Header.Set("X-Correlation-Id", requestID)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil && (replay || isDialError(err)) {
				c.logger.Debug().Err(err).Str("method", method).Int("attempt", attempt+1).Msg("request failed, retrying")
				if waitErr := Wait(ctx, c.backoff.Delay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			return resp.Header, json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (replay && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			c.logger.Debug().Int("status", resp.StatusCode).Str("method", method).Int("attempt", attempt+1).Msg("retryable response")
			if waitErr := Wait(ctx, c.backoff.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			Details    string `json:"details"`
			Error      string `json:"error"`
			StatusCode string `json:"statusCode"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		code := errPayload.Code
		if code == "" {
			code = errPayload.StatusCode
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
			Details:    errPayload.Details,
		}
	}
}

// replayable reports whether sending the request twice has the same effect
// as sending it once. Inserts and RPCs are not; upserting uploads and the
// storage sign/list endpoints are.
func replayable(method, requestPath string, headers map[string]string) bool {
	if method != http.MethodPost {
		return true
	}
	if strings.EqualFold(headers["x-upsert"], "true") {
		return true
	}
	return strings.HasPrefix(requestPath, "/storage/v1/object/sign/") ||
		strings.HasPrefix(requestPath, "/storage/v1/object/list/")
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// parseContentRangeTotal reads the total from "0-24/3573" or "*/0".
func parseContentRangeTotal(header string) (int, error) {
	header = strings.TrimSpace(header)
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, fmt.Errorf("missing count in content-range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("server did not report an exact count")
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("invalid content-range %q: %w", header, err)
	}
	return n, nil
}

func correlationID() string {
	return "bc_" + uuid.NewString()
}
