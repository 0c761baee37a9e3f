package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diplomabazar/bookchat/internal/baas"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload is the body of POST /notify.
type Payload struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url,omitempty"`
}

const payloadSchemaURL = "bookchat://push-payload.json"

const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["userId", "title", "body"],
	"additionalProperties": false,
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"body": {"type": "string", "maxLength": 1000},
		"url": {"type": "string", "pattern": "^/"}
	}
}`

type PushOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// PushClient delivers web-push requests through the push relay service.
type PushClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    baas.Backoff
	schema     *jsonschema.Schema
}

func NewPushClient(opts PushOptions) (*PushClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: push url is required", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	backoff := baas.Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay}
	if backoff.Base <= 0 {
		backoff.Base = 200 * time.Millisecond
	}
	if backoff.Max <= 0 {
		backoff.Max = 2 * time.Second
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &PushClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		schema:     schema,
	}, nil
}

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(payloadSchemaURL)
}

// Validate checks p against the relay's accepted payload shape.
func (c *PushClient) Validate(p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := c.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: push payload: %v", ErrInvalidInput, err)
	}
	return nil
}

func (c *PushClient) Notify(ctx context.Context, p Payload) error {
	if c == nil {
		return fmt.Errorf("push client is nil")
	}
	if err := c.Validate(p); err != nil {
		return err
	}
	bodyBytes, err := json.Marshal(p)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/notify"
	requestID := "push_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", requestID)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := baas.Wait(ctx, c.backoff.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := baas.Wait(ctx, c.backoff.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		errMessage := strings.TrimSpace(string(respBody))
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Message != "" {
				errMessage = parsed.Message
			} else if parsed.Error != "" {
				errMessage = parsed.Error
			}
		}
		return fmt.Errorf("push failed: status=%d message=%s", resp.StatusCode, errMessage)
	}
}
