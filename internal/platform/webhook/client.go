// Package webhook delivers signed JSON payloads to an outbound HTTP endpoint
// and keeps a short log of delivery attempts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"

	maxResponseBody = 1024
)

// Attempt statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DeliveryAttempt records a single POST to a webhook endpoint.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	DeliveryID   string        `json:"delivery_id"`
	URL          string        `json:"url"`
	Signature    string        `json:"signature,omitempty"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// OK reports whether the endpoint answered with a 2xx status.
func (a *DeliveryAttempt) OK() bool { return a.Status == StatusSuccess }

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// Recorder stores delivery attempts.
type Recorder interface {
	RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithSecret enables HMAC signing of every payload.
func WithSecret(secret string) ClientOption {
	return func(cl *Client) { cl.secret = secret }
}

// WithRecorder keeps every attempt in r.
func WithRecorder(r Recorder) ClientOption {
	return func(cl *Client) { cl.recorder = r }
}

// WithLogger reports delivery bookkeeping problems, such as a recorder that
// could not store an attempt.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l.With().Str("component", "webhook_client").Logger() }
}

// Client POSTs payloads to a single configured endpoint. It never retries.
type Client struct {
	url        string
	secret     string
	httpClient *http.Client
	recorder   Recorder
	logger     zerolog.Logger
	now        func() time.Time
}

func NewClient(rawURL string, opts ...ClientOption) (*Client, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	c := &Client{
		url:        rawURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) URL() string { return c.url }

// Post sends payload as JSON. deliveryID goes out as X-Webhook-ID so the
// receiver can correlate retries. Transport failures and non-2xx answers are
// reported through the returned attempt, never as a panic or nil.
func (c *Client) Post(ctx context.Context, deliveryID string, payload []byte) *DeliveryAttempt {
	now := c.now()
	attempt := &DeliveryAttempt{
		ID:         uuid.New().String(),
		DeliveryID: deliveryID,
		URL:        c.url,
		CreatedAt:  now,
	}
	defer func() {
		if c.recorder == nil {
			return
		}
		if err := c.recorder.RecordDelivery(ctx, attempt); err != nil {
			c.logger.Warn().Err(err).
				Str("delivery_id", deliveryID).
				Str("attempt_id", attempt.ID).
				Msg("record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = StatusFailed
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, deliveryID)
	req.Header.Set(HeaderTimestamp, now.UTC().Format(time.RFC3339))
	if c.secret != "" {
		attempt.Signature = SignPayload(payload, c.secret)
		req.Header.Set(HeaderSignature, "sha256="+attempt.Signature)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = StatusFailed
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.logger.Debug().Err(err).Str("delivery_id", deliveryID).Msg("read webhook response body")
	}
	attempt.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = StatusSuccess
	} else {
		attempt.Status = StatusFailed
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}
