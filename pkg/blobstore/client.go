// Package blobstore is a retrying client for a content-addressable blob
// store with a publisher (write) and an aggregator (read) endpoint.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/planrunner/pkg/errors"
	"github.com/odvcencio/planrunner/pkg/logging"
)

var (
	// ErrTimeout marks a request aborted by the per-attempt timeout.
	ErrTimeout = errors.New("blob store request timed out")
	// ErrInvalidBlob marks a store the publisher explicitly rejected.
	ErrInvalidBlob = errors.New("blob store rejected blob")
	// ErrMissingBlobID marks a store response with no blob id.
	ErrMissingBlobID = errors.New("blob store response has no blob id")
)

// Store statuses.
const (
	StatusNewlyCreated     = "newly_created"
	StatusAlreadyCertified = "already_certified"
)

// Config configures a Client.
type Config struct {
	PublisherURL      string        `yaml:"publisher_url"`
	AggregatorURL     string        `yaml:"aggregator_url"`
	Epochs            int           `yaml:"epochs"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// DefaultConfig returns the default client settings without endpoints.
func DefaultConfig() Config {
	return Config{
		Epochs:         5,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Epochs <= 0 {
		c.Epochs = def.Epochs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	c.PublisherURL = strings.TrimRight(c.PublisherURL, "/")
	c.AggregatorURL = strings.TrimRight(c.AggregatorURL, "/")
	return c
}

// StoreResult describes a successful store.
type StoreResult struct {
	BlobID string `json:"blobId"`
	Status string `json:"status"`
	Size   int    `json:"size"`
}

// RetrieveResult is a fetched blob. Data holds the decoded JSON value, or
// the raw text when the body is not JSON.
type RetrieveResult struct {
	BlobID string `json:"blobId"`
	Data   any    `json:"data"`
	Raw    []byte `json:"-"`
	IsJSON bool   `json:"isJson"`
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// Client talks to the blob store.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSleep overrides how the client waits between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a blob store client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.PublisherURL == "" && cfg.AggregatorURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "blob store needs a publisher or aggregator URL")
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep:      sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

type blobObject struct {
	BlobID string `json:"blobId"`
	Size   int    `json:"size"`
}

type storeResponse struct {
	NewlyCreated *struct {
		BlobObject blobObject `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID     string      `json:"blobId"`
		BlobObject *blobObject `json:"blobObject"`
	} `json:"alreadyCertified"`
	MarkedInvalid json.RawMessage `json:"markedInvalid"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Store serializes data and writes it through the publisher. []byte and
// string values are stored verbatim; anything else is JSON-encoded.
func (c *Client) Store(ctx context.Context, data any) (*StoreResult, error) {
	if c.cfg.PublisherURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "publisher URL not configured")
	}

	var body []byte
	switch v := data.(type) {
	case []byte:
		body = v
	case string:
		body = []byte(v)
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "serialize blob")
		}
		body = encoded
	}

	endpoint := fmt.Sprintf("%s/v1/blobs?epochs=%s", c.cfg.PublisherURL, strconv.Itoa(c.cfg.Epochs))
	respBody, err := c.fetchWithRetry(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		recordStore("error")
		return nil, err
	}

	result, err := parseStoreResponse(respBody)
	if err != nil {
		recordStore("rejected")
		return nil, err
	}
	recordStore(result.Status)
	if result.Size == 0 {
		result.Size = len(body)
	}
	_ = c.logger.Info(logging.CategoryStorage, "blob.stored", result.BlobID, map[string]any{
		"status": result.Status,
		"bytes":  len(body),
	})
	return result, nil
}

func parseStoreResponse(body []byte) (*StoreResult, error) {
	var resp storeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "decode store response")
	}

	switch {
	case resp.NewlyCreated != nil:
		if resp.NewlyCreated.BlobObject.BlobID == "" {
			return nil, apperrors.Wrap(ErrMissingBlobID, apperrors.ErrCodeStorage, "newly created blob")
		}
		return &StoreResult{
			BlobID: resp.NewlyCreated.BlobObject.BlobID,
			Status: StatusNewlyCreated,
			Size:   resp.NewlyCreated.BlobObject.Size,
		}, nil
	case resp.AlreadyCertified != nil:
		id := resp.AlreadyCertified.BlobID
		if id == "" && resp.AlreadyCertified.BlobObject != nil {
			id = resp.AlreadyCertified.BlobObject.BlobID
		}
		if id == "" {
			return nil, apperrors.Wrap(ErrMissingBlobID, apperrors.ErrCodeStorage, "already certified blob")
		}
		return &StoreResult{BlobID: id, Status: StatusAlreadyCertified}, nil
	case len(resp.MarkedInvalid) > 0 && string(resp.MarkedInvalid) != "null":
		return nil, apperrors.Wrap(ErrInvalidBlob, apperrors.ErrCodeStorage, "blob marked invalid")
	case resp.Error != nil:
		return nil, apperrors.Wrap(ErrInvalidBlob, apperrors.ErrCodeStorage, resp.Error.Message)
	}
	return nil, apperrors.Wrap(ErrMissingBlobID, apperrors.ErrCodeStorage, "unrecognized store response")
}

// Retrieve reads a blob through the aggregator.
func (c *Client) Retrieve(ctx context.Context, blobID string) (*RetrieveResult, error) {
	if c.cfg.AggregatorURL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "aggregator URL not configured")
	}
	if strings.TrimSpace(blobID) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "blob id is required")
	}

	endpoint := fmt.Sprintf("%s/v1/blobs/%s", c.cfg.AggregatorURL, url.PathEscape(blobID))
	body, err := c.fetchWithRetry(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	result := &RetrieveResult{BlobID: blobID, Raw: body}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		result.Data = decoded
		result.IsJSON = true
	} else {
		result.Data = string(body)
	}
	return result, nil
}

// Exists reports whether the blob can be retrieved. Errors are not returned.
func (c *Client) Exists(ctx context.Context, blobID string) bool {
	_, err := c.Retrieve(ctx, blobID)
	if err != nil {
		_ = c.logger.Debug(logging.CategoryStorage, "blob.exists_miss", err.Error(), map[string]any{"blob_id": blobID})
	}
	return err == nil
}

// fetchWithRetry issues the request up to MaxRetries times. A per-attempt
// timeout fails immediately; other failures back off exponentially.
func (c *Client) fetchWithRetry(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var lastErr error
	attempts := c.cfg.MaxRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "rate limit wait")
			}
		}

		respBody, err := c.doAttempt(ctx, method, endpoint, body)
		if err == nil {
			recordRequest(method, "success")
			return respBody, nil
		}
		if errors.Is(err, ErrTimeout) {
			recordRequest(method, "timeout")
			_ = c.logger.Warn(logging.CategoryNetwork, "blob.timeout", err.Error(), map[string]any{
				"method":  method,
				"attempt": attempt,
			})
			return nil, apperrors.Wrap(err, apperrors.ErrCodeTimeout, fmt.Sprintf("%s %s", method, endpoint)).
				WithContext("timeout", c.cfg.RequestTimeout.String())
		}
		if ctx.Err() != nil {
			recordRequest(method, "canceled")
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTransport, "request canceled")
		}
		recordRequest(method, "error")
		lastErr = err

		if attempt < attempts {
			delay := c.backoff(attempt)
			recordRetry(method)
			_ = c.logger.Warn(logging.CategoryRetry, "blob.retry", err.Error(), map[string]any{
				"method":   method,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			if err := c.sleep(ctx, delay); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "retry wait canceled")
			}
		}
	}

	return nil, apperrors.Wrap(lastErr, apperrors.ErrCodeTransport,
		fmt.Sprintf("%s request failed after %d attempts", method, attempts)).
		WithContext("attempts", attempts).
		WithRetryable(true)
}

// backoff returns RetryBaseDelay * 2^(attempt-1).
func (c *Client) backoff(attempt int) time.Duration {
	return c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
}

func (c *Client) doAttempt(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// classify separates a per-attempt timeout from the caller's own deadline.
func (c *Client) classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.cfg.RequestTimeout, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
