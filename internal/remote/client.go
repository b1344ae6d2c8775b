// Package remote delivers outbox entries to the match service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/matchsync/internal/outbox"
)

const (
	batchPath = "/v1/matches/batches"

	// DefaultGzipThreshold is the body size above which requests are gzipped.
	DefaultGzipThreshold = 4 << 10

	maxErrorBody = 512
)

// Config holds client settings.
type Config struct {
	BaseURL       string
	Token         string
	RatePerSec    float64
	Burst         int
	GzipThreshold int
	Timeout       time.Duration
}

// Client implements engine.Submitter against the match service.
//
// Every request carries the entry id as Idempotency-Key and the payload
// digest as X-Payload-Digest, so the service can drop re-deliveries and
// answer 409 when the same id arrives with different content.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	token         string
	gzipThreshold int
	limiter       *rate.Limiter
	logger        *zap.Logger
}

type batchRequest struct {
	EntryID string          `json:"entry_id"`
	Digest  string          `json:"digest"`
	Records []outbox.Record `json:"records"`
}

type batchResponse struct {
	Records []outbox.Record `json:"records"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient creates a client. A zero RatePerSec disables pacing.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	threshold := cfg.GzipThreshold
	if threshold == 0 {
		threshold = DefaultGzipThreshold
	}

	transport := &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 2,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		gzipThreshold: threshold,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger,
	}, nil
}

// Submit posts one entry and returns the server-confirmed records.
func (c *Client) Submit(ctx context.Context, entryID string, payload []outbox.Record) ([]outbox.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, outbox.NewTransientError(fmt.Errorf("rate limiter: %w", err))
	}

	digest, err := outbox.PayloadDigest(payload)
	if err != nil {
		return nil, outbox.NewValidationError(fmt.Errorf("digest payload: %w", err))
	}

	body, err := json.Marshal(batchRequest{EntryID: entryID, Digest: digest, Records: payload})
	if err != nil {
		return nil, outbox.NewValidationError(fmt.Errorf("encoding request: %w", err))
	}

	gzipped := false
	if c.gzipThreshold > 0 && len(body) > c.gzipThreshold {
		if body, err = gzipBytes(body); err != nil {
			return nil, outbox.NewTransientError(err)
		}
		gzipped = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return nil, outbox.NewValidationError(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", entryID)
	req.Header.Set("X-Payload-Digest", digest)
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("submitting entry",
		zap.String("entry_id", entryID),
		zap.Int("records", len(payload)),
		zap.Int("bytes", len(body)),
		zap.Bool("gzip", gzipped),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, outbox.NewTransientError(fmt.Errorf("executing request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, outbox.NewTransientError(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out batchResponse
		if len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, &out); err != nil {
				return nil, outbox.NewTransientError(fmt.Errorf("decoding response: %w", err))
			}
		}
		return out.Records, nil
	}

	return nil, classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus maps a non-2xx response onto a SubmitError.
//
//	409, 412          conflict
//	408, 429, 5xx     transient
//	other 4xx         validation
func classifyStatus(status int, body []byte) error {
	msg := fmt.Errorf("status %d: %s", status, errorMessage(body))

	var kind outbox.FailureKind
	switch {
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		kind = outbox.KindConflict
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		kind = outbox.KindTransient
	case status >= 400:
		kind = outbox.KindValidation
	default:
		kind = outbox.KindTransient
	}
	return &outbox.SubmitError{Kind: kind, Err: msg, StatusCode: status}
}

// errorMessage extracts a short description from an error body.
func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		switch {
		case er.Message != "":
			return er.Message
		case er.Error != "":
			return er.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "no body"
	}
	return s
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip request: %w", err)
	}
	return buf.Bytes(), nil
}
