package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chittyos/evidence-ledger/common/models"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from the identity service
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity service returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// TransportError means no usable HTTP answer arrived
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "identity service unreachable: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrEmptyID is returned when the service answers 2xx without an id
var ErrEmptyID = errors.New("identity service returned an empty id")

// IdentityClient mints external identifiers
type IdentityClient struct {
	baseURL string
	token   string
	http    *HTTPClient
	logger  Logger
}

// NewIdentityClient creates a client for the minting service at baseURL
func NewIdentityClient(baseURL, token string, timeout time.Duration, logger Logger) *IdentityClient {
	httpClient := &http.Client{
		Timeout: timeout,
	}

	return &IdentityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

type mintRequest struct {
	Domain   string                `json:"domain"`
	Subtype  string                `json:"subtype"`
	Metadata models.EntityMetadata `json:"metadata"`
}

type mintResponse struct {
	ChittyID   string `json:"chitty_id"`
	ExternalID string `json:"external_id"`
}

// Mint performs one mint request. It never retries; callers own the policy.
func (c *IdentityClient) Mint(ctx context.Context, meta models.EntityMetadata) (string, error) {
	body, err := json.Marshal(mintRequest{Domain: meta.Domain, Subtype: meta.Subtype, Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("failed to encode mint request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.DoRequest(ctx, http.MethodPost, c.baseURL+"/v1/mint", bytes.NewReader(body), header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var out mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode mint response: %w", err)
	}

	id := out.ChittyID
	if id == "" {
		id = out.ExternalID
	}
	if id == "" {
		return "", ErrEmptyID
	}

	c.logger.Debug("minted identifier", "digest", meta.ContentDigest, "external_id", id)
	return id, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
