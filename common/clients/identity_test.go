package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
)

func newClient(t *testing.T, h http.HandlerFunc) *IdentityClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewIdentityClient(srv.URL+"/", "tok", 5*time.Second, logger.Discard())
}

func TestMintSuccess(t *testing.T) {
	var got mintRequest
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/mint", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "run-1", r.Header.Get("X-Run-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chitty_id":"CT-0001"}`))
	})

	ctx := WithRunID(WithRequestID(context.Background(), "req-1"), "run-1")
	id, err := c.Mint(ctx, models.EntityMetadata{Domain: "THING", Subtype: "EVIDENCE", ContentDigest: "sha256:aa", CaseID: "2024D007847"})
	require.NoError(t, err)
	assert.Equal(t, "CT-0001", id)
	assert.Equal(t, "THING", got.Domain)
	assert.Equal(t, "sha256:aa", got.Metadata.ContentDigest)
	assert.Equal(t, "2024D007847", got.Metadata.CaseID)
}

func TestMintAcceptsExternalIDField(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"external_id":"EXT-9"}`))
	})
	id, err := c.Mint(context.Background(), models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "EXT-9", id)
}

func TestMintStatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				http.Error(w, "nope", tt.code)
			})
			_, err := c.Mint(context.Background(), models.EntityMetadata{})
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.StatusCode)
			assert.Equal(t, tt.retryable, se.Retryable())
			assert.Equal(t, 3*time.Second, se.RetryAfter)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestMintEmptyAndGarbage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Mint(context.Background(), models.EntityMetadata{})
	assert.ErrorIs(t, err, ErrEmptyID)

	c = newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	_, err = c.Mint(context.Background(), models.EntityMetadata{})
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestMintTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewIdentityClient(url, "", time.Second, logger.Discard())
	_, err := c.Mint(context.Background(), models.EntityMetadata{})
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestMintCanceled(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Mint(ctx, models.EntityMetadata{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
