package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/model"
)

func fastClient(opts ...Option) *Client {
	base := []Option{WithRetryDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond), WithTimeout(time.Second)}
	return New("test", append(base, opts...)...)
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	defer srv.Close()

	var out map[string]string
	require.NoError(t, fastClient().GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, "yes", out["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, fastClient().GetJSON(context.Background(), srv.URL, nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "bad input"})
	}))
	defer srv.Close()

	err := fastClient().GetJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx 不应重试")
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.Equal(t, model.KindUpstreamUnavailable, model.KindOf(err))
	assert.Contains(t, err.Error(), "bad input")
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := fastClient(WithMaxRetries(2)).GetJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostJSONSendsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["type"]})
	}))
	defer srv.Close()

	var out map[string]string
	err := fastClient(WithHeader("X-Api-Key", "secret")).PostJSON(context.Background(), srv.URL, map[string]string{"type": "meta"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "meta", out["echo"])
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New("test", WithRetryDelay(time.Hour))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	err := c.GetJSON(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	c := New("test")
	for i := 0; i < 100; i++ {
		d := c.withJitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestTransportErrorsHideURLSecrets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL + "/bot123456:SECRET-TOKEN/sendMessage"
	srv.Close()

	err := fastClient(WithMaxRetries(0)).PostJSON(context.Background(), endpoint, map[string]string{"text": "hi"}, nil)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "SECRET-TOKEN"), "传输错误泄露了密钥: %s", err)
	assert.Contains(t, err.Error(), strings.TrimPrefix(srv.URL, "http://"))
	assert.Equal(t, model.KindUpstreamUnavailable, model.KindOf(err))
}
