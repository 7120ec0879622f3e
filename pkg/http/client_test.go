package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.BackoffMin = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	return opts
}

func TestHttpClient_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["text"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient("test", fastOptions())
	out, err := client.PostJSON(context.Background(), server.URL, map[string]string{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHttpClient_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_payload"))
	}))
	defer server.Close()

	client := NewClient("test", fastOptions())
	_, err := client.PostJSON(context.Background(), server.URL, map[string]string{})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_payload", string(apiErr.Body))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHttpClient_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("test", fastOptions())
	_, err := client.PostJSON(context.Background(), server.URL, nil)
	assert.Error(t, err)
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient("test", fastOptions())

	// 5 failures out of 10 opens the breaker; each call makes up to 4 attempts
	for i := 0; i < 6; i++ {
		_, _ = client.PostJSON(context.Background(), server.URL, nil)
	}

	before := attempts.Load()
	_, err := client.PostJSON(context.Background(), server.URL, nil)
	assert.Error(t, err)
	assert.Equal(t, before, attempts.Load(), "open breaker must not reach the server")
}
