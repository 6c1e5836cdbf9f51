package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_EncodeDecode(t *testing.T) {
	req := Request{
		Prompt:         "score this",
		System:         "profile",
		Temperature:    0.2,
		MaxTokens:      512,
		ResponseSchema: json.RawMessage(`{"type":"object"}`),
	}
	payload, err := req.Encode()
	require.NoError(t, err)
	assert.Contains(t, payload, `"response_schema":{"type":"object"}`)

	got, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, got.Prompt)
	assert.Equal(t, req.MaxTokens, got.MaxTokens)
	assert.JSONEq(t, `{"type":"object"}`, string(got.ResponseSchema))

	_, err = DecodeRequest("not json")
	assert.Error(t, err)
}

func TestHTTP_Send(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Prompt)
		assert.Equal(t, 64, body.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{ //nolint:errcheck
			Content: `{"score": 80}`,
			Usage:   Usage{InputTokens: 40, OutputTokens: 8},
		})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, WithAPIKey("secret"), WithModel("llama"))
	assert.Equal(t, "llama", c.Model())

	resp, err := Complete(context.Background(), c, Request{Prompt: "hello", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 80}`, resp.Content)
	assert.Equal(t, int64(40), resp.Usage.InputTokens)
}

func TestHTTP_Send_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		w.Write([]byte(strings.Repeat("x", 2*maxErrorBody))) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Send(context.Background(), `{"prompt":"x"}`)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusGatewayTimeout, se.HTTPStatus())
	assert.Len(t, se.Body, maxErrorBody)
	assert.Contains(t, err.Error(), "504")
}

func TestHTTP_Send_RetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Send(context.Background(), `{"prompt":"x"}`)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 7*time.Second, se.RetryAfter())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), "input %q", tt.in)
	}
}

func TestHTTP_Send_BareTextBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Sure! Here it is: {\"score\": 10}")) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := NewHTTP(srv.URL).Send(context.Background(), `{"prompt":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "Sure! Here it is: {\"score\": 10}", resp.Content)
}

func TestHTTP_Send_ContextTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(srv.URL).Send(ctx, `{"prompt":"x"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTP_RateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"content":"{}"}`) //nolint:errcheck
	}))
	defer srv.Close()

	// One token, refilled every 10s: the second call must wait and time out.
	c := NewHTTP(srv.URL, WithRateLimit(0.1, 1))
	_, err := c.Send(context.Background(), `{}`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Send(ctx, `{}`)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTP_RateLimitDisabled(t *testing.T) {
	c := NewHTTP("http://localhost", WithRateLimit(0, 5)).(*httpClient)
	assert.Nil(t, c.limiter)
}

func TestHTTP_Ping(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Prompt != "ping" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"content":"pong"}`) //nolint:errcheck
	}))
	defer srv.Close()

	require.NoError(t, NewHTTP(srv.URL).Ping(context.Background()))

	srv.Close()
	assert.Error(t, NewHTTP(srv.URL).Ping(context.Background()))
}
