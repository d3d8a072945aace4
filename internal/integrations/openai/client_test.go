package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"advisor-agent/internal/domain"
)

type fakeGetter struct {
	value string
	err   error
	calls int32
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.value, f.err
}

func tokenGetter() *fakeGetter {
	return &fakeGetter{value: `{"token":"sk-test"}`}
}

func mustClient(t *testing.T, getter Getter, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(getter, "/agent/test", WithBaseURL(baseURL))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/agent/test")
	require.Error(t, err)
	_, err = NewClient(tokenGetter(), "  ")
	require.Error(t, err)
}

func TestComplete_HappyPath(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"Consider SPY."}}]}`))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	got, err := c.Complete(context.Background(), "gpt-4o-mini", []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "Consider SPY.", got)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.False(t, gotBody.Stream)
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	_, err := c.Complete(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
}

func TestComplete_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	_, err := c.Complete(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
}

func TestCompleteStream_EmitsFragmentsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Buy \"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"low.\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	var got []string
	err := c.CompleteStream(context.Background(), "gpt-4o-mini", nil, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Buy ", "low."}, got)
}

func TestCompleteStream_EmitErrorStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"b\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	sentinel := errors.New("consumer gone")
	seen := 0
	err := c.CompleteStream(context.Background(), "gpt-4o-mini", nil, func(string) error {
		seen++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, seen)
}

func TestCompleteStream_UpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	err := c.CompleteStream(context.Background(), "gpt-4o-mini", nil, func(string) error { return nil })

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestEmbed_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "portfolio question", req.Input)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	c := mustClient(t, tokenGetter(), srv.URL)
	got, err := c.Embed(context.Background(), "text-embedding-ada-002", "portfolio question")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, got)
}

func TestAPIKeyFetchedOncePerProcess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	getter := tokenGetter()
	c := mustClient(t, getter, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "gpt-4o-mini", nil)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&getter.calls))
}

func TestResolveAPIKey_BadPayload(t *testing.T) {
	c, err := NewClient(&fakeGetter{value: "not-json"}, "/agent/test")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	require.Equal(t, "https://api.openai.com/v1/embeddings", endpointURL("", "/embeddings"))
	require.Equal(t, "http://localhost:8080/v1/chat/completions", endpointURL("http://localhost:8080", "/chat/completions"))
	require.Equal(t, "http://localhost:8080/v1/chat/completions", endpointURL("http://localhost:8080/v1/", "/chat/completions"))
}
