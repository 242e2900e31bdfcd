package inference

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeghtol/openmoxie/errors"
)

func completionServer(t *testing.T, reply string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGenerate(t *testing.T) {
	srv := completionServer(t, "Hi friend!", 0)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	text, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a friendly robot."},
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "gpt-3.5-turbo", MaxTokens: 70, Temperature: 0.5})

	require.NoError(t, err)
	assert.Equal(t, "Hi friend!", text)
}

func TestGenerateTimeoutIsTransient(t *testing.T) {
	srv := completionServer(t, "too late", 200*time.Millisecond)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "gpt-3.5-turbo"})

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestGenerateServiceErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "gpt-3.5-turbo"})

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "second try"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MaxAttempts: 2})
	text, err := client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "gpt-3.5-turbo"})

	require.NoError(t, err)
	assert.Equal(t, "second try", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateDoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown model","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, MaxAttempts: 3})
	_, err := client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "no-such-model"})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, ModelParams{Model: "gpt-3.5-turbo"})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrEmptyCompletion))
}
