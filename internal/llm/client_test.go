package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatServer(t *testing.T, reply func(req chatRequest) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{}}
		resp.Choices[0].Message.Content = reply(req)
		resp.Usage.PromptTokens = 10
		resp.Usage.CompletionTokens = 5
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestCallChat(t *testing.T) {
	srv := chatServer(t, func(req chatRequest) string {
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		return "답변입니다"
	})
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "test-model", 5*time.Second, testLogger())

	var usage Usage
	got, err := c.Call(context.Background(), "시스템", "질문", 100, 0.2, &usage)
	require.NoError(t, err)
	assert.Equal(t, "답변입니다", got)
	assert.Equal(t, 10, usage.PromptTokens)
	assert.Equal(t, 5, usage.CompletionTokens)
}

func TestCallUsageAccumulates(t *testing.T) {
	srv := chatServer(t, func(chatRequest) string { return "ok" })
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "test-model", 5*time.Second, testLogger())

	var usage Usage
	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "s", "u", 10, 0, &usage)
		require.NoError(t, err)
	}
	assert.Equal(t, 30, usage.PromptTokens)
	assert.Equal(t, 15, usage.CompletionTokens)
}

func TestCallFallbackOnConnectionFailure(t *testing.T) {
	// A closed listener yields connection refused for the primary.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completions", r.URL.Path)

		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Prompt, "시스템")
		assert.Contains(t, req.Prompt, "질문")

		var resp completionResponse
		resp.Choices = []struct {
			Text string `json:"text"`
		}{{Text: "폴백 답변"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer fallback.Close()

	c := NewClient(deadURL, fallback.URL, "", "test-model", 5*time.Second, testLogger())

	got, err := c.Call(context.Background(), "시스템", "질문", 100, 0.2, nil)
	require.NoError(t, err)
	assert.Equal(t, "폴백 답변", got)
}

func TestCallNoFallbackForAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	fallbackCalled := false
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalled = true
	}))
	defer fallback.Close()

	c := NewClient(srv.URL, fallback.URL, "", "test-model", 5*time.Second, testLogger())

	_, err := c.Call(context.Background(), "s", "u", 10, 0, nil)
	require.Error(t, err)
	assert.False(t, fallbackCalled)
}

func TestCallJSONRepair(t *testing.T) {
	calls := 0
	srv := chatServer(t, func(req chatRequest) string {
		calls++
		if calls == 1 {
			return "this is not json"
		}
		// The repair prompt carries the broken output back.
		assert.Contains(t, req.Messages[1].Content, "this is not json")
		return `{"label":"TRUE"}`
	})
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "test-model", 5*time.Second, testLogger())

	var out struct {
		Label string `json:"label"`
	}
	require.NoError(t, c.CallJSON(context.Background(), "s", "u", 100, 0.2, nil, &out))
	assert.Equal(t, "TRUE", out.Label)
	assert.Equal(t, 2, calls)
}

func TestCallJSONRepairExhausted(t *testing.T) {
	srv := chatServer(t, func(chatRequest) string { return "still not json" })
	defer srv.Close()

	c := NewClient(srv.URL, "", "", "test-model", 5*time.Second, testLogger())

	var out map[string]any
	err := c.CallJSON(context.Background(), "s", "u", 100, 0.2, nil, &out)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "still not json", parseErr.Raw)
}

func TestConnectionError(t *testing.T) {
	assert.True(t, connectionError(io.EOF))
	assert.True(t, connectionError(io.ErrUnexpectedEOF))
	assert.False(t, connectionError(context.Canceled))
}
