package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/taskerr"
)

func testClient(t *testing.T, url string, requestTimeout time.Duration) *Client {
	t.Helper()
	return NewClient(config.InferenceConfig{
		Host:           url,
		ConnectTimeout: time.Second,
		RequestTimeout: requestTimeout,
	}, zap.NewNop())
}

func TestChatReturnsCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5:latest", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(chatChunk{
			Model:           req.Model,
			Message:         Message{Role: "assistant", Content: "four"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 10*time.Second)
	res, err := c.Chat(context.Background(), ChatRequest{
		Model:    "qwen2.5:latest",
		Messages: []Message{{Role: "user", Content: "what is 2+2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "four", res.Content)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 3, res.OutputTokens)
}

func TestChatStreamAssemblesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, word := range []string{"hello", " ", "world"} {
			json.NewEncoder(w).Encode(chatChunk{Message: Message{Content: word}})
			flusher.Flush()
		}
		json.NewEncoder(w).Encode(chatChunk{Done: true, EvalCount: 3})
	}))
	defer srv.Close()

	var deltas []string
	c := testClient(t, srv.URL, 10*time.Second)
	res, err := c.ChatStream(context.Background(), ChatRequest{Model: "m"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", " ", "world"}, deltas)
	assert.Equal(t, "hello world", res.Content)
	assert.Equal(t, 3, res.OutputTokens)
}

func TestChatStreamCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			json.NewEncoder(w).Encode(chatChunk{Message: Message{Content: "x"}})
		}
		json.NewEncoder(w).Encode(chatChunk{Done: true})
	}))
	defer srv.Close()

	sentinel := errors.New("consumer gone")
	c := testClient(t, srv.URL, 10*time.Second)
	_, err := c.ChatStream(context.Background(), ChatRequest{Model: "m"}, func(string) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestChatTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 50*time.Millisecond)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrInferenceTimeout)
}

func TestChatUnreachableClassified(t *testing.T) {
	// Reserve a port and close it so the dial is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := testClient(t, url, 2*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrInferenceUnreachable)
}

func TestChatBackendErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrInferenceBackend)
	assert.Contains(t, err.Error(), "model 'nope' not found")
}

func TestChatInBodyErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatChunk{Error: "out of memory"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5*time.Second)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrInferenceBackend)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestChatCancellationClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := testClient(t, srv.URL, 10*time.Second)
	_, err := c.Chat(ctx, ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrCancelled)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprintln(w, `{"models":[{"name":"qwen2.5:latest","size":4000000000},{"name":"llama3.1:latest"}]}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5*time.Second)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "qwen2.5:latest", models[0].Name)
}

func TestChatStreamSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json\n"))
		json.NewEncoder(w).Encode(chatChunk{Message: Message{Content: "ok"}})
		json.NewEncoder(w).Encode(chatChunk{Done: true})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 5*time.Second)
	res, err := c.ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
}

func TestBackendFailurePlainBody(t *testing.T) {
	err := backendFailure(http.StatusInternalServerError, []byte("boom"))
	assert.ErrorIs(t, err, taskerr.ErrInferenceBackend)
	assert.True(t, strings.Contains(err.Error(), "boom"))
}
