// Package inference is the narrow adapter over the local model-serving
// endpoint. It speaks the Ollama-compatible HTTP API (/api/chat, /api/tags)
// and classifies every failure into the engine error taxonomy so callers can
// tell an unreachable backend from a slow one.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/metrics"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/tracing"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single generation request. Zero values are omitted on the
// wire so the backend applies its own defaults.
type Options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
}

// ChatRequest is one call to the backend chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}

// chatChunk is one NDJSON line from the backend. Non-streaming responses are
// a single chunk with Done set.
type chatChunk struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	TotalDuration   int64  `json:"total_duration"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

// ChatResult is the assembled outcome of a chat call.
type ChatResult struct {
	Model        string
	Content      string
	PromptTokens int
	OutputTokens int
	Duration     time.Duration
}

// backendError mirrors the JSON error body Ollama returns on non-2xx.
type backendError struct {
	Error string `json:"error"`
}

// Client talks to one inference backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient builds a client from configuration. The connect timeout guards
// dialing only; the request timeout bounds the whole exchange including
// streaming reads.
func NewClient(cfg config.InferenceConfig, logger *zap.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/"),
		httpClient: &http.Client{Transport: transport},
		timeout:    cfg.RequestTimeout,
		limiter:    limiter,
		logger:     logger,
	}
}

// BaseURL reports the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat sends a blocking chat request and returns the full completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	req.Stream = false
	start := time.Now()

	body, err := c.do(ctx, "/api/chat", req)
	if err != nil {
		metrics.RecordInference(req.Model, outcomeOf(err), 0)
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		err = c.classify(ctx, err, req.Model)
		metrics.RecordInference(req.Model, outcomeOf(err), 0)
		return nil, err
	}

	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		werr := taskerr.Wrap(taskerr.CodeInferenceBackend, err, "malformed chat response")
		metrics.RecordInference(req.Model, "backend_error", 0)
		return nil, werr
	}
	if chunk.Error != "" {
		metrics.RecordInference(req.Model, "backend_error", 0)
		return nil, taskerr.New(taskerr.CodeInferenceBackend, "backend error: %s", chunk.Error)
	}

	elapsed := time.Since(start)
	metrics.RecordInference(req.Model, "ok", elapsed.Seconds())
	return &ChatResult{
		Model:        chunk.Model,
		Content:      chunk.Message.Content,
		PromptTokens: chunk.PromptEvalCount,
		OutputTokens: chunk.EvalCount,
		Duration:     elapsed,
	}, nil
}

// ChatStream sends a streaming chat request, invoking fn once per content
// delta. A non-nil error from fn aborts the stream and is returned verbatim.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, fn func(delta string) error) (*ChatResult, error) {
	req.Stream = true
	start := time.Now()

	body, err := c.do(ctx, "/api/chat", req)
	if err != nil {
		metrics.RecordInference(req.Model, outcomeOf(err), 0)
		return nil, err
	}
	defer body.Close()

	var (
		content strings.Builder
		last    chatChunk
	)
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var chunk chatChunk
				if uerr := json.Unmarshal(line, &chunk); uerr != nil {
					// Skip malformed keep-alive noise; the done chunk decides.
					continue
				}
				if chunk.Error != "" {
					metrics.RecordInference(req.Model, "backend_error", 0)
					return nil, taskerr.New(taskerr.CodeInferenceBackend, "backend error: %s", chunk.Error)
				}
				if chunk.Message.Content != "" {
					content.WriteString(chunk.Message.Content)
					if fn != nil {
						if cbErr := fn(chunk.Message.Content); cbErr != nil {
							return nil, cbErr
						}
					}
				}
				if chunk.Done {
					last = chunk
					break
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			cerr := c.classify(ctx, err, req.Model)
			metrics.RecordInference(req.Model, outcomeOf(cerr), 0)
			return nil, cerr
		}
	}

	elapsed := time.Since(start)
	metrics.RecordInference(req.Model, "ok", elapsed.Seconds())
	return &ChatResult{
		Model:        req.Model,
		Content:      content.String(),
		PromptTokens: last.PromptEvalCount,
		OutputTokens: last.EvalCount,
		Duration:     elapsed,
	}, nil
}

// tagsResponse is the /api/tags payload.
type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one model the backend can serve.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListModels returns the models the backend reports as available.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeInferenceBackend, err, "build tags request")
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, err, "")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(ctx, err, "")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backendFailure(resp.StatusCode, data)
	}

	var tags tagsResponse
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, taskerr.Wrap(taskerr.CodeInferenceBackend, err, "malformed tags response")
	}
	return tags.Models, nil
}

// do issues a POST of req to path and returns the response body on 2xx.
// Non-2xx responses and transport failures come back classified.
func (c *Client) do(ctx context.Context, path string, req any) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(ctx, err, "")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	payload, err := json.Marshal(req)
	if err != nil {
		cancel()
		return nil, taskerr.Wrap(taskerr.CodeInferenceBackend, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, taskerr.Wrap(taskerr.CodeInferenceBackend, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, c.classify(ctx, err, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		cancel()
		return nil, backendFailure(resp.StatusCode, data)
	}

	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelReadCloser ties the request context to the body lifetime so the
// deadline covers streaming reads.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// classify maps a transport-level error onto the taxonomy. Deadline
// expiry wins over the wrapped net error it usually manifests as.
func (c *Client) classify(ctx context.Context, err error, model string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return taskerr.Wrap(taskerr.CodeInferenceTimeout, err, "inference request exceeded %s", c.timeout)
	case errors.Is(err, context.Canceled):
		return taskerr.Wrap(taskerr.CodeCancelled, err, "inference request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return taskerr.Wrap(taskerr.CodeInferenceTimeout, err, "inference request timed out")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return taskerr.Wrap(taskerr.CodeInferenceUnreachable, err, "backend %s unreachable", c.baseURL)
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return taskerr.Wrap(taskerr.CodeInferenceUnreachable, err, "backend %s unreachable", c.baseURL)
	}
	return taskerr.Wrap(taskerr.CodeInferenceUnreachable, err, "inference transport failure")
}

// backendFailure builds a classified error from a non-2xx status, surfacing
// the backend's own error message when the body carries one.
func backendFailure(status int, body []byte) error {
	var be backendError
	if err := json.Unmarshal(body, &be); err == nil && be.Error != "" {
		return taskerr.New(taskerr.CodeInferenceBackend, "backend returned %d: %s", status, be.Error)
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return taskerr.New(taskerr.CodeInferenceBackend, "backend returned %d: %s", status, msg)
}

// outcomeOf labels an error for the request counter.
func outcomeOf(err error) string {
	switch taskerr.CodeOf(err) {
	case taskerr.CodeInferenceTimeout:
		return "timeout"
	case taskerr.CodeInferenceUnreachable:
		return "unreachable"
	case taskerr.CodeInferenceBackend:
		return "backend_error"
	case taskerr.CodeCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Ping verifies the backend answers at all. Used by the startup probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("inference backend ping: %w", err)
	}
	return nil
}
