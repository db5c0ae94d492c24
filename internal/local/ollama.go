// Package local serves requests from a model running on this machine. It is
// the fallback provider the router uses when the remote endpoint is offline
// or its transport fails.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEndpoint is where a stock Ollama install listens.
const DefaultEndpoint = "http://127.0.0.1:11434"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// ErrUnreachable is returned when the backend cannot be contacted at all.
var ErrUnreachable = errors.New("local backend unreachable")

// Backend runs inference on a local model.
type Backend interface {
	// Generate produces a completion for prompt. Each token is passed to
	// onToken as it arrives; a non-nil error from onToken aborts generation.
	// The full result is returned.
	Generate(ctx context.Context, model, prompt string, onToken func(string) error) (string, error)

	// Models lists the models the backend can serve.
	Models(ctx context.Context) ([]string, error)
}

// TimeoutConfig is the three-phase timeout for a streamed generation.
//
//	Connection: headers must arrive (includes cold model load)
//	FirstToken: first token after headers
//	StreamIdle: longest gap between tokens
type TimeoutConfig struct {
	Connection time.Duration
	FirstToken time.Duration
	StreamIdle time.Duration
}

// DefaultTimeoutConfig suits a local install with cold starts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connection: 120 * time.Second,
		FirstToken: 120 * time.Second,
		StreamIdle: 30 * time.Second,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OLLAMA
// ═══════════════════════════════════════════════════════════════════════════════

// Ollama talks to an Ollama server over its HTTP API.
type Ollama struct {
	endpoint string
	timeouts TimeoutConfig
	client   *http.Client
	logger   zerolog.Logger
}

// OllamaOption configures an Ollama backend.
type OllamaOption func(*Ollama)

// WithTimeouts overrides the three-phase timeouts.
func WithTimeouts(cfg TimeoutConfig) OllamaOption {
	return func(o *Ollama) {
		o.timeouts = cfg
		if t, ok := o.client.Transport.(*http.Transport); ok {
			t.ResponseHeaderTimeout = cfg.Connection
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *Ollama) {
		o.client = c
	}
}

// NewOllama creates a backend for the server at endpoint.
func NewOllama(endpoint string, logger zerolog.Logger, opts ...OllamaOption) *Ollama {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeouts := DefaultTimeoutConfig()
	o := &Ollama{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeouts: timeouts,
		// No Client.Timeout: it would cover the whole streamed body.
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeouts.Connection,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		logger: logger.With().Str("component", "ollama").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Endpoint returns the server address.
func (o *Ollama) Endpoint() string { return o.endpoint }

// Models fetches /api/tags. Each model is listed under its full name and,
// when tagged, its base name.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	seen := make(map[string]bool)
	var models []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			models = append(models, name)
		}
	}
	for _, m := range tags.Models {
		add(m.Name)
		add(strings.Split(m.Name, ":")[0])
	}
	return models, nil
}

// Generate posts a streaming /api/chat request and reads the NDJSON reply.
func (o *Ollama) Generate(ctx context.Context, model, prompt string, onToken func(string) error) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	return o.readStream(ctx, resp.Body, onToken)
}

func (o *Ollama) readStream(ctx context.Context, body io.Reader, onToken func(string) error) (string, error) {
	type streamChunk struct {
		chunk ollamaChatResponse
		err   error
	}

	chunks := make(chan streamChunk, 1)
	go func() {
		defer close(chunks)
		dec := json.NewDecoder(body)
		for {
			var c ollamaChatResponse
			if err := dec.Decode(&c); err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
					case chunks <- streamChunk{err: err}:
					}
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case chunks <- streamChunk{chunk: c}:
			}
			if c.Done {
				return
			}
		}
	}()

	var full strings.Builder
	first := time.NewTimer(o.timeouts.FirstToken)
	defer first.Stop()
	var idle *time.Timer
	gotFirst := false
	done := false

	for {
		var timeout <-chan time.Time
		if !gotFirst {
			timeout = first.C
		} else {
			timeout = idle.C
		}

		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()

		case c, ok := <-chunks:
			if !ok {
				if !done {
					return full.String(), errors.New("ollama stream ended without done marker")
				}
				return full.String(), nil
			}
			if c.err != nil {
				return full.String(), fmt.Errorf("decode stream chunk: %w", c.err)
			}
			if c.chunk.Error != "" {
				return full.String(), &StatusError{Status: http.StatusOK, Body: c.chunk.Error}
			}

			if !gotFirst {
				gotFirst = true
				first.Stop()
				idle = time.NewTimer(o.timeouts.StreamIdle)
				defer idle.Stop()
			} else {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(o.timeouts.StreamIdle)
			}

			if tok := c.chunk.Message.Content; tok != "" {
				full.WriteString(tok)
				if onToken != nil {
					if err := onToken(tok); err != nil {
						return full.String(), err
					}
				}
			}
			if c.chunk.Done {
				done = true
			}

		case <-timeout:
			if !gotFirst {
				return "", &StallError{Phase: "first-token", Limit: o.timeouts.FirstToken}
			}
			return full.String(), &StallError{Phase: "stream-idle", Limit: o.timeouts.StreamIdle}
		}
	}
}

// StatusError is a non-success reply from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama error (status %d): %s", e.Status, e.Body)
}

// StallError reports a phase timeout while streaming.
type StallError struct {
	Phase string
	Limit time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("%s timeout after %v", e.Phase, e.Limit)
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
