package endpoint

import (
	"context"
	"strings"
	"time"

	"github.com/PolycarpusTack/papin/internal/local"
)

// Responder produces the answer to one request. emit is called once per
// piece in order; the returned string is the complete answer.
type Responder interface {
	Respond(ctx context.Context, model, payload string, emit func(piece string) error) (string, error)
}

// Echo answers with the request payload, one word per piece.
type Echo struct {
	// Delay is slept before each piece.
	Delay time.Duration
}

func (e Echo) Respond(ctx context.Context, model, payload string, emit func(string) error) (string, error) {
	for _, piece := range splitWords(payload) {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.Delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := emit(piece); err != nil {
			return "", err
		}
	}
	return payload, nil
}

// splitWords splits s so the pieces concatenate back to s: every piece after
// the first keeps its leading space.
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	var pieces []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			pieces = append(pieces, s[start:i])
			start = i
		}
	}
	return append(pieces, s[start:])
}

// BackendResponder answers with a local model backend.
type BackendResponder struct {
	Backend      local.Backend
	DefaultModel string
}

func (b BackendResponder) Respond(ctx context.Context, model, payload string, emit func(string) error) (string, error) {
	if strings.TrimSpace(model) == "" {
		model = b.DefaultModel
	}
	return b.Backend.Generate(ctx, model, payload, emit)
}
