package adapter

import (
	"context"
	"strings"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/pkg/api"
)

func init() {
	Register("static", func(cfg config.ProviderConfig) (Adapter, error) {
		return &StaticAdapter{id: cfg.ID, model: cfg.ModelID}, nil
	})
}

// StaticAdapter serves canned completions without any wire protocol. It backs
// local model slots in development and the benchmark harness.
type StaticAdapter struct {
	id    string
	model string
}

func (a *StaticAdapter) ID() string   { return a.id }
func (a *StaticAdapter) Type() string { return "static" }

func (a *StaticAdapter) Execute(ctx context.Context, req *api.Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.TimeoutError("static adapter interrupted", err)
	}
	out := "ok: " + req.Payload.Prompt
	return &Result{
		Output:  out,
		ModelID: a.model,
		Usage: api.Usage{
			InputTokens:  tokenEstimate(req.Payload.Prompt),
			OutputTokens: tokenEstimate(out),
		},
	}, nil
}

func (a *StaticAdapter) Stream(ctx context.Context, req *api.Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 4)
	go func() {
		defer close(out)
		words := strings.Fields("ok: " + req.Payload.Prompt)
		usage := api.Usage{
			InputTokens:  tokenEstimate(req.Payload.Prompt),
			OutputTokens: len(words),
		}
		for i, w := range words {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: api.TimeoutError("static stream interrupted", ctx.Err())}
				return
			default:
			}
			chunk := StreamChunk{Delta: w}
			if i < len(words)-1 {
				chunk.Delta += " "
			}
			out <- chunk
		}
		out <- StreamChunk{Done: true, Usage: &usage}
	}()
	return out, nil
}

// tokenEstimate approximates tokens as words; close enough for a canned
// adapter that only feeds accounting tests.
func tokenEstimate(s string) int {
	return len(strings.Fields(s))
}
