package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/httpclient"
	"github.com/voragate/gateway/pkg/api"
)

func init() {
	Register("openai", NewOpenAIAdapter)
}

// OpenAIAdapter speaks the chat-completions wire format, which most hosted
// and self-hosted inference servers expose.
type OpenAIAdapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewOpenAIAdapter(cfg config.ProviderConfig) (Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *OpenAIAdapter) ID() string   { return a.cfg.ID }
func (a *OpenAIAdapter) Type() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

func (a *OpenAIAdapter) wireRequest(req *api.Request, stream bool) *chatRequest {
	out := &chatRequest{
		Model:     a.cfg.ModelID,
		Messages:  []chatMessage{{Role: "user", Content: req.Payload.Prompt}},
		MaxTokens: req.Payload.MaxOutputTokens,
		Stream:    stream,
	}
	if m, ok := req.Payload.Options["model"]; ok {
		out.Model = m
	}
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return out
}

func (a *OpenAIAdapter) Execute(ctx context.Context, req *api.Request) (*Result, error) {
	url := a.cfg.BaseURL + "/chat/completions"

	var resp chatResponse
	if err := httpclient.SendJSON(ctx, a.client, "POST", url, a.headers(), a.wireRequest(req, false), &resp); err != nil {
		return nil, httpclient.Classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, api.TimeoutError("upstream returned no choices", nil)
	}

	res := &Result{
		Output:  resp.Choices[0].Message.Content,
		ModelID: resp.Model,
	}
	if resp.Usage != nil {
		res.Usage = api.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return res, nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req *api.Request) (<-chan StreamChunk, error) {
	url := a.cfg.BaseURL + "/chat/completions"
	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		var usage *api.Usage
		err := httpclient.StreamLines(ctx, a.client, "POST", url, a.headers(), a.wireRequest(req, true), func(line string) error {
			if !strings.HasPrefix(line, "data: ") {
				return nil
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return nil
			}

			var resp chatResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				// Skip malformed keep-alive frames rather than killing the
				// stream.
				return nil
			}
			if resp.Usage != nil {
				usage = &api.Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				select {
				case out <- StreamChunk{Delta: resp.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})

		if err != nil {
			out <- StreamChunk{Err: httpclient.Classify(err)}
			return
		}
		out <- StreamChunk{Done: true, Usage: usage}
	}()

	return out, nil
}

// Healthcheck verifies the credential against the models listing.
func (a *OpenAIAdapter) Healthcheck(ctx context.Context) error {
	url := a.cfg.BaseURL + "/models"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck status %d", resp.StatusCode)
	}
	return nil
}
