package swap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voragate/gateway/internal/httpclient"
)

// OllamaLoader drives a local Ollama runtime as the model loader. Prepare
// pulls the model into the local store, Activate warms it into memory, and
// Decommission drops its keep-alive so the runtime evicts it.
type OllamaLoader struct {
	baseURL string
	client  *http.Client
}

func NewOllamaLoader(baseURL string) *OllamaLoader {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaLoader{
		baseURL: strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
		// Pulls can take minutes on first download.
		client: &http.Client{Timeout: 30 * time.Minute},
	}
}

func (l *OllamaLoader) Prepare(ctx context.Context, category, model string) error {
	body := map[string]interface{}{"name": model, "stream": false}
	if err := httpclient.SendJSON(ctx, l.client, "POST", l.baseURL+"/api/pull", nil, body, nil); err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	return nil
}

func (l *OllamaLoader) Activate(ctx context.Context, category, model string) error {
	// An empty generate request loads the model and holds it resident.
	body := map[string]interface{}{"model": model, "keep_alive": -1}
	if err := httpclient.SendJSON(ctx, l.client, "POST", l.baseURL+"/api/generate", nil, body, nil); err != nil {
		return fmt.Errorf("warm %s: %w", model, err)
	}
	return nil
}

func (l *OllamaLoader) Decommission(ctx context.Context, category, model string) error {
	body := map[string]interface{}{"model": model, "keep_alive": 0}
	if err := httpclient.SendJSON(ctx, l.client, "POST", l.baseURL+"/api/generate", nil, body, nil); err != nil {
		return fmt.Errorf("evict %s: %w", model, err)
	}
	return nil
}
