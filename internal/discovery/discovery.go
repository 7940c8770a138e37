package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/httpclient"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/pkg/api"
)

// Source lists the models a local runtime currently serves.
type Source interface {
	Models(ctx context.Context) ([]Model, error)
}

// Model is one locally available model as reported by the runtime.
type Model struct {
	Name      string
	SizeBytes int64
}

// OllamaSource reads the local Ollama model store.
type OllamaSource struct {
	baseURL string
	client  *http.Client
}

func NewOllamaSource(baseURL string) *OllamaSource {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaSource{
		baseURL: strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *OllamaSource) Models(ctx context.Context) ([]Model, error) {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := httpclient.SendJSON(ctx, s.client, "GET", s.baseURL+"/api/tags", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list local models: %w", err)
	}

	models := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, Model{Name: m.Name, SizeBytes: m.Size})
	}
	return models, nil
}

// Poller periodically folds a runtime's model list into the registry as
// discovered local slots. Configured providers and pinned overrides always
// win the merge.
type Poller struct {
	source   Source
	registry *registry.Registry
	workload string
	interval time.Duration
	logger   *zap.Logger
}

func NewPoller(source Source, reg *registry.Registry, workload string, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		source:   source,
		registry: reg,
		workload: workload,
		interval: interval,
		logger:   logger,
	}
}

// Run refreshes once immediately and then on every tick until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("initial model discovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("model discovery failed", zap.Error(err))
			}
		}
	}
}

// Refresh snapshots the runtime and merges it into the registry.
func (p *Poller) Refresh(ctx context.Context) error {
	models, err := p.source.Models(ctx)
	if err != nil {
		return err
	}

	snapshot := registry.DiscoverySnapshot{
		Providers: make([]registry.Descriptor, 0, len(models)),
	}
	for _, m := range models {
		snapshot.Providers = append(snapshot.Providers, registry.Descriptor{
			ID:           "local/" + m.Name,
			Category:     api.CategoryLanguage,
			Capabilities: []api.Capability{api.CapabilityTextGeneration},
			Local:        true,
			Workload:     p.workload,
			ModelID:      m.Name,
			// Discovered slots rank behind anything configured explicitly.
			PriorityRank: 100,
			// Local inference is free; routing cost comes from latency.
			Pricing: api.Pricing{},
		})
	}

	p.registry.Refresh(snapshot)
	p.logger.Debug("local models merged", zap.Int("count", len(models)))
	return nil
}
