package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/pkg/api"
)

type staticSource struct {
	models []Model
	err    error
}

func (s *staticSource) Models(ctx context.Context) ([]Model, error) {
	return s.models, s.err
}

func TestRefresh_MergesLocalModels(t *testing.T) {
	reg := registry.New(zap.NewNop())
	src := &staticSource{models: []Model{
		{Name: "qwen2.5:3b", SizeBytes: 2_000_000_000},
		{Name: "mistral:7b", SizeBytes: 5_000_000_000},
	}}

	p := NewPoller(src, reg, "llm", time.Minute, zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))

	ids := make(map[string]bool)
	for _, s := range reg.List() {
		ids[s.ID] = true
		assert.Equal(t, registry.SourceDiscovery, s.Source)
		assert.True(t, s.Local)
	}
	assert.True(t, ids["local/qwen2.5:3b"])
	assert.True(t, ids["local/mistral:7b"])
}

func TestRefresh_ConfiguredProviderWinsMerge(t *testing.T) {
	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:           "local/qwen2.5:3b",
		Category:     api.CategoryLanguage,
		Capabilities: []api.Capability{api.CapabilityTextGeneration},
		PriorityRank: 1,
	}))

	src := &staticSource{models: []Model{{Name: "qwen2.5:3b"}}}
	p := NewPoller(src, reg, "llm", time.Minute, zap.NewNop())
	require.NoError(t, p.Refresh(context.Background()))

	for _, s := range reg.List() {
		if s.ID == "local/qwen2.5:3b" {
			assert.Equal(t, registry.SourceConfig, s.Source)
			assert.Equal(t, 1, s.PriorityRank)
		}
	}
}

func TestRefresh_SourceErrorPropagates(t *testing.T) {
	reg := registry.New(zap.NewNop())
	src := &staticSource{err: errors.New("runtime down")}

	p := NewPoller(src, reg, "llm", time.Minute, zap.NewNop())
	assert.Error(t, p.Refresh(context.Background()))
	assert.Empty(t, reg.List())
}
