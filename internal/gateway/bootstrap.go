package gateway

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/adapter"
	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/pkg/api"
)

// BootstrapProviders registers every enabled provider from configuration:
// a registry descriptor plus the adapter bound to it. Misconfigured entries
// are skipped with a warning rather than failing startup.
func (s *Service) BootstrapProviders(providers []config.ProviderConfig, log *zap.Logger) int {
	registered := 0
	validate := validator.New()

	for _, pCfg := range providers {
		if !pCfg.Enabled {
			continue
		}

		if err := validate.Struct(&pCfg); err != nil {
			log.Warn("skipping misconfigured provider",
				zap.String("provider", pCfg.ID),
				zap.Error(err),
			)
			continue
		}

		ad, err := buildAdapter(pCfg)
		if err != nil {
			log.Warn("skipping provider without adapter",
				zap.String("provider", pCfg.ID),
				zap.String("type", pCfg.Type),
				zap.Error(err),
			)
			continue
		}

		desc := registry.Descriptor{
			ID:           pCfg.ID,
			Category:     pCfg.Category,
			Capabilities: pCfg.Capabilities,
			Pricing:      pCfg.Pricing,
			PriorityRank: pCfg.PriorityRank,
			Local:        pCfg.Local,
			Workload:     pCfg.Workload,
			ModelID:      pCfg.ModelID,
			Source:       registry.SourceConfig,
		}
		if err := s.registry.Register(desc); err != nil {
			log.Warn("skipping provider",
				zap.String("provider", pCfg.ID),
				zap.Error(err),
			)
			continue
		}

		s.RegisterAdapter(pCfg.ID, ad)
		registered++
	}

	log.Info("providers bootstrapped", zap.Int("registered", registered))
	return registered
}

func buildAdapter(pCfg config.ProviderConfig) (adapter.Adapter, error) {
	factory, err := adapter.Get(pCfg.Type)
	if err != nil {
		return nil, err
	}
	return factory(pCfg)
}

// RestoreOverrides replays persisted provider overrides into the registry at
// boot, so administered pins survive restarts and discovery merges.
func (s *Service) RestoreOverrides(ctx context.Context, overrides store.OverrideRepository, log *zap.Logger) error {
	rows, err := overrides.List(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		o := registry.Override{ProviderID: row.ProviderID, Disabled: row.Disabled}
		if row.PriorityRank.Valid {
			rank := int(row.PriorityRank.Int64)
			o.PriorityRank = &rank
		}
		if row.PricingJSON.Valid && row.PricingJSON.String != "" {
			var p api.Pricing
			if err := json.Unmarshal([]byte(row.PricingJSON.String), &p); err != nil {
				log.Warn("unreadable pricing override",
					zap.String("provider", row.ProviderID),
					zap.Error(err),
				)
			} else {
				o.Pricing = &p
			}
		}
		s.registry.ApplyOverride(o)
	}

	if len(rows) > 0 {
		log.Info("provider overrides restored", zap.Int("count", len(rows)))
	}
	return nil
}
