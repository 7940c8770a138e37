package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/voragate/gateway/internal/store/model"
	"github.com/voragate/gateway/internal/store/sqlite"
)

// Seeds a development database with a sample budget and a provider override
// so the gateway has something to restore at boot.
func main() {
	repo, err := sqlite.NewSQLiteStorage("gateway.db")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()

	budgetRow := &model.BudgetRow{
		CallerKey:       "dev-caller",
		Window:          "day",
		SoftLimitMicros: 5_000_000,
		HardLimitMicros: 10_000_000,
		UpdatedAt:       now,
	}
	if err := repo.Budgets().Upsert(ctx, budgetRow); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("seeded budget: %s %s soft=%d hard=%d\n",
		budgetRow.CallerKey, budgetRow.Window, budgetRow.SoftLimitMicros, budgetRow.HardLimitMicros)

	override := &model.ProviderOverride{
		ProviderID:   "openai-primary",
		PriorityRank: sql.NullInt64{Int64: 1, Valid: true},
		UpdatedAt:    now,
	}
	if err := repo.Overrides().Upsert(ctx, override); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("seeded override: %s rank=%d\n", override.ProviderID, override.PriorityRank.Int64)
}
