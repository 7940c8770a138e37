package swap

import "context"

// NoopLoader satisfies Loader when no local runtime is attached. Swaps still
// move through the state machine and audit trail so the registry annotation
// stays correct.
type NoopLoader struct{}

func (NoopLoader) Prepare(ctx context.Context, category, model string) error      { return nil }
func (NoopLoader) Activate(ctx context.Context, category, model string) error     { return nil }
func (NoopLoader) Decommission(ctx context.Context, category, model string) error { return nil }
