package adapter

import (
	"context"

	"github.com/voragate/gateway/pkg/api"
)

// Result is what an adapter reports after a completed call.
type Result struct {
	Output  string
	ModelID string
	Usage   api.Usage
}

// StreamChunk is one unit of streamed output. Usage arrives on the final
// chunk when the upstream reports it.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage *api.Usage
	Err   error
}

// Adapter is the narrow contract the gateway core consumes. Adapters own the
// wire protocol, auth, and streaming framing; failures must come back as
// *api.GatewayError so the router can classify them as transient or
// permanent.
type Adapter interface {
	ID() string
	Type() string // e.g., "openai", "local-llama"
	Execute(ctx context.Context, req *api.Request) (*Result, error)
	Stream(ctx context.Context, req *api.Request) (<-chan StreamChunk, error)
}
