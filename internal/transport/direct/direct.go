// Package direct is the in-process transport: a plain function call into
// the handler registry. Lowest latency, only viable when the coordinator
// and the executor share a process, which is the intra-bot-process case.
package direct

import (
	"context"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/transport"
)

// Transport invokes operation handlers in-process.
type Transport struct {
	registry *transport.Registry
}

// New creates a direct transport over the given registry.
func New(registry *transport.Registry) *Transport {
	return &Transport{registry: registry}
}

func (t *Transport) Name() domain.Protocol { return domain.ProtocolDirect }

func (t *Transport) Execute(ctx context.Context, req *domain.NormalizedRequest) (*domain.UnifiedResponse, error) {
	start := time.Now()

	data, err := t.registry.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	return &domain.UnifiedResponse{
		Success:         true,
		RequestID:       req.ID,
		Data:            data,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Method:          domain.ProtocolDirect,
		Timestamp:       time.Now().UTC(),
	}, nil
}
