package port

import (
	"context"

	"github.com/rl1809/escrow-market/internal/core/domain"
)

type EventPublisher interface {
	// Publish announces a committed listing or sale
	Publish(ctx context.Context, event domain.Event) error
}
