package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

// LogPublisher writes every event to a structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	attrs := []any{"event_id", event.ID, "kind", event.Kind}
	switch {
	case event.Offered != nil:
		o := event.Offered
		attrs = append(attrs, "item_id", o.ItemID, "asset_ref", o.AssetRef, "token_id", o.TokenID,
			"price", o.Price, "seller", o.Seller)
	case event.Bought != nil:
		b := event.Bought
		attrs = append(attrs, "item_id", b.ItemID, "asset_ref", b.AssetRef, "token_id", b.TokenID,
			"price", b.Price, "seller", b.Seller, "buyer", b.Buyer)
	}
	l.logger.InfoContext(ctx, "marketplace event", attrs...)
	return nil
}

// Fanout delivers each event to every publisher, even when some fail.
type Fanout []port.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
