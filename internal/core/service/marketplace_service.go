package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

var (
	ErrInvalidPrice         = errors.New("invalid price")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrItemNotFound         = errors.New("item not found")
	ErrAlreadySold          = errors.New("item already sold")
	ErrInsufficientPayment  = errors.New("insufficient payment")
	ErrApprovalNotSupported = errors.New("registry does not accept approvals")
)

const rollbackTimeout = 5 * time.Second

type Option func(*Marketplace)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Marketplace) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Marketplace) {
		if now != nil {
			m.now = now
		}
	}
}

// Marketplace is the escrow engine. It is the only writer of the item ledger
// and takes custody of listed assets under its operator address.
type Marketplace struct {
	operator   domain.Address
	fee        domain.FeeConfig
	store      port.Store
	registries port.RegistryDirectory
	publisher  port.EventPublisher
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewMarketplace(
	operator domain.Address,
	fee domain.FeeConfig,
	store port.Store,
	registries port.RegistryDirectory,
	publisher port.EventPublisher,
	opts ...Option,
) *Marketplace {
	m := &Marketplace{
		operator:   operator,
		fee:        fee,
		store:      store,
		registries: registries,
		publisher:  publisher,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/rl1809/escrow-market/internal/core/service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (s *Marketplace) Operator() domain.Address { return s.operator }

func (s *Marketplace) FeeAccount() domain.Address { return s.fee.Account() }

func (s *Marketplace) FeePercent() int64 { return s.fee.Percent() }

func (s *Marketplace) ItemCount(ctx context.Context) (int64, error) {
	count, err := s.store.ItemCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("item count: %w", err)
	}
	return count, nil
}

func (s *Marketplace) Item(ctx context.Context, itemID int64) (domain.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return domain.Item{}, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	return *item, nil
}

func (s *Marketplace) GetTotalPrice(ctx context.Context, itemID int64) (int64, error) {
	item, err := s.Item(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return s.fee.TotalPrice(item.Price), nil
}

func (s *Marketplace) Balance(ctx context.Context, account domain.Address) (int64, error) {
	balance, err := s.store.Balance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

// ApproveMarketplace grants or revokes the marketplace operator's right to
// take custody of owner's tokens in the given collection.
func (s *Marketplace) ApproveMarketplace(ctx context.Context, owner domain.Address, assetRef string, approved bool) error {
	if owner.IsZero() {
		return fmt.Errorf("%w: missing caller", ErrUnauthorized)
	}
	registry, ok := s.registries.Registry(assetRef)
	if !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrUnauthorized, assetRef)
	}
	approvals, ok := registry.(port.ApprovalRegistry)
	if !ok {
		return ErrApprovalNotSupported
	}
	if err := approvals.SetApprovalForAll(ctx, owner, s.operator, approved); err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return nil
}

// CreateListing takes custody of tokenID and records a listing for it. The
// custody transfer and the ledger append commit together.
func (s *Marketplace) CreateListing(ctx context.Context, caller domain.Address, assetRef string, tokenID uint64, price int64) (itemID int64, err error) {
	ctx, span := s.tracer.Start(ctx, "Marketplace.CreateListing", trace.WithAttributes(
		attribute.String("asset_ref", assetRef),
		attribute.Int64("price", price),
	))
	defer func() { endSpan(span, err) }()

	if price <= 0 || price > s.fee.MaxPrice() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	if caller.IsZero() {
		return 0, fmt.Errorf("%w: missing caller", ErrUnauthorized)
	}
	if caller == s.operator {
		return 0, fmt.Errorf("%w: operator cannot list", ErrUnauthorized)
	}
	registry, ok := s.registries.Registry(assetRef)
	if !ok {
		return 0, fmt.Errorf("%w: unknown collection %q", ErrUnauthorized, assetRef)
	}

	moved := false
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.authorize(ctx, registry, caller, tokenID); err != nil {
			return err
		}

		id, err := s.store.CreateItem(ctx, domain.Item{
			AssetRef: assetRef,
			TokenID:  tokenID,
			Price:    price,
			Seller:   caller,
			ListedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("create item: %w", err)
		}

		if err := s.transferCustody(ctx, registry, caller, s.operator, tokenID); err != nil {
			return err
		}
		moved = true
		itemID = id
		return nil
	})
	if err != nil {
		if moved && !port.JoinsTx(registry) {
			s.rollbackCustody(ctx, registry, s.operator, caller, tokenID)
		}
		return 0, err
	}

	s.logger.Info("listing created",
		"item_id", itemID, "asset_ref", assetRef, "token_id", tokenID, "price", price, "seller", caller)

	s.announce(ctx, domain.NewOfferedEvent(domain.Offered{
		ItemID:   itemID,
		AssetRef: assetRef,
		TokenID:  tokenID,
		Price:    price,
		Seller:   caller,
	}))
	return itemID, nil
}

// PurchaseItem sells itemID to buyer. Preconditions are checked in order:
// existence, unsold, payment covers the total price. Payouts, custody
// transfer and the sold flag commit together.
func (s *Marketplace) PurchaseItem(ctx context.Context, itemID int64, buyer domain.Address, paid int64) (bought domain.Bought, err error) {
	ctx, span := s.tracer.Start(ctx, "Marketplace.PurchaseItem", trace.WithAttributes(
		attribute.Int64("item_id", itemID),
		attribute.Int64("paid", paid),
	))
	defer func() { endSpan(span, err) }()

	if buyer.IsZero() {
		return domain.Bought{}, fmt.Errorf("%w: missing buyer", ErrUnauthorized)
	}
	if buyer == s.operator {
		return domain.Bought{}, fmt.Errorf("%w: operator cannot buy", ErrUnauthorized)
	}

	var (
		registry port.AssetRegistry
		tokenID  uint64
		moved    bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		item, err := s.store.LockItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("lock item: %w", err)
		}
		if item == nil {
			return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		if item.Sold {
			return fmt.Errorf("%w: %d", ErrAlreadySold, itemID)
		}

		total := s.fee.TotalPrice(item.Price)
		if paid < total {
			return fmt.Errorf("%w: paid %d, total %d", ErrInsufficientPayment, paid, total)
		}

		reg, ok := s.registries.Registry(item.AssetRef)
		if !ok {
			return fmt.Errorf("%w: unknown collection %q", ErrUnauthorized, item.AssetRef)
		}

		if err := s.store.MarkSold(ctx, item.ID, buyer, s.now()); err != nil {
			if errors.Is(err, port.ErrItemSold) {
				return fmt.Errorf("%w: %d", ErrAlreadySold, itemID)
			}
			return fmt.Errorf("mark sold: %w", err)
		}
		if err := s.payout(ctx, item.Seller, item.Price); err != nil {
			return err
		}
		if err := s.payout(ctx, s.fee.Account(), total-item.Price); err != nil {
			return err
		}
		// Overpayment is retained by the operator, not refunded.
		if err := s.payout(ctx, s.operator, paid-total); err != nil {
			return err
		}

		if err := s.transferCustody(ctx, reg, s.operator, buyer, item.TokenID); err != nil {
			return err
		}
		registry, tokenID, moved = reg, item.TokenID, true

		bought = domain.Bought{
			ItemID:   item.ID,
			AssetRef: item.AssetRef,
			TokenID:  item.TokenID,
			Price:    item.Price,
			Seller:   item.Seller,
			Buyer:    buyer,
		}
		return nil
	})
	if err != nil {
		if moved && !port.JoinsTx(registry) {
			s.rollbackCustody(ctx, registry, buyer, s.operator, tokenID)
		}
		return domain.Bought{}, err
	}

	s.logger.Info("item sold",
		"item_id", bought.ItemID, "price", bought.Price, "seller", bought.Seller, "buyer", bought.Buyer)

	s.announce(ctx, domain.NewBoughtEvent(bought))
	return bought, nil
}

func (s *Marketplace) authorize(ctx context.Context, registry port.AssetRegistry, caller domain.Address, tokenID uint64) error {
	owner, err := registry.OwnerOf(ctx, tokenID)
	if errors.Is(err, port.ErrUnknownToken) {
		return fmt.Errorf("%w: token %d does not exist", ErrUnauthorized, tokenID)
	}
	if err != nil {
		return fmt.Errorf("owner of: %w", err)
	}
	if owner != caller {
		return fmt.Errorf("%w: %s does not own token %d", ErrUnauthorized, caller, tokenID)
	}

	approved, err := registry.IsApprovedForAll(ctx, caller, s.operator)
	if err != nil {
		return fmt.Errorf("approval check: %w", err)
	}
	if !approved {
		return fmt.Errorf("%w: marketplace not approved by %s", ErrUnauthorized, caller)
	}
	return nil
}

func (s *Marketplace) transferCustody(ctx context.Context, registry port.AssetRegistry, from, to domain.Address, tokenID uint64) error {
	err := registry.TransferCustody(ctx, from, to, tokenID)
	if errors.Is(err, port.ErrCustodyDenied) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err != nil {
		return fmt.Errorf("transfer custody: %w", err)
	}
	return nil
}

func (s *Marketplace) payout(ctx context.Context, account domain.Address, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := s.store.Credit(ctx, account, amount); err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

// rollbackCustody undoes a custody transfer made through a registry that
// does not share the store transaction, after that transaction failed.
func (s *Marketplace) rollbackCustody(ctx context.Context, registry port.AssetRegistry, from, to domain.Address, tokenID uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := registry.TransferCustody(ctx, from, to, tokenID); err != nil {
		s.logger.Error("CRITICAL custody rollback failed",
			"token_id", tokenID, "from", from, "to", to, "error", err)
		return
	}
	s.logger.Warn("rolled back custody transfer", "token_id", tokenID, "to", to)
}

func (s *Marketplace) announce(ctx context.Context, event domain.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"event_id", event.ID, "kind", event.Kind, "item_id", event.ItemID(), "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
