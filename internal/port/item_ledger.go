package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/escrow-market/internal/core/domain"
)

// ErrItemSold is returned by MarkSold when the item was already sold.
var ErrItemSold = errors.New("item already sold")

type ItemLedger interface {
	// CreateItem appends a listing and returns its sequential id
	CreateItem(ctx context.Context, item domain.Item) (int64, error)

	// GetItem returns the item or nil when the id was never assigned
	GetItem(ctx context.Context, itemID int64) (*domain.Item, error)

	// LockItem is GetItem plus an exclusive per-item lock held until the
	// surrounding transaction ends
	LockItem(ctx context.Context, itemID int64) (*domain.Item, error)

	// MarkSold flips the sold flag, failing if the item is already sold
	MarkSold(ctx context.Context, itemID int64, buyer domain.Address, at time.Time) error

	// ItemCount returns the number of ids assigned so far
	ItemCount(ctx context.Context) (int64, error)
}

type FundsLedger interface {
	// Credit adds amount to the balance of account
	Credit(ctx context.Context, account domain.Address, amount int64) error

	// Balance returns the balance of account, zero when unknown
	Balance(ctx context.Context, account domain.Address) (int64, error)
}

type Transactor interface {
	// WithinTx runs fn in a transaction carried by the context passed to fn.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the marketplace's own persistence: listings, balances and the
// transaction boundary around them.
type Store interface {
	ItemLedger
	FundsLedger
	Transactor
}
