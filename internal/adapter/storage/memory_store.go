package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

var errNoTx = errors.New("operation requires a transaction")

type memItem struct {
	lock chan struct{}
	item domain.Item
}

type tokenKey struct {
	assetRef string
	tokenID  uint64
}

type approvalKey struct {
	assetRef string
	owner    domain.Address
	operator domain.Address
}

// MemoryStore keeps listings, balances and a built-in asset registry in
// process memory. Transactions stage their writes and apply them on commit;
// a purchase holds only its item's lock and a listing holds only the append
// lock, so work on distinct items does not serialize.
type MemoryStore struct {
	mu          sync.RWMutex
	items       []*memItem
	balances    map[domain.Address]int64
	owners      map[tokenKey]domain.Address
	approvals   map[approvalKey]bool
	collections map[string]bool

	appendLock chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[domain.Address]int64),
		owners:      make(map[tokenKey]domain.Address),
		approvals:   make(map[approvalKey]bool),
		collections: make(map[string]bool),
		appendLock:  make(chan struct{}, 1),
	}
}

type memSold struct {
	buyer domain.Address
	at    time.Time
}

type memTransfer struct {
	key  tokenKey
	from domain.Address
	to   domain.Address
}

type memTx struct {
	store       *MemoryStore
	holdsAppend bool
	appended    []domain.Item
	locked      map[int64]*memItem
	sold        map[int64]memSold
	credits     map[domain.Address]int64
	transfers   []memTransfer
}

type memTxKey struct{}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.store != s {
		return nil
	}
	return tx
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{
		store:   s,
		locked:  make(map[int64]*memItem),
		sold:    make(map[int64]memSold),
		credits: make(map[domain.Address]int64),
	}
	defer tx.release()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memTx) release() {
	for _, rec := range tx.locked {
		<-rec.lock
	}
	tx.locked = nil
	if tx.holdsAppend {
		<-tx.store.appendLock
		tx.holdsAppend = false
	}
}

func (tx *memTx) ownerOf(key tokenKey) (domain.Address, bool) {
	for i := len(tx.transfers) - 1; i >= 0; i-- {
		if tx.transfers[i].key == key {
			return tx.transfers[i].to, true
		}
	}
	owner, ok := tx.store.owners[key]
	return owner, ok
}

func (tx *memTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Custody may have moved since it was staged if the owner also listed the
	// token through another transaction.
	staged := make(map[tokenKey]domain.Address)
	for _, t := range tx.transfers {
		owner, ok := staged[t.key]
		if !ok {
			owner = s.owners[t.key]
		}
		if owner != t.from {
			return fmt.Errorf("%w: token %d changed owner", port.ErrCustodyDenied, t.key.tokenID)
		}
		staged[t.key] = t.to
	}
	for id := range tx.sold {
		if s.items[id-1].item.Sold {
			return port.ErrItemSold
		}
	}

	for _, item := range tx.appended {
		s.items = append(s.items, &memItem{lock: make(chan struct{}, 1), item: item})
	}
	for id, mark := range tx.sold {
		rec := s.items[id-1]
		at := mark.at
		rec.item.Sold = true
		rec.item.Buyer = mark.buyer
		rec.item.SoldAt = &at
	}
	for account, amount := range tx.credits {
		s.balances[account] += amount
	}
	for key, owner := range staged {
		s.owners[key] = owner
	}
	return nil
}

func (s *MemoryStore) CreateItem(ctx context.Context, item domain.Item) (int64, error) {
	tx := s.txFrom(ctx)
	if tx == nil {
		var id int64
		err := s.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			id, err = s.CreateItem(ctx, item)
			return err
		})
		return id, err
	}

	if !tx.holdsAppend {
		if err := acquire(ctx, s.appendLock); err != nil {
			return 0, err
		}
		tx.holdsAppend = true
	}

	s.mu.RLock()
	committed := len(s.items)
	s.mu.RUnlock()

	item.ID = int64(committed+len(tx.appended)) + 1
	item.Sold = false
	item.Buyer = ""
	item.SoldAt = nil
	tx.appended = append(tx.appended, item)
	return item.ID, nil
}

func (s *MemoryStore) record(itemID int64) *memItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if itemID < 1 || itemID > int64(len(s.items)) {
		return nil
	}
	return s.items[itemID-1]
}

func (s *MemoryStore) snapshot(rec *memItem) *domain.Item {
	s.mu.RLock()
	item := rec.item
	s.mu.RUnlock()
	if item.SoldAt != nil {
		at := *item.SoldAt
		item.SoldAt = &at
	}
	return &item
}

func (s *MemoryStore) GetItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := s.record(itemID)
	if rec == nil {
		return nil, nil
	}
	return s.snapshot(rec), nil
}

func (s *MemoryStore) LockItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	tx := s.txFrom(ctx)
	if tx == nil {
		return nil, errNoTx
	}
	rec := s.record(itemID)
	if rec == nil {
		return nil, nil
	}
	if _, held := tx.locked[itemID]; !held {
		if err := acquire(ctx, rec.lock); err != nil {
			return nil, err
		}
		tx.locked[itemID] = rec
	}
	return s.snapshot(rec), nil
}

func (s *MemoryStore) MarkSold(ctx context.Context, itemID int64, buyer domain.Address, at time.Time) error {
	tx := s.txFrom(ctx)
	if tx == nil {
		return errNoTx
	}
	rec, held := tx.locked[itemID]
	if !held {
		return fmt.Errorf("item %d is not locked by this transaction", itemID)
	}
	if _, staged := tx.sold[itemID]; staged {
		return port.ErrItemSold
	}
	s.mu.RLock()
	sold := rec.item.Sold
	s.mu.RUnlock()
	if sold {
		return port.ErrItemSold
	}
	tx.sold[itemID] = memSold{buyer: buyer, at: at}
	return nil
}

func (s *MemoryStore) ItemCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.items)), nil
}

func (s *MemoryStore) Credit(ctx context.Context, account domain.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative credit %d", amount)
	}
	tx := s.txFrom(ctx)
	if tx == nil {
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.Credit(ctx, account, amount)
		})
	}
	tx.credits[account] += amount
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, account domain.Address) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}
