package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

const testCollection = "punks"

type contractStore interface {
	port.Store
	port.RegistryDirectory
}

type minter interface {
	port.AssetRegistry
	port.ApprovalRegistry
	Mint(ctx context.Context, tokenID uint64, owner domain.Address) error
}

type storeFactory func(t *testing.T) contractStore

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("SequentialIDs", func(t *testing.T) { testSequentialIDs(t, newStore(t)) })
	t.Run("RollbackKeepsIDsGapless", func(t *testing.T) { testRollbackKeepsIDsGapless(t, newStore(t)) })
	t.Run("GetItemMissing", func(t *testing.T) { testGetItemMissing(t, newStore(t)) })
	t.Run("MarkSoldOnce", func(t *testing.T) { testMarkSoldOnce(t, newStore(t)) })
	t.Run("LockItemRequiresTx", func(t *testing.T) { testLockItemRequiresTx(t, newStore(t)) })
	t.Run("CreditRollback", func(t *testing.T) { testCreditRollback(t, newStore(t)) })
	t.Run("CustodyJoinsTx", func(t *testing.T) { testCustodyJoinsTx(t, newStore(t)) })
	t.Run("CustodyDenied", func(t *testing.T) { testCustodyDenied(t, newStore(t)) })
	t.Run("Approvals", func(t *testing.T) { testApprovals(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func registryOf(t *testing.T, s contractStore) minter {
	t.Helper()
	reg, ok := s.Registry(testCollection)
	if !ok {
		t.Fatalf("collection %q not registered", testCollection)
	}
	m, ok := reg.(minter)
	if !ok {
		t.Fatalf("registry %T cannot mint", reg)
	}
	if !port.JoinsTx(reg) {
		t.Fatal("built-in registry should join store transactions")
	}
	return m
}

func newTestItem(tokenID uint64) domain.Item {
	return domain.Item{
		AssetRef: testCollection,
		TokenID:  tokenID,
		Price:    200,
		Seller:   "alice",
		ListedAt: time.Now().UTC(),
	}
}

func testSequentialIDs(t *testing.T, s contractStore) {
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		id, err := s.CreateItem(ctx, newTestItem(uint64(want)))
		if err != nil {
			t.Fatalf("CreateItem failed: %v", err)
		}
		if id != want {
			t.Errorf("expected id %d, got %d", want, id)
		}
	}

	count, err := s.ItemCount(ctx)
	if err != nil {
		t.Fatalf("ItemCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}

	item, err := s.GetItem(ctx, 2)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if item.TokenID != 2 || item.Price != 200 || item.Seller != "alice" || item.Sold {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.AssetRef != testCollection {
		t.Errorf("expected asset ref %q, got %q", testCollection, item.AssetRef)
	}
}

func testRollbackKeepsIDsGapless(t *testing.T, s contractStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.CreateItem(ctx, newTestItem(1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	count, _ := s.ItemCount(ctx)
	if count != 0 {
		t.Errorf("expected count 0 after rollback, got %d", count)
	}

	id, err := s.CreateItem(ctx, newTestItem(1))
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1 after rollback, got %d", id)
	}
}

func testGetItemMissing(t *testing.T, s contractStore) {
	ctx := context.Background()
	if _, err := s.CreateItem(ctx, newTestItem(1)); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	for _, id := range []int64{0, 2, -1} {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if item != nil {
			t.Errorf("expected nil for item %d, got %+v", id, item)
		}
	}
}

func testMarkSoldOnce(t *testing.T, s contractStore) {
	ctx := context.Background()
	id, err := s.CreateItem(ctx, newTestItem(1))
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	soldAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.LockItem(ctx, id); err != nil {
			return err
		}
		return s.MarkSold(ctx, id, "bob", soldAt)
	})
	if err != nil {
		t.Fatalf("first MarkSold failed: %v", err)
	}

	err = s.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.LockItem(ctx, id); err != nil {
			return err
		}
		return s.MarkSold(ctx, id, "carol", soldAt)
	})
	if !errors.Is(err, port.ErrItemSold) {
		t.Errorf("expected ErrItemSold, got %v", err)
	}

	item, _ := s.GetItem(ctx, id)
	if !item.Sold {
		t.Error("expected item to be sold")
	}
	if item.Buyer != "bob" {
		t.Errorf("expected buyer bob, got %s", item.Buyer)
	}
	if item.SoldAt == nil || !item.SoldAt.Equal(soldAt) {
		t.Errorf("expected sold at %v, got %v", soldAt, item.SoldAt)
	}
}

func testLockItemRequiresTx(t *testing.T, s contractStore) {
	ctx := context.Background()
	if _, err := s.CreateItem(ctx, newTestItem(1)); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if _, err := s.LockItem(ctx, 1); err == nil {
		t.Error("expected error locking outside a transaction")
	}
}

func testCreditRollback(t *testing.T, s contractStore) {
	ctx := context.Background()

	if err := s.Credit(ctx, "alice", 150); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.Credit(ctx, "alice", 50); err != nil {
			return err
		}
		if err := s.Credit(ctx, "fees", 2); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	balance, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 150 {
		t.Errorf("expected balance 150, got %d", balance)
	}
	fees, _ := s.Balance(ctx, "fees")
	if fees != 0 {
		t.Errorf("expected fees 0, got %d", fees)
	}

	if err := s.Credit(ctx, "alice", -1); err == nil {
		t.Error("expected error for negative credit")
	}
}

func testCustodyJoinsTx(t *testing.T, s contractStore) {
	ctx := context.Background()
	reg := registryOf(t, s)
	if err := reg.Mint(ctx, 7, "alice"); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := reg.TransferCustody(ctx, "alice", "market", 7); err != nil {
			return err
		}
		owner, err := reg.OwnerOf(ctx, 7)
		if err != nil {
			return err
		}
		if owner != "market" {
			t.Errorf("expected staged owner market inside tx, got %s", owner)
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	owner, err := reg.OwnerOf(ctx, 7)
	if err != nil {
		t.Fatalf("OwnerOf failed: %v", err)
	}
	if owner != "alice" {
		t.Errorf("expected owner alice after rollback, got %s", owner)
	}

	err = s.WithinTx(ctx, func(ctx context.Context) error {
		return reg.TransferCustody(ctx, "alice", "market", 7)
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	owner, _ = reg.OwnerOf(ctx, 7)
	if owner != "market" {
		t.Errorf("expected owner market after commit, got %s", owner)
	}
}

func testCustodyDenied(t *testing.T, s contractStore) {
	ctx := context.Background()
	reg := registryOf(t, s)
	if err := reg.Mint(ctx, 1, "alice"); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	err := reg.TransferCustody(ctx, "mallory", "market", 1)
	if !errors.Is(err, port.ErrCustodyDenied) {
		t.Errorf("expected ErrCustodyDenied, got %v", err)
	}
	err = reg.TransferCustody(ctx, "alice", "market", 99)
	if !errors.Is(err, port.ErrCustodyDenied) {
		t.Errorf("expected ErrCustodyDenied for unknown token, got %v", err)
	}
	_, err = reg.OwnerOf(ctx, 99)
	if !errors.Is(err, port.ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
	if err := reg.Mint(ctx, 1, "bob"); err == nil {
		t.Error("expected error minting an existing token")
	}
	if _, ok := s.Registry("unknown"); ok {
		t.Error("expected unknown collection to be absent")
	}
}

func testApprovals(t *testing.T, s contractStore) {
	ctx := context.Background()
	reg := registryOf(t, s)

	ok, err := reg.IsApprovedForAll(ctx, "alice", "market")
	if err != nil {
		t.Fatalf("IsApprovedForAll failed: %v", err)
	}
	if ok {
		t.Error("expected no approval by default")
	}

	if err := reg.SetApprovalForAll(ctx, "alice", "market", true); err != nil {
		t.Fatalf("SetApprovalForAll failed: %v", err)
	}
	// Granting twice is a no-op.
	if err := reg.SetApprovalForAll(ctx, "alice", "market", true); err != nil {
		t.Fatalf("SetApprovalForAll failed: %v", err)
	}
	ok, _ = reg.IsApprovedForAll(ctx, "alice", "market")
	if !ok {
		t.Error("expected approval")
	}

	if err := reg.SetApprovalForAll(ctx, "alice", "market", false); err != nil {
		t.Fatalf("SetApprovalForAll failed: %v", err)
	}
	ok, _ = reg.IsApprovedForAll(ctx, "alice", "market")
	if ok {
		t.Error("expected approval to be revoked")
	}
}

func testConcurrentCreate(t *testing.T, s contractStore) {
	ctx := context.Background()
	total := 20

	var (
		mu  sync.Mutex
		ids []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(tokenID uint64) {
			defer wg.Done()
			id, err := s.CreateItem(ctx, newTestItem(tokenID))
			if err != nil {
				t.Errorf("CreateItem failed: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}(uint64(i + 1))
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != total {
		t.Fatalf("expected %d ids, got %d", total, len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected gapless ids, got %v", ids)
		}
	}

	count, _ := s.ItemCount(ctx)
	if count != int64(total) {
		t.Errorf("expected count %d, got %d", total, count)
	}
}
