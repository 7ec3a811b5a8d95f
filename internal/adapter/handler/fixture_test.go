package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rl1809/escrow-market/internal/adapter/storage"
	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/core/service"
	"github.com/rl1809/escrow-market/internal/port"
)

const (
	testCollection = "punks"
	testOperator   = domain.Address("market")
	testFeeAccount = domain.Address("deployer")
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

var _ port.EventPublisher = nopPublisher{}

type testEnv struct {
	market   *service.Marketplace
	store    *storage.MemoryStore
	registry *storage.MemoryRegistry
	auth     *Authenticator
	amount   AmountCodec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fee, err := domain.NewFeeConfig(testFeeAccount, 1)
	if err != nil {
		t.Fatalf("fee config: %v", err)
	}
	store := storage.NewMemoryStore()
	store.AddCollection(testCollection)
	reg, _ := store.Registry(testCollection)

	return &testEnv{
		market:   service.NewMarketplace(testOperator, fee, store, store, nopPublisher{}),
		store:    store,
		registry: reg.(*storage.MemoryRegistry),
		auth:     NewAuthenticator("test-secret"),
		amount:   NewAmountCodec(2),
	}
}

func (e *testEnv) token(t *testing.T, who domain.Address) string {
	t.Helper()
	token, err := e.auth.Issue(who, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// listed mints tokenID to seller, approves the marketplace and lists it.
func (e *testEnv) listed(t *testing.T, tokenID uint64, seller domain.Address, price int64) int64 {
	t.Helper()
	ctx := context.Background()
	if err := e.registry.Mint(ctx, tokenID, seller); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := e.market.ApproveMarketplace(ctx, seller, testCollection, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	itemID, err := e.market.CreateListing(ctx, seller, testCollection, tokenID, price)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return itemID
}
