package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/escrow-market/internal/adapter/notify"
	"github.com/rl1809/escrow-market/internal/adapter/storage"
	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/core/service"
	"github.com/rl1809/escrow-market/internal/port"
)

const (
	redisAddr      = "localhost:6379"
	eventStream    = "stress:market:events"
	collection     = "stress-punks"
	operator       = domain.Address("marketplace")
	feeAccount     = domain.Address("deployer")
	seller         = domain.Address("seller")
	feePercent     = 1
	itemCount      = 20
	buyersPerItem  = 25
	itemPrice      = 1000
	purchaseAmount = itemPrice + itemPrice*feePercent/100
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storage.NewMemoryStore()
	store.AddCollection(collection)
	reg, _ := store.Registry(collection)
	registry := reg.(*storage.MemoryRegistry)

	// The Redis stream is optional; without it only the in-process count is checked.
	publishers := notify.Fanout{}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	redisUp := rdb.Ping(ctx).Err() == nil
	if redisUp {
		rdb.Del(ctx, eventStream)
		publishers = append(publishers, notify.NewRedisPublisher(rdb, eventStream))
	} else {
		log.Printf("redis unavailable at %s, skipping stream checks", redisAddr)
	}
	var published atomic.Int32
	publishers = append(publishers, countingPublisher{&published})

	fee, err := domain.NewFeeConfig(feeAccount, feePercent)
	if err != nil {
		log.Fatalf("invalid fee config: %v", err)
	}
	market := service.NewMarketplace(operator, fee, store, store, publishers, service.WithLogger(logger))

	// List the items
	if err := market.ApproveMarketplace(ctx, seller, collection, true); err != nil {
		log.Fatalf("failed to approve marketplace: %v", err)
	}
	for tokenID := uint64(1); tokenID <= itemCount; tokenID++ {
		if err := registry.Mint(ctx, tokenID, seller); err != nil {
			log.Fatalf("failed to mint token %d: %v", tokenID, err)
		}
		if _, err := market.CreateListing(ctx, seller, collection, tokenID, itemPrice); err != nil {
			log.Fatalf("failed to list token %d: %v", tokenID, err)
		}
	}

	// Counters
	var successCount, soldOutCount, otherCount atomic.Int32
	winners := make([]domain.Address, itemCount+1)

	var wg sync.WaitGroup
	start := time.Now()

	for itemID := int64(1); itemID <= itemCount; itemID++ {
		for b := 0; b < buyersPerItem; b++ {
			wg.Add(1)
			go func(itemID int64, buyer domain.Address) {
				defer wg.Done()

				_, err := market.PurchaseItem(ctx, itemID, buyer, purchaseAmount)
				switch {
				case err == nil:
					successCount.Add(1)
					winners[itemID] = buyer
				case errors.Is(err, service.ErrAlreadySold):
					soldOutCount.Add(1)
				default:
					otherCount.Add(1)
					log.Printf("item %d buyer %s: unexpected error: %v", itemID, buyer, err)
				}
			}(itemID, domain.Address(fmt.Sprintf("buyer-%d-%d", itemID, b)))
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()
	total := itemCount * buyersPerItem

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Items Listed:     %d\n", itemCount)
	fmt.Printf("Total Purchases:  %d\n", total)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Already Sold:     %d\n", soldOut)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	check(success == itemCount && soldOut == int32(total-itemCount),
		fmt.Sprintf("Exactly %d purchases succeeded, %d rejected as sold", itemCount, total-itemCount),
		fmt.Sprintf("Expected %d success/%d sold, got %d/%d", itemCount, total-itemCount, success, soldOut))

	sellerBalance, _ := market.Balance(ctx, seller)
	feeBalance, _ := market.Balance(ctx, feeAccount)
	check(sellerBalance == itemCount*itemPrice && feeBalance == itemCount*(purchaseAmount-itemPrice),
		fmt.Sprintf("Payouts balanced: seller %d, fee account %d", sellerBalance, feeBalance),
		fmt.Sprintf("Unexpected payouts: seller %d, fee account %d", sellerBalance, feeBalance))

	misplaced := 0
	for tokenID := uint64(1); tokenID <= itemCount; tokenID++ {
		owner, err := registry.OwnerOf(ctx, tokenID)
		if err != nil || owner != winners[tokenID] {
			misplaced++
		}
	}
	check(misplaced == 0,
		"Every token delivered to its winning buyer",
		fmt.Sprintf("%d tokens not owned by their winning buyer", misplaced))

	wantEvents := int32(itemCount * 2)
	check(published.Load() == wantEvents,
		fmt.Sprintf("Published %d events", wantEvents),
		fmt.Sprintf("Expected %d events, got %d", wantEvents, published.Load()))

	if redisUp {
		streamLen, _ := rdb.XLen(ctx, eventStream).Result()
		check(streamLen == int64(wantEvents),
			fmt.Sprintf("Redis stream holds %d events", streamLen),
			fmt.Sprintf("Expected stream length %d, got %d", wantEvents, streamLen))
	}
}

type countingPublisher struct {
	n *atomic.Int32
}

var _ port.EventPublisher = countingPublisher{}

func (c countingPublisher) Publish(context.Context, domain.Event) error {
	c.n.Add(1)
	return nil
}

func check(ok bool, pass, fail string) {
	if ok {
		fmt.Println("PASS: " + pass)
	} else {
		fmt.Println("FAIL: " + fail)
	}
}
