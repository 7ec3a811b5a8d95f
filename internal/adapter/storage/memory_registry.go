package storage

import (
	"context"
	"fmt"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

// AddCollection registers a collection served by the built-in registry.
func (s *MemoryStore) AddCollection(assetRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[assetRef] = true
}

func (s *MemoryStore) Registry(assetRef string) (port.AssetRegistry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.collections[assetRef] {
		return nil, false
	}
	return &MemoryRegistry{store: s, assetRef: assetRef}, true
}

// MemoryRegistry is the ownership book of one collection inside a
// MemoryStore. Custody transfers made with a transaction context are staged
// in that transaction.
type MemoryRegistry struct {
	store    *MemoryStore
	assetRef string
}

func (r *MemoryRegistry) JoinsTx() bool { return true }

func (r *MemoryRegistry) key(tokenID uint64) tokenKey {
	return tokenKey{assetRef: r.assetRef, tokenID: tokenID}
}

// Mint seeds a token. Minting is not a marketplace operation; it exists for
// bootstrapping and tests.
func (r *MemoryRegistry) Mint(ctx context.Context, tokenID uint64, owner domain.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if owner.IsZero() {
		return fmt.Errorf("mint token %d: owner is required", tokenID)
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.owners[r.key(tokenID)]; exists {
		return fmt.Errorf("mint token %d: already minted", tokenID)
	}
	s.owners[r.key(tokenID)] = owner
	return nil
}

func (r *MemoryRegistry) OwnerOf(ctx context.Context, tokenID uint64) (domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		owner domain.Address
		ok    bool
	)
	if tx := s.txFrom(ctx); tx != nil {
		owner, ok = tx.ownerOf(r.key(tokenID))
	} else {
		owner, ok = s.owners[r.key(tokenID)]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s/%d", port.ErrUnknownToken, r.assetRef, tokenID)
	}
	return owner, nil
}

func (r *MemoryRegistry) IsApprovedForAll(ctx context.Context, owner, operator domain.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvals[approvalKey{assetRef: r.assetRef, owner: owner, operator: operator}], nil
}

func (r *MemoryRegistry) SetApprovalForAll(ctx context.Context, owner, operator domain.Address, approved bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	key := approvalKey{assetRef: r.assetRef, owner: owner, operator: operator}
	if approved {
		s.approvals[key] = true
	} else {
		delete(s.approvals, key)
	}
	return nil
}

func (r *MemoryRegistry) TransferCustody(ctx context.Context, from, to domain.Address, tokenID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("%w: empty recipient", port.ErrCustodyDenied)
	}
	s := r.store
	key := r.key(tokenID)

	if tx := s.txFrom(ctx); tx != nil {
		s.mu.RLock()
		owner, ok := tx.ownerOf(key)
		s.mu.RUnlock()
		if !ok || owner != from {
			return fmt.Errorf("%w: %s does not hold token %d", port.ErrCustodyDenied, from, tokenID)
		}
		tx.transfers = append(tx.transfers, memTransfer{key: key, from: from, to: to})
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[key]
	if !ok || owner != from {
		return fmt.Errorf("%w: %s does not hold token %d", port.ErrCustodyDenied, from, tokenID)
	}
	s.owners[key] = to
	return nil
}
