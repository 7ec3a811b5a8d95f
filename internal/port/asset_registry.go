package port

import (
	"context"
	"errors"

	"github.com/rl1809/escrow-market/internal/core/domain"
)

// ErrCustodyDenied is returned by TransferCustody when the registry does not
// sanction the transfer.
var ErrCustodyDenied = errors.New("custody transfer not sanctioned")

// ErrUnknownToken is returned by OwnerOf for tokens the registry never issued.
var ErrUnknownToken = errors.New("unknown token")

// AssetRegistry is the ownership book of one asset collection.
type AssetRegistry interface {
	// OwnerOf returns the current owner of tokenID
	OwnerOf(ctx context.Context, tokenID uint64) (domain.Address, error)

	// IsApprovedForAll reports whether operator may move every token of owner
	IsApprovedForAll(ctx context.Context, owner, operator domain.Address) (bool, error)

	// TransferCustody moves tokenID from one account to another
	TransferCustody(ctx context.Context, from, to domain.Address, tokenID uint64) error
}

// ApprovalRegistry is implemented by registries that let an owner grant or
// revoke operator rights through the marketplace.
type ApprovalRegistry interface {
	SetApprovalForAll(ctx context.Context, owner, operator domain.Address, approved bool) error
}

// RegistryDirectory resolves the registry that owns a collection.
type RegistryDirectory interface {
	Registry(assetRef string) (AssetRegistry, bool)
}

// TxParticipant is implemented by registries whose writes join the
// transaction opened by Transactor.WithinTx.
type TxParticipant interface {
	JoinsTx() bool
}

// JoinsTx reports whether r shares the store transaction.
func JoinsTx(r AssetRegistry) bool {
	p, ok := r.(TxParticipant)
	return ok && p.JoinsTx()
}
