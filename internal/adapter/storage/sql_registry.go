package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

func (s *SQLStore) loadCollections(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT asset_ref FROM collections`)
	if err != nil {
		return fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return fmt.Errorf("scan collection: %w", err)
		}
		s.collections[ref] = true
	}
	return rows.Err()
}

// AddCollection registers a collection served by the built-in registry.
func (s *SQLStore) AddCollection(ctx context.Context, assetRef string) error {
	if _, err := s.db.ExecContext(ctx,
		s.dialect.insertIgnore+` collections (asset_ref) VALUES (?)`, assetRef,
	); err != nil {
		return fmt.Errorf("insert collection: %w", err)
	}
	s.mu.Lock()
	s.collections[assetRef] = true
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) Registry(assetRef string) (port.AssetRegistry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.collections[assetRef] {
		return nil, false
	}
	return &SQLRegistry{store: s, assetRef: assetRef}, true
}

// SQLRegistry is the ownership book of one collection, stored next to the
// item ledger so custody transfers commit with the listing or sale.
type SQLRegistry struct {
	store    *SQLStore
	assetRef string
}

func (r *SQLRegistry) JoinsTx() bool { return true }

func (r *SQLRegistry) Mint(ctx context.Context, tokenID uint64, owner domain.Address) error {
	if owner.IsZero() {
		return fmt.Errorf("mint token %d: owner is required", tokenID)
	}
	_, err := r.store.conn(ctx).ExecContext(ctx,
		`INSERT INTO assets (asset_ref, token_id, owner) VALUES (?, ?, ?)`,
		r.assetRef, int64(tokenID), string(owner),
	)
	if err != nil {
		return fmt.Errorf("mint token %d: %w", tokenID, err)
	}
	return nil
}

func (r *SQLRegistry) OwnerOf(ctx context.Context, tokenID uint64) (domain.Address, error) {
	var owner string
	err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT owner FROM assets WHERE asset_ref = ? AND token_id = ?`,
		r.assetRef, int64(tokenID),
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%d", port.ErrUnknownToken, r.assetRef, tokenID)
	}
	if err != nil {
		return "", fmt.Errorf("query owner: %w", err)
	}
	return domain.Address(owner), nil
}

func (r *SQLRegistry) IsApprovedForAll(ctx context.Context, owner, operator domain.Address) (bool, error) {
	var count int
	err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE asset_ref = ? AND owner = ? AND operator = ?`,
		r.assetRef, string(owner), string(operator),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query approval: %w", err)
	}
	return count > 0, nil
}

func (r *SQLRegistry) SetApprovalForAll(ctx context.Context, owner, operator domain.Address, approved bool) error {
	q := r.store.conn(ctx)
	var err error
	if approved {
		_, err = q.ExecContext(ctx,
			r.store.dialect.insertIgnore+` approvals (asset_ref, owner, operator) VALUES (?, ?, ?)`,
			r.assetRef, string(owner), string(operator),
		)
	} else {
		_, err = q.ExecContext(ctx,
			`DELETE FROM approvals WHERE asset_ref = ? AND owner = ? AND operator = ?`,
			r.assetRef, string(owner), string(operator),
		)
	}
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return nil
}

func (r *SQLRegistry) TransferCustody(ctx context.Context, from, to domain.Address, tokenID uint64) error {
	if to.IsZero() {
		return fmt.Errorf("%w: empty recipient", port.ErrCustodyDenied)
	}
	result, err := r.store.conn(ctx).ExecContext(ctx, `
		UPDATE assets SET owner = ?
		WHERE asset_ref = ? AND token_id = ? AND owner = ?`,
		string(to), r.assetRef, int64(tokenID), string(from),
	)
	if err != nil {
		return fmt.Errorf("update asset owner: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s does not hold token %d", port.ErrCustodyDenied, from, tokenID)
	}
	return nil
}
