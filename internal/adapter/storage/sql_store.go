package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/port"
)

// SQLStore persists listings, balances and the built-in asset registry in
// MySQL or SQLite. All of them live in one database so a purchase commits in
// a single SQL transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	mu          sync.RWMutex
	collections map[string]bool
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:          db,
		dialect:     dialect,
		collections: make(map[string]bool),
	}
}

// OpenMySQL connects, migrates and loads registered collections.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, MySQL)
}

// OpenSQLite opens a file database. Transactions begin IMMEDIATE so the
// item id counter and item rows are write-locked for their whole duration.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return open(ctx, db, SQLite)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dialect.Name, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.loadCollections(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	store *SQLStore
	tx    *sql.Tx
}

type sqlTxKey struct{}

func (s *SQLStore) txFrom(ctx context.Context) *sql.Tx {
	tx, ok := ctx.Value(sqlTxKey{}).(*sqlTx)
	if !ok || tx.store != s {
		return nil
	}
	return tx.tx
}

// conn returns the transaction carried by ctx, or the pool. Every query must
// go through it so that calls made inside WithinTx join the transaction.
func (s *SQLStore) conn(ctx context.Context) queryer {
	if tx := s.txFrom(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, sqlTxKey{}, &sqlTx{store: s, tx: tx})); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateItem(ctx context.Context, item domain.Item) (int64, error) {
	if s.txFrom(ctx) == nil {
		var id int64
		err := s.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			id, err = s.CreateItem(ctx, item)
			return err
		})
		return id, err
	}

	q := s.conn(ctx)
	var last int64
	err := q.QueryRowContext(ctx,
		s.dialect.forUpdate(`SELECT value FROM item_sequence WHERE name = 'items'`),
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read item sequence: %w", err)
	}
	id := last + 1

	if _, err := q.ExecContext(ctx,
		`UPDATE item_sequence SET value = ? WHERE name = 'items'`, id,
	); err != nil {
		return 0, fmt.Errorf("advance item sequence: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO items (id, asset_ref, token_id, price, seller, sold, buyer, listed_at, sold_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, NULL)`,
		id, item.AssetRef, int64(item.TokenID), item.Price, string(item.Seller),
		item.ListedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	return id, nil
}

const selectItem = `
	SELECT id, asset_ref, token_id, price, seller, sold, buyer, listed_at, sold_at
	FROM items WHERE id = ?`

func (s *SQLStore) GetItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	return s.queryItem(ctx, selectItem, itemID)
}

func (s *SQLStore) LockItem(ctx context.Context, itemID int64) (*domain.Item, error) {
	if s.txFrom(ctx) == nil {
		return nil, errNoTx
	}
	return s.queryItem(ctx, s.dialect.forUpdate(selectItem), itemID)
}

func (s *SQLStore) queryItem(ctx context.Context, query string, itemID int64) (*domain.Item, error) {
	var (
		item     domain.Item
		tokenID  int64
		seller   string
		buyer    string
		listedAt int64
		soldAt   sql.NullInt64
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, itemID).Scan(
		&item.ID, &item.AssetRef, &tokenID, &item.Price, &seller,
		&item.Sold, &buyer, &listedAt, &soldAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	item.TokenID = uint64(tokenID)
	item.Seller = domain.Address(seller)
	item.Buyer = domain.Address(buyer)
	item.ListedAt = time.UnixMilli(listedAt).UTC()
	if soldAt.Valid {
		at := time.UnixMilli(soldAt.Int64).UTC()
		item.SoldAt = &at
	}
	return &item, nil
}

func (s *SQLStore) MarkSold(ctx context.Context, itemID int64, buyer domain.Address, at time.Time) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE items SET sold = 1, buyer = ?, sold_at = ?
		WHERE id = ? AND sold = 0`,
		string(buyer), at.UTC().UnixMilli(), itemID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrItemSold
	}
	return nil
}

func (s *SQLStore) ItemCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT value FROM item_sequence WHERE name = 'items'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query item sequence: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Credit(ctx context.Context, account domain.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative credit %d", amount)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, s.dialect.creditUpsert, string(account), amount); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (s *SQLStore) Balance(ctx context.Context, account domain.Address) (int64, error) {
	var amount int64
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE account = ?`, string(account),
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return amount, nil
}
