package domain

import "time"

type ItemStatus string

const (
	ItemStatusListed ItemStatus = "listed"
	ItemStatusSold   ItemStatus = "sold"
)

type Item struct {
	ID       int64
	AssetRef string
	TokenID  uint64
	Price    int64
	Seller   Address
	Sold     bool
	Buyer    Address
	ListedAt time.Time
	SoldAt   *time.Time
}

func (i Item) Status() ItemStatus {
	if i.Sold {
		return ItemStatusSold
	}
	return ItemStatusListed
}
