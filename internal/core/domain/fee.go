package domain

import (
	"errors"
	"fmt"
	"math"
)

const MaxFeePercent = 100

var ErrInvalidFeePercent = errors.New("invalid fee percent")

// FeeConfig is the commission applied to every sale. It is built once at
// startup and never mutated.
type FeeConfig struct {
	account Address
	percent int64
}

func NewFeeConfig(account Address, percent int64) (FeeConfig, error) {
	if account.IsZero() {
		return FeeConfig{}, errors.New("fee account is required")
	}
	if percent < 0 || percent > MaxFeePercent {
		return FeeConfig{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidFeePercent, percent, MaxFeePercent)
	}
	return FeeConfig{account: account, percent: percent}, nil
}

func (f FeeConfig) Account() Address { return f.account }

func (f FeeConfig) Percent() int64 { return f.percent }

// Fee truncates toward zero: a price of 2 at 1% carries no fee.
func (f FeeConfig) Fee(price int64) int64 {
	return price * f.percent / 100
}

func (f FeeConfig) TotalPrice(price int64) int64 {
	return price + f.Fee(price)
}

// MaxPrice bounds listing prices so that price*percent and the total price
// both fit in an int64.
func (f FeeConfig) MaxPrice() int64 {
	return math.MaxInt64 / (100 + f.percent)
}
