package handler

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var errInvalidAmount = errors.New("invalid amount")

// AmountCodec converts between decimal strings on the wire ("2.02") and
// integer minor units in the ledger (202 with two decimals).
type AmountCodec struct {
	decimals int32
}

func NewAmountCodec(decimals int32) AmountCodec {
	return AmountCodec{decimals: decimals}
}

func (c AmountCodec) Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalidAmount, s)
	}
	minor := d.Shift(c.decimals)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", errInvalidAmount, s, c.decimals)
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: %q out of range", errInvalidAmount, s)
	}
	return minor.IntPart(), nil
}

func (c AmountCodec) Format(minor int64) string {
	return decimal.New(minor, -c.decimals).StringFixed(c.decimals)
}
