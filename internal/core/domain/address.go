package domain

import "strings"

// Address identifies an account: a seller, a buyer, the fee recipient or the
// marketplace operator itself.
type Address string

func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

func (a Address) String() string {
	return string(a)
}
