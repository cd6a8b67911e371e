// Package asset defines the fixed set of tradable crypto assets.
package asset

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	BTC Asset = "BTC"
	ETH Asset = "ETH"
)

// All lists the tracked assets in declaration order. Every per-asset loop
// iterates in this order.
var All = []Asset{BTC, ETH}

func (a Asset) Symbol() string {
	return string(a)
}

// Pair is the brokerage trading pair, e.g. BTC-USD.
func (a Asset) Pair() string {
	return string(a) + "-USD"
}

// Precision is the number of decimal places the brokerage accepts for
// order quantities.
func (a Asset) Precision() int32 {
	switch a {
	case BTC:
		return 8
	case ETH:
		return 6
	default:
		return 5
	}
}

// Truncate cuts qty down to the asset's precision. It never rounds up.
func (a Asset) Truncate(qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(a.Precision())
}

func (a Asset) Valid() bool {
	for _, known := range All {
		if a == known {
			return true
		}
	}
	return false
}

// Parse accepts a symbol or trading pair in any case.
func Parse(s string) (Asset, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "-USD")
	a := Asset(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown asset %q", s)
	}
	return a, nil
}

// FromPair maps a trading pair back to its asset.
func FromPair(pair string) (Asset, bool) {
	for _, a := range All {
		if strings.EqualFold(a.Pair(), pair) {
			return a, true
		}
	}
	return "", false
}
