package strategy

import (
	"regexp"
	"strconv"
	"strings"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

var percentPattern = regexp.MustCompile(`(\d+)%`)

// ParseRecommendation turns classifier text such as "Buy BTC 60%, ETH 40%"
// into allocations. Text without "buy" means hold. A buy that names assets
// without any percentage allocates 1.0 to each named asset. Fractions are
// not normalized; callers cap spend instead.
//
// Every asset named in a comma segment takes that segment's percentage, so
// "Buy BTC and ETH 50%" yields 0.5 for each rather than for BTC alone.
func ParseRecommendation(text string) []Allocation {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "buy") {
		return nil
	}
	var out []Allocation
	for _, segment := range strings.Split(lower, ",") {
		for _, a := range asset.All {
			if !strings.Contains(segment, strings.ToLower(a.Symbol())) {
				continue
			}
			m := percentPattern.FindStringSubmatch(segment)
			if m == nil {
				continue
			}
			pct, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			out = append(out, Allocation{Asset: a, Fraction: decimal.New(pct, -2)})
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, a := range asset.All {
		if strings.Contains(lower, strings.ToLower(a.Symbol())) {
			out = append(out, Allocation{Asset: a, Fraction: decimal.NewFromInt(1)})
		}
	}
	return out
}

// MergeAllocations sums repeated assets into one allocation, keeping the
// order in which each asset first appears.
func MergeAllocations(allocs []Allocation) []Allocation {
	var out []Allocation
	index := make(map[asset.Asset]int, len(allocs))
	for _, alloc := range allocs {
		if i, ok := index[alloc.Asset]; ok {
			out[i].Fraction = out[i].Fraction.Add(alloc.Fraction)
			continue
		}
		index[alloc.Asset] = len(out)
		out = append(out, alloc)
	}
	return out
}
