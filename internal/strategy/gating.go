package strategy

import (
	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"github.com/shopspring/decimal"
)

// ProfitTarget is buyPrice * (1 + pct).
func ProfitTarget(buyPrice, pct decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Add(pct))
}

// ShouldSell requires tradable quantity, a recorded buy price and a price
// strictly above the profit target.
func ShouldSell(available, price, buyPrice decimal.Decimal, hasBuyPrice bool, pct decimal.Decimal) bool {
	if !available.IsPositive() || !price.IsPositive() || !hasBuyPrice {
		return false
	}
	return price.GreaterThan(ProfitTarget(buyPrice, pct))
}

// CryptoValue sums totalQuantity * price over holdings with a quote.
func CryptoValue(holdings []broker.Holding, quotes []broker.MarketQuote) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		q, ok := broker.FindQuote(quotes, h.Asset)
		if !ok {
			continue
		}
		total = total.Add(h.TotalQuantity.Mul(q.Price))
	}
	return total
}

// InvestableCapital is the headroom under the ceiling. It may be negative.
func InvestableCapital(maxInvestment, cryptoValue decimal.Decimal) decimal.Decimal {
	return maxInvestment.Sub(cryptoValue)
}

// PassesDipGate reports whether a score clears the buy threshold.
func PassesDipGate(score, threshold float64) bool {
	return score >= threshold
}

// BuyAmount is investable * fraction capped at whatever of investable is
// still uncommitted this cycle.
func BuyAmount(investable, fraction, committed decimal.Decimal) decimal.Decimal {
	amount := investable.Mul(fraction)
	remaining := investable.Sub(committed)
	if amount.GreaterThan(remaining) {
		amount = remaining
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// BuyQuantity converts a USD amount to an order quantity truncated to the
// asset's precision.
func BuyQuantity(a asset.Asset, amount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return a.Truncate(amount.Div(price))
}
