package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

// HeuristicScorer scores dips offline from the recorded price window. Each
// percent below the window mean adds 10 points to a neutral 50, and each
// percent below the window high adds 2.5 more. Without history every score
// is 0.
type HeuristicScorer struct {
	threshold float64
}

func NewHeuristicScorer(threshold float64) *HeuristicScorer {
	return &HeuristicScorer{threshold: threshold}
}

func (h *HeuristicScorer) ScoreDips(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	scores := make(map[asset.Asset]float64, len(asset.All))
	for _, a := range asset.All {
		current, ok := in.CurrentPrices[a]
		if !ok || !current.IsPositive() {
			continue
		}
		scores[a] = dipScore(current, in.History[a])
	}
	return Result{
		BTCDipScore:    scores[asset.BTC],
		ETHDipScore:    scores[asset.ETH],
		Recommendation: h.recommend(scores),
	}, nil
}

func dipScore(current decimal.Decimal, history []decimal.Decimal) float64 {
	if len(history) < 2 {
		return 0
	}
	sum := decimal.Zero
	high := history[0]
	for _, p := range history {
		sum = sum.Add(p)
		if p.GreaterThan(high) {
			high = p
		}
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(history))))
	if !mean.IsPositive() || !high.IsPositive() {
		return 0
	}
	belowMean := mean.Sub(current).Div(mean).InexactFloat64()
	belowHigh := high.Sub(current).Div(high).InexactFloat64()
	score := 50 + belowMean*1000 + belowHigh*250
	return math.Round(math.Max(0, math.Min(100, score)))
}

// recommend splits the allocation across qualifying assets by score, in the
// "Buy BTC 60%, ETH 40%" form.
func (h *HeuristicScorer) recommend(scores map[asset.Asset]float64) string {
	var (
		picks []asset.Asset
		total float64
	)
	for _, a := range asset.All {
		if scores[a] >= h.threshold && scores[a] > 0 {
			picks = append(picks, a)
			total += scores[a]
		}
	}
	if len(picks) == 0 {
		return "Hold"
	}
	parts := make([]string, 0, len(picks))
	assigned := 0
	for i, a := range picks {
		pct := int(math.Floor(scores[a] / total * 100))
		if i == len(picks)-1 {
			pct = 100 - assigned
		}
		assigned += pct
		parts = append(parts, fmt.Sprintf("%s %d%%", a.Symbol(), pct))
	}
	return "Buy " + strings.Join(parts, ", ")
}
