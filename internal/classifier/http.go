package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
)

// HTTPScorer posts prices to a remote scoring endpoint.
type HTTPScorer struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewHTTPScorer(url, apiKey string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{url: url, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

type scoreRequest struct {
	BTCPrices       []float64 `json:"btcPrices,omitempty"`
	ETHPrices       []float64 `json:"ethPrices,omitempty"`
	CurrentBTCPrice float64   `json:"currentBtcPrice"`
	CurrentETHPrice float64   `json:"currentEthPrice"`
}

func floats(values []decimal.Decimal) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.InexactFloat64()
	}
	return out
}

func (s *HTTPScorer) ScoreDips(ctx context.Context, in Input) (Result, error) {
	payload, err := json.Marshal(scoreRequest{
		BTCPrices:       floats(in.History[asset.BTC]),
		ETHPrices:       floats(in.History[asset.ETH]),
		CurrentBTCPrice: in.CurrentPrices[asset.BTC].InexactFloat64(),
		CurrentETHPrice: in.CurrentPrices[asset.ETH].InexactFloat64(),
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, fmt.Errorf("classifier http %d: %s", resp.StatusCode, string(body))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode classifier response: %w", err)
	}
	return res, nil
}
