// Package robinhood is a signed REST client for the Robinhood crypto
// trading API.
package robinhood

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dip-bot/internal/asset"
	"dip-bot/internal/broker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	holdingsPath    = "/api/v1/crypto/trading/holdings/"
	bestBidAskPath  = "/api/v1/crypto/marketdata/best_bid_ask/"
	ordersPath      = "/api/v1/crypto/trading/orders/"
	accountsPath    = "/api/v1/crypto/trading/accounts/"
	maxHoldingPages = 20
)

type Config struct {
	BaseURL          string
	APIKey           string
	PrivateKey       string
	Timeout          time.Duration
	FillTimeout      time.Duration
	FillPollInterval time.Duration
}

type Client struct {
	baseURL      string
	apiKey       string
	key          ed25519.PrivateKey
	http         *http.Client
	fillTimeout  time.Duration
	pollInterval time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("robinhood api key is required")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		key:          key,
		http:         &http.Client{Timeout: cfg.Timeout},
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.FillPollInterval,
		log:          log,
		now:          time.Now,
	}, nil
}

// parsePrivateKey accepts a base64 encoded 32 byte seed or 64 byte key.
func parsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// sign returns the base64 signature of apiKey+timestamp+path+method+body.
func (c *Client) sign(timestamp, path, method, body string) string {
	msg := c.apiKey + timestamp + path + method + body
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.key, []byte(msg)))
}

type apiError struct {
	Type   string `json:"type"`
	Errors []struct {
		Detail string `json:"detail"`
		Attr   string `json:"attr"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("x-timestamp", timestamp)
	req.Header.Set("x-signature", c.sign(timestamp, path, method, string(body)))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(status int, raw []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(raw, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		detail := apiErr.Errors[0].Detail
		lower := strings.ToLower(detail)
		switch {
		case strings.Contains(lower, "insufficient buying power"), strings.Contains(lower, "insufficient funds"):
			return fmt.Errorf("http %d: %s: %w", status, detail, broker.ErrInsufficientFunds)
		case strings.Contains(lower, "insufficient") && strings.Contains(lower, "quantity"):
			return fmt.Errorf("http %d: %s: %w", status, detail, broker.ErrInsufficientBalance)
		}
		return fmt.Errorf("http %d: %s", status, detail)
	}
	return fmt.Errorf("http %d: %s", status, string(raw))
}

type holdingsResponse struct {
	Next    *string `json:"next"`
	Results []struct {
		AssetCode                   string          `json:"asset_code"`
		TotalQuantity               decimal.Decimal `json:"total_quantity"`
		QuantityAvailableForTrading decimal.Decimal `json:"quantity_available_for_trading"`
	} `json:"results"`
}

// FetchHoldings follows the next cursor and keeps tracked assets only.
func (c *Client) FetchHoldings(ctx context.Context) ([]broker.Holding, error) {
	var out []broker.Holding
	path := holdingsPath
	for page := 0; page < maxHoldingPages && path != ""; page++ {
		var resp holdingsResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("fetch holdings: %w", err)
		}
		for _, h := range resp.Results {
			a, err := asset.Parse(h.AssetCode)
			if err != nil {
				continue
			}
			out = append(out, broker.Holding{
				Asset:             a,
				TotalQuantity:     h.TotalQuantity,
				AvailableQuantity: h.QuantityAvailableForTrading,
			})
		}
		path = ""
		if resp.Next != nil && *resp.Next != "" {
			next, err := url.Parse(*resp.Next)
			if err != nil {
				return nil, fmt.Errorf("parse holdings cursor: %w", err)
			}
			path = next.RequestURI()
		}
	}
	return out, nil
}

type bestBidAskResponse struct {
	Results []struct {
		Symbol    string          `json:"symbol"`
		Price     decimal.Decimal `json:"price"`
		Timestamp string          `json:"timestamp"`
	} `json:"results"`
}

func (c *Client) FetchBestQuotes(ctx context.Context, assets []asset.Asset) ([]broker.MarketQuote, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	params := make([]string, 0, len(assets))
	for _, a := range assets {
		params = append(params, "symbol="+a.Pair())
	}
	var resp bestBidAskResponse
	if err := c.do(ctx, http.MethodGet, bestBidAskPath+"?"+strings.Join(params, "&"), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch best bid/ask: %w", err)
	}
	out := make([]broker.MarketQuote, 0, len(resp.Results))
	for _, r := range resp.Results {
		a, ok := asset.FromPair(r.Symbol)
		if !ok || !r.Price.IsPositive() {
			continue
		}
		observed := c.now()
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			observed = ts
		}
		out = append(out, broker.MarketQuote{Asset: a, Price: r.Price, ObservedAt: observed})
	}
	return out, nil
}

type orderPayload struct {
	ClientOrderID     string            `json:"client_order_id"`
	Side              broker.Side       `json:"side"`
	Symbol            string            `json:"symbol"`
	Type              string            `json:"type"`
	MarketOrderConfig marketOrderConfig `json:"market_order_config"`
}

type marketOrderConfig struct {
	AssetQuantity string `json:"asset_quantity"`
}

type orderResponse struct {
	ID                  string              `json:"id"`
	ClientOrderID       string              `json:"client_order_id"`
	Symbol              string              `json:"symbol"`
	Side                broker.Side         `json:"side"`
	State               string              `json:"state"`
	AveragePrice        decimal.NullDecimal `json:"average_price"`
	FilledAssetQuantity decimal.Decimal     `json:"filled_asset_quantity"`
}

const (
	stateFilled   = "filled"
	stateFailed   = "failed"
	stateCanceled = "canceled"
)

// PlaceMarketOrder submits a market order and polls it until it reaches a
// terminal state or the fill timeout expires. An order still open at the
// deadline is returned with Filled=false.
func (c *Client) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderConfirmation, error) {
	qty := req.Asset.Truncate(req.Quantity)
	if !qty.IsPositive() {
		return broker.OrderConfirmation{}, fmt.Errorf("quantity %s truncates to zero", req.Quantity)
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	payload := orderPayload{
		ClientOrderID:     clientID,
		Side:              req.Side,
		Symbol:            req.Asset.Pair(),
		Type:              "market",
		MarketOrderConfig: marketOrderConfig{AssetQuantity: qty.String()},
	}
	var placed orderResponse
	if err := c.do(ctx, http.MethodPost, ordersPath, payload, &placed); err != nil {
		return broker.OrderConfirmation{}, fmt.Errorf("place order: %w", err)
	}
	final, err := c.awaitTerminal(ctx, placed)
	if err != nil {
		return broker.OrderConfirmation{}, err
	}
	conf := broker.OrderConfirmation{
		OrderID:        final.ID,
		ClientOrderID:  clientID,
		Asset:          req.Asset,
		Side:           req.Side,
		Quantity:       qty,
		FilledQuantity: final.FilledAssetQuantity,
		State:          final.State,
		Filled:         final.State == stateFilled,
	}
	if final.AveragePrice.Valid {
		conf.AveragePrice = final.AveragePrice.Decimal
	}
	switch final.State {
	case stateFailed, stateCanceled:
		return conf, fmt.Errorf("order %s %s", final.ID, final.State)
	}
	return conf, nil
}

func (c *Client) awaitTerminal(ctx context.Context, order orderResponse) (orderResponse, error) {
	if isTerminal(order.State) || c.fillTimeout <= 0 || order.ID == "" {
		return order, nil
	}
	interval := c.pollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.NewTimer(c.fillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return order, nil
		case <-deadline.C:
			c.log.Warn("order not terminal before fill timeout",
				zap.String("order_id", order.ID),
				zap.String("state", order.State),
			)
			return order, nil
		case <-ticker.C:
			latest, err := c.getOrder(ctx, order.ID)
			if err != nil {
				c.log.Warn("order status poll failed", zap.String("order_id", order.ID), zap.Error(err))
				continue
			}
			order = latest
			if isTerminal(order.State) {
				return order, nil
			}
		}
	}
}

func isTerminal(state string) bool {
	switch state {
	case stateFilled, stateFailed, stateCanceled:
		return true
	}
	return false
}

func (c *Client) getOrder(ctx context.Context, id string) (orderResponse, error) {
	var resp orderResponse
	err := c.do(ctx, http.MethodGet, ordersPath+url.PathEscape(id)+"/", nil, &resp)
	return resp, err
}

type Account struct {
	AccountNumber string          `json:"account_number"`
	Status        string          `json:"status"`
	BuyingPower   decimal.Decimal `json:"buying_power"`
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, accountsPath, nil, &acct); err != nil {
		return Account{}, fmt.Errorf("fetch account: %w", err)
	}
	return acct, nil
}
