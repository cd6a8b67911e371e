package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newFileLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "trading_log.csv")
	return New(NewFileBackend(path, zap.NewNop()), zap.NewNop()), path
}

func TestRecordBuyWritesLine(t *testing.T) {
	l, path := newFileLedger(t)
	at := time.UnixMilli(1700000000123)
	if err := l.RecordBuy(context.Background(), asset.BTC, decimal.NewFromInt(50000), "", at); err != nil {
		t.Fatalf("record: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "buy,50000,n/a,BTC,BTC,1700000000123" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestMostRecentBuyPriceUsesLatestTimestamp(t *testing.T) {
	l, _ := newFileLedger(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	_ = l.RecordBuy(ctx, asset.BTC, decimal.NewFromInt(52000), "b", base.Add(time.Hour))
	_ = l.RecordBuy(ctx, asset.BTC, decimal.NewFromInt(50000), "a", base)
	_ = l.RecordBuy(ctx, asset.ETH, decimal.NewFromInt(3000), "c", base.Add(2*time.Hour))

	price, ok := l.MostRecentBuyPrice(ctx, asset.BTC)
	if !ok || !price.Equal(decimal.NewFromInt(52000)) {
		t.Fatalf("expected 52000, got %s %v", price, ok)
	}
	price, ok = l.MostRecentBuyPrice(ctx, asset.ETH)
	if !ok || !price.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected 3000, got %s %v", price, ok)
	}
}

func TestMostRecentBuyPriceTieGoesToLastAppended(t *testing.T) {
	l, _ := newFileLedger(t)
	ctx := context.Background()
	at := time.UnixMilli(1700000000000)
	_ = l.RecordBuy(ctx, asset.ETH, decimal.NewFromInt(2900), "a", at)
	_ = l.RecordBuy(ctx, asset.ETH, decimal.NewFromInt(2950), "b", at)
	price, ok := l.MostRecentBuyPrice(ctx, asset.ETH)
	if !ok || !price.Equal(decimal.NewFromInt(2950)) {
		t.Fatalf("expected 2950, got %s %v", price, ok)
	}
}

func TestMostRecentBuyPriceAbsent(t *testing.T) {
	l, _ := newFileLedger(t)
	if _, ok := l.MostRecentBuyPrice(context.Background(), asset.BTC); ok {
		t.Fatalf("expected absent price for missing ledger")
	}
}

func TestCorruptLinesAreSkipped(t *testing.T) {
	l, path := newFileLedger(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "" +
		"buy,50000,ord-1,BTC,BTC,1700000000000\n" +
		"garbage line\n" +
		"buy,not-a-number,ord-2,BTC,BTC,1700000001000\n" +
		"buy,51000,ord-3,DOGE,DOGE,1700000002000\n" +
		"buy,-5,ord-4,BTC,BTC,1700000003000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := l.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].OrderID != "ord-1" {
		t.Fatalf("expected only the valid entry, got %+v", entries)
	}
	price, ok := l.MostRecentBuyPrice(context.Background(), asset.BTC)
	if !ok || !price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected 50000, got %s %v", price, ok)
	}
}

func TestUnreadableLedgerReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	l := New(NewFileBackend(dir, zap.NewNop()), zap.NewNop())
	if _, ok := l.MostRecentBuyPrice(context.Background(), asset.BTC); ok {
		t.Fatalf("expected absent price for unreadable ledger")
	}
	if err := l.RecordBuy(context.Background(), asset.BTC, decimal.NewFromInt(1), "x", time.Now()); err == nil {
		t.Fatalf("expected append error when path is a directory")
	}
}
