package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"dip-bot/internal/asset"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FileBackend stores one entry per line, oldest first:
//
//	buy,<price>,<orderId|n/a>,<ASSET>,<ASSET>,<unix millis>
type FileBackend struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

func NewFileBackend(path string, log *zap.Logger) *FileBackend {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileBackend{path: path, log: log}
}

func (f *FileBackend) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	w := csv.NewWriter(file)
	werr := w.Write(encodeRecord(entry))
	w.Flush()
	if werr == nil {
		werr = w.Error()
	}
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write ledger: %w", werr)
	}
	return nil
}

func (f *FileBackend) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var entries []Entry
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				f.log.Warn("skipping malformed ledger line", zap.Int("line", parseErr.Line), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		entry, err := decodeRecord(record)
		if err != nil {
			line, _ := r.FieldPos(0)
			f.log.Warn("skipping corrupt ledger line", zap.Int("line", line), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func encodeRecord(e Entry) []string {
	return []string{
		"buy",
		e.BuyPrice.String(),
		e.OrderID,
		e.Asset.Symbol(),
		e.Asset.Symbol(),
		strconv.FormatInt(e.RecordedAt.UnixMilli(), 10),
	}
}

func decodeRecord(record []string) (Entry, error) {
	if len(record) != 6 {
		return Entry{}, fmt.Errorf("expected 6 fields, got %d", len(record))
	}
	if !strings.EqualFold(record[0], "buy") {
		return Entry{}, fmt.Errorf("unknown action %q", record[0])
	}
	price, err := decimal.NewFromString(record[1])
	if err != nil {
		return Entry{}, fmt.Errorf("price: %w", err)
	}
	if !price.IsPositive() {
		return Entry{}, fmt.Errorf("non-positive price %s", price)
	}
	a, err := asset.Parse(record[3])
	if err != nil {
		return Entry{}, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(record[5]), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("timestamp: %w", err)
	}
	return Entry{
		Asset:      a,
		BuyPrice:   price,
		OrderID:    record[2],
		RecordedAt: time.UnixMilli(ms),
	}, nil
}
