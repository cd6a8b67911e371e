package state

import (
	"context"
	"encoding/json"
	"strings"

	"dip-bot/internal/broker"
)

const HoldingsSnapshotKey = "engine:last_holdings"

// HoldingsSnapshot is the last successfully fetched portfolio. It seeds the
// engine's last-known state across restarts.
type HoldingsSnapshot struct {
	Holdings    []broker.Holding `json:"holdings"`
	CycleID     string           `json:"cycle_id"`
	UpdatedAtMS int64            `json:"updated_at_ms"`
}

func LoadHoldingsSnapshot(ctx context.Context, store Store) (HoldingsSnapshot, bool, error) {
	if store == nil {
		return HoldingsSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, HoldingsSnapshotKey)
	if err != nil {
		return HoldingsSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return HoldingsSnapshot{}, false, nil
	}
	var snapshot HoldingsSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return HoldingsSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveHoldingsSnapshot(ctx context.Context, store Store, snapshot HoldingsSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, HoldingsSnapshotKey, string(payload))
}
