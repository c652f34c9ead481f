package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/pumpscope/pumpscope/internal/market"
)

// WatchSet is an immutable snapshot of the wallets whose score is above the
// alert threshold. It is replaced wholesale at the start of every run, never
// mutated.
type WatchSet struct {
	threshold float64
	wallets   map[string]market.WalletScore
	loadedAt  time.Time
}

// WatchSource loads scored wallets above a threshold.
type WatchSource interface {
	LoadWatchSet(ctx context.Context, threshold float64) (map[string]market.WalletScore, error)
}

// NewWatchSet copies wallets into a snapshot.
func NewWatchSet(threshold float64, wallets map[string]market.WalletScore, at time.Time) *WatchSet {
	m := make(map[string]market.WalletScore, len(wallets))
	for k, v := range wallets {
		m[k] = v
	}
	return &WatchSet{threshold: threshold, wallets: m, loadedAt: at}
}

// LoadWatchSet reads a fresh snapshot from src.
func LoadWatchSet(ctx context.Context, src WatchSource, threshold float64) (*WatchSet, error) {
	wallets, err := src.LoadWatchSet(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("ingest: load watch set: %w", err)
	}
	return NewWatchSet(threshold, wallets, time.Now()), nil
}

// Lookup returns the wallet's score if it is watched. Safe on a nil set.
func (w *WatchSet) Lookup(wallet string) (market.WalletScore, bool) {
	if w == nil {
		return market.WalletScore{}, false
	}
	s, ok := w.wallets[wallet]
	return s, ok
}

// Len returns the number of watched wallets.
func (w *WatchSet) Len() int {
	if w == nil {
		return 0
	}
	return len(w.wallets)
}

// Threshold is the score the snapshot was loaded with.
func (w *WatchSet) Threshold() float64 {
	if w == nil {
		return 0
	}
	return w.threshold
}

// LoadedAt is when the snapshot was taken.
func (w *WatchSet) LoadedAt() time.Time {
	if w == nil {
		return time.Time{}
	}
	return w.loadedAt
}
