// Package scoring computes wallet reputation scores and runs the sharded
// scoring cycle over the whole wallet population.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/pumpscope/pumpscope/internal/market"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds every constant of the scoring formula.
type Config struct {
	BuyFee        float64       `yaml:"buy_fee"`        // buys cost amount * BuyFee
	SellFee       float64       `yaml:"sell_fee"`       // sells yield amount * SellFee
	Plateau       time.Duration `yaml:"plateau"`        // full-weight window
	Lambda        float64       `yaml:"lambda"`         // decay per day after the plateau
	CreatorWeight float64       `yaml:"creator_weight"` // weight multiplier for self-created assets

	WashTrades     int           `yaml:"wash_trades"`      // window length in trades
	WashMaxSOL     float64       `yaml:"wash_max_sol"`     // every trade in the window below this
	WashMaxSpan    time.Duration `yaml:"wash_max_span"`    // window first→last at most this
	RatBalance     float64       `yaml:"rat_balance"`      // ending balance below this (tokens) → rat asset
	RatMultiplier  float64       `yaml:"rat_multiplier"`   // applied to a rat asset's contribution
	RatPenaltyStep float64       `yaml:"rat_penalty_step"` // global penalty per rat asset, capped at 1
}

// DefaultConfig returns the production scoring constants.
func DefaultConfig() Config {
	return Config{
		BuyFee:         1.01,
		SellFee:        0.99,
		Plateau:        7 * 24 * time.Hour,
		Lambda:         0.3,
		CreatorWeight:  1e-6,
		WashTrades:     10,
		WashMaxSOL:     0.1,
		WashMaxSpan:    60 * time.Second,
		RatBalance:     -100,
		RatMultiplier:  0.1,
		RatPenaltyStep: 0.1,
	}
}

const day = 24 * time.Hour

// ---------------------------------------------------------------------------
// Scorer
// ---------------------------------------------------------------------------

// Input is everything needed to score one wallet.
type Input struct {
	Wallet string
	Trades []market.WalletTrade
	// LastTrades maps mint → the most recent trade on that mint by anyone.
	LastTrades map[string]market.Trade
	Now        time.Time
}

// Result is a wallet score plus the diagnostics behind it.
type Result struct {
	market.WalletScore
	TradeCount int      `json:"trade_count"`
	WashAssets []string `json:"wash_assets,omitempty"`
	RatAssets  []string `json:"rat_assets,omitempty"`
}

// Scorer is stateless; one value can be shared by every worker.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given constants.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Weight returns the time weight of a trade at ts seen from now.
func (s *Scorer) Weight(ts int64, now time.Time) float64 {
	days := float64(now.Unix()-ts) / day.Seconds()
	plateau := s.cfg.Plateau.Hours() / 24
	if days <= plateau {
		return 1.0
	}
	return math.Exp(-s.cfg.Lambda * (days - plateau))
}

// CashFlow is the fee-adjusted SOL flow of one trade: negative for buys.
func (s *Scorer) CashFlow(t market.WalletTrade) float64 {
	amount := t.Units.SOL(t.SolAmount)
	if t.IsBuy {
		return -amount * s.cfg.BuyFee
	}
	return amount * s.cfg.SellFee
}

// Score computes the reputation and windowed PnL of one wallet. A wallet with
// no trades scores zero everywhere.
func (s *Scorer) Score(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	res := Result{
		WalletScore: market.WalletScore{Wallet: in.Wallet, UpdatedAt: now},
		TradeCount:  len(in.Trades),
	}
	if len(in.Trades) == 0 {
		return res
	}

	// Windowed PnL covers every trade, wash assets included, unweighted.
	nowUnix := now.Unix()
	for _, t := range in.Trades {
		cf := s.CashFlow(t)
		if t.Timestamp >= nowUnix-int64(day.Seconds()) {
			res.PnL1d += cf
		}
		if t.Timestamp >= nowUnix-int64((7 * day).Seconds()) {
			res.PnL7d += cf
		}
		if t.Timestamp >= nowUnix-int64((30 * day).Seconds()) {
			res.PnL30d += cf
		}
	}

	groups := groupByMint(in.Trades)
	mints := make([]string, 0, len(groups))
	for mint := range groups {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	var score float64
	for _, mint := range mints {
		trades := groups[mint]
		if s.isWash(trades) {
			res.WashAssets = append(res.WashAssets, mint)
			continue
		}

		var contribution, balance float64
		selfCreated := false
		for _, t := range trades {
			w := s.Weight(t.Timestamp, now)
			if t.Creator == in.Wallet {
				w *= s.cfg.CreatorWeight
				selfCreated = true
			}
			contribution += s.CashFlow(t) * w

			amount := t.Units.Tokens(t.TokenAmount)
			if t.IsBuy {
				balance += amount
			} else {
				balance -= amount
			}
		}

		switch {
		case balance < s.cfg.RatBalance:
			contribution *= s.cfg.RatMultiplier
			res.RatAssets = append(res.RatAssets, mint)
		case balance > 0:
			v, ok := markToMarket(balance, in.LastTrades[mint], trades[0].Units)
			if ok {
				if selfCreated {
					v *= s.cfg.CreatorWeight
				}
				contribution += v
			}
		}
		score += contribution
	}

	if n := len(res.RatAssets); n > 0 {
		score -= math.Abs(score) * math.Min(1, float64(n)*s.cfg.RatPenaltyStep)
	}
	res.Score = score
	return res
}

// isWash reports whether a time-sorted asset group contains a run of
// WashTrades consecutive small trades within WashMaxSpan.
func (s *Scorer) isWash(trades []market.WalletTrade) bool {
	n := s.cfg.WashTrades
	if n <= 0 || len(trades) < n {
		return false
	}
	span := int64(s.cfg.WashMaxSpan.Seconds())
	run := 0
	for i, t := range trades {
		if t.Units.SOL(t.SolAmount) < s.cfg.WashMaxSOL {
			run++
		} else {
			run = 0
		}
		if run >= n && t.Timestamp-trades[i-n+1].Timestamp <= span {
			return true
		}
	}
	return false
}

// markToMarket values an open position at the price of the asset's latest trade.
// It reports false when there is no usable last trade.
func markToMarket(balance float64, last market.Trade, units market.Units) (float64, bool) {
	tokens := units.Tokens(last.TokenAmount)
	if tokens <= 0 {
		return 0, false
	}
	return balance / tokens * units.SOL(last.SolAmount), true
}

func groupByMint(trades []market.WalletTrade) map[string][]market.WalletTrade {
	groups := make(map[string][]market.WalletTrade)
	for _, t := range trades {
		groups[t.Mint] = append(groups[t.Mint], t)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Timestamp != g[j].Timestamp {
				return g[i].Timestamp < g[j].Timestamp
			}
			return g[i].Signature < g[j].Signature
		})
	}
	return groups
}
