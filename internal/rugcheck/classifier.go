// Package rugcheck classifies an asset's trade batch as clean or as showing a
// creator/ghost-wallet extraction pattern.
package rugcheck

import (
	"github.com/pumpscope/pumpscope/internal/market"
)

// Basis is the amount field volumes are measured in.
type Basis string

const (
	BasisToken Basis = "token"
	BasisSOL   Basis = "sol"
)

// Config holds the classification thresholds, expressed as fractions of the
// creator's buy volume.
type Config struct {
	FlagRatio float64 `yaml:"flag_ratio"` // (creator sells + ghost sells) above this → flagged
	WashRatio float64 `yaml:"wash_ratio"` // ghost sells above this → flagged_wash
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FlagRatio: 0.5,
		WashRatio: 0.3,
	}
}

// Assessment is the full result of one evaluation, kept for logging.
type Assessment struct {
	Basis       Basis          `json:"basis"`
	CreatorBuy  float64        `json:"creator_buy"`
	CreatorSell float64        `json:"creator_sell"`
	GhostSell   float64        `json:"ghost_sell"` // sells by wallets with no buy in the batch
	Verdict     market.Verdict `json:"verdict"`
}

// Classify returns the verdict for one asset's trade batch using the default
// thresholds.
func Classify(trades []market.Trade, creator string, units market.Units) market.Verdict {
	return DefaultConfig().Evaluate(trades, creator, units).Verdict
}

// DetectBasis picks the amount field for a batch: token amounts when any trade
// carries one, SOL amounts otherwise.
func DetectBasis(trades []market.Trade) Basis {
	for _, t := range trades {
		if t.TokenAmount != 0 {
			return BasisToken
		}
	}
	return BasisSOL
}

// Evaluate partitions the batch into creator buy, creator sell and ghost sell
// volume and applies the thresholds. A batch where the creator bought nothing is
// always clean.
func (c Config) Evaluate(trades []market.Trade, creator string, units market.Units) Assessment {
	basis := DetectBasis(trades)
	amount := func(t market.Trade) float64 {
		if basis == BasisToken {
			return units.Tokens(t.TokenAmount)
		}
		return units.SOL(t.SolAmount)
	}

	buyers := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if t.IsBuy {
			buyers[t.Wallet] = struct{}{}
		}
	}

	a := Assessment{Basis: basis}
	for _, t := range trades {
		v := amount(t)
		if t.Wallet == creator {
			if t.IsBuy {
				a.CreatorBuy += v
			} else {
				a.CreatorSell += v
			}
		}
		if !t.IsBuy {
			if _, bought := buyers[t.Wallet]; !bought {
				a.GhostSell += v
			}
		}
	}

	switch {
	case a.CreatorBuy <= 0:
		a.Verdict = market.VerdictClean
	case a.CreatorSell+a.GhostSell > c.FlagRatio*a.CreatorBuy:
		a.Verdict = market.VerdictFlagged
		if a.GhostSell > c.WashRatio*a.CreatorBuy {
			a.Verdict = market.VerdictFlaggedWash
		}
	default:
		a.Verdict = market.VerdictClean
	}
	return a
}
