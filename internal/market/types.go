// Package market holds the domain records shared by ingestion, classification
// and scoring: assets (mints), trades, wallet scores and integrity verdicts.
package market

import "time"

// ---------------------------------------------------------------------------
// Verdict
// ---------------------------------------------------------------------------

// Verdict is the integrity classification of an asset.
type Verdict int

const (
	VerdictUnknown     Verdict = iota // never evaluated
	VerdictClean                      // no extraction pattern
	VerdictFlagged                    // creator/ghost sells exceed half of creator buys
	VerdictFlaggedWash                // flagged, and ghost-wallet sells alone are large
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictFlagged:
		return "flagged"
	case VerdictFlaggedWash:
		return "flagged_wash"
	default:
		return "unknown"
	}
}

// Flagged reports whether the verdict is any flagged state.
func (v Verdict) Flagged() bool {
	return v == VerdictFlagged || v == VerdictFlaggedWash
}

// ---------------------------------------------------------------------------
// Assets
// ---------------------------------------------------------------------------

// Asset is a minted token as seen on the launch platform.
// Identity fields are set on first sighting; the rest is refreshed on every sighting.
type Asset struct {
	Mint                   string    `json:"mint"`
	Name                   string    `json:"name"`
	Symbol                 string    `json:"symbol"`
	Creator                string    `json:"creator"`
	CreatedAt              time.Time `json:"created_at"`
	BondingCurve           string    `json:"bonding_curve"`
	AssociatedBondingCurve string    `json:"associated_bonding_curve"`
	MetadataURI            string    `json:"metadata_uri,omitempty"`
	TokenDecimals          uint8     `json:"token_decimals"`

	// Mutable market fields.
	RaydiumPool          string    `json:"raydium_pool,omitempty"`
	Complete             bool      `json:"complete"`
	VirtualSolReserves   int64     `json:"virtual_sol_reserves"`   // lamports
	VirtualTokenReserves int64     `json:"virtual_token_reserves"` // token sub-units
	MarketCapSOL         float64   `json:"market_cap"`
	USDMarketCap         float64   `json:"usd_market_cap"`
	ReplyCount           int       `json:"reply_count"`
	LastReplyAt          time.Time `json:"last_reply,omitempty"`
	KingOfTheHillAt      time.Time `json:"king_of_the_hill,omitempty"`
	LastTradeAt          time.Time `json:"last_trade,omitempty"` // zero = never traded

	Verdict Verdict `json:"verdict"`
}

// Ref returns the work unit handed to the ingestion pipeline.
func (a Asset) Ref() AssetRef {
	return AssetRef{Mint: a.Mint, Creator: a.Creator, Symbol: a.Symbol}
}

// AssetRef identifies one asset to ingest.
type AssetRef struct {
	Mint    string `json:"mint"`
	Creator string `json:"creator"`
	Symbol  string `json:"symbol"`
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Trade is one swap against an asset's bonding curve. Amounts are kept in their
// integer on-chain units; convert with Units before doing arithmetic.
type Trade struct {
	Signature   string `json:"signature"`
	Mint        string `json:"mint"`
	SolAmount   int64  `json:"sol_amount"`   // lamports
	TokenAmount int64  `json:"token_amount"` // token sub-units
	IsBuy       bool   `json:"is_buy"`
	Wallet      string `json:"user"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
	TxIndex     *int64 `json:"tx_index,omitempty"`
}

// Direction returns the trade side.
func (t Trade) Direction() Direction {
	if t.IsBuy {
		return Buy
	}
	return Sell
}

// Time returns the trade timestamp as a time.Time.
func (t Trade) Time() time.Time {
	return time.Unix(t.Timestamp, 0)
}

// WalletTrade is a trade joined with the attributes of its asset that the
// wallet scorer needs.
type WalletTrade struct {
	Trade
	Creator string `json:"creator"`
	Units   Units  `json:"units"`
}

// MaxTimestamp returns the newest trade timestamp in the batch, or false when
// the batch is empty.
func MaxTimestamp(trades []Trade) (int64, bool) {
	if len(trades) == 0 {
		return 0, false
	}
	max := trades[0].Timestamp
	for _, t := range trades[1:] {
		if t.Timestamp > max {
			max = t.Timestamp
		}
	}
	return max, true
}

// ---------------------------------------------------------------------------
// Wallet scores & alerts
// ---------------------------------------------------------------------------

// WalletScore is the reputation of one wallet, replaced on every scoring cycle.
type WalletScore struct {
	Wallet    string    `json:"address"`
	Score     float64   `json:"score"`
	PnL1d     float64   `json:"pnl_1d"`
	PnL7d     float64   `json:"pnl_7d"`
	PnL30d    float64   `json:"pnl_30d"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SmartTrade is a trade made by a wallet in the watch-set.
type SmartTrade struct {
	Trade
	Symbol     string      `json:"symbol"`
	Reputation WalletScore `json:"reputation"`
}
