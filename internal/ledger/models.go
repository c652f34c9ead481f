package ledger

import (
	"time"

	"github.com/pumpscope/pumpscope/internal/market"
)

// AssetRow is one launched token.
type AssetRow struct {
	Mint                   string     `gorm:"primaryKey;size:44"`
	Name                   string     `gorm:"size:128"`
	Symbol                 string     `gorm:"size:64"`
	Creator                string     `gorm:"size:44;index"`
	LaunchedAt             time.Time  `gorm:"column:created_timestamp;index"`
	BondingCurve           string     `gorm:"size:44"`
	AssociatedBondingCurve string     `gorm:"size:44"`
	MetadataURI            string     `gorm:"size:512"`
	TokenDecimals          uint8      `gorm:"not null;default:6"`
	RaydiumPool            string     `gorm:"size:44"`
	Complete               bool       `gorm:"not null;default:false"`
	VirtualSolReserves     int64      ``
	VirtualTokenReserves   int64      ``
	MarketCap              float64    ``
	USDMarketCap           float64    `gorm:"column:usd_market_cap"`
	ReplyCount             int        ``
	LastReply              *time.Time ``
	KingOfTheHill          *time.Time `gorm:"column:king_of_the_hill_timestamp"`
	LastTradeTimestamp     *int64     `gorm:"index"` // unix seconds, NULL = never traded
	Rug                    *int       `gorm:"index"` // NULL unknown, 0 clean, 1 flagged, 2 flagged_wash
	UpdatedAt              time.Time
}

func (AssetRow) TableName() string { return "pump_fun_mint" }

// TradeRow is one swap, keyed by its transaction signature.
type TradeRow struct {
	Signature   string `gorm:"primaryKey;size:88"`
	Mint        string `gorm:"size:44;not null;index:idx_trade_mint_ts,priority:1"`
	SolAmount   int64  `gorm:"not null"`
	TokenAmount int64  `gorm:"not null"`
	IsBuy       bool   `gorm:"not null"`
	Wallet      string `gorm:"size:44;not null;index"`
	Timestamp   int64  `gorm:"not null;index:idx_trade_mint_ts,priority:2"`
	TxIndex     *int64
}

func (TradeRow) TableName() string { return "pump_fun_trade" }

// WalletScoreRow is the latest reputation of a wallet.
type WalletScoreRow struct {
	Address  string  `gorm:"primaryKey;size:44"`
	Score    float64 `gorm:"index"`
	PnL1d    float64 `gorm:"column:pnl_1d"`
	PnL7d    float64 `gorm:"column:pnl_7d"`
	PnL30d   float64 `gorm:"column:pnl_30d"`
	ScoredAt time.Time
}

func (WalletScoreRow) TableName() string { return "pump_fun_address" }

// SmartTradeRow is the alert dedup record for a watched wallet's trade, with a
// snapshot of what the alert shows.
type SmartTradeRow struct {
	Signature   string `gorm:"primaryKey;size:88"`
	Mint        string `gorm:"size:44;not null"`
	Symbol      string `gorm:"size:64"`
	Wallet      string `gorm:"size:44;not null;index"`
	IsBuy       bool   `gorm:"not null"`
	SolAmount   int64  `gorm:"not null"`
	TokenAmount int64  `gorm:"not null"`
	Timestamp   int64  `gorm:"not null;index"`
	Score       float64
	PnL1d       float64 `gorm:"column:pnl_1d"`
	PnL7d       float64 `gorm:"column:pnl_7d"`
	PnL30d      float64 `gorm:"column:pnl_30d"`
	MessageSent bool    `gorm:"not null;default:false;index"`
	CreatedAt   time.Time
}

func (SmartTradeRow) TableName() string { return "pump_fun_smart_trade" }

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&AssetRow{}, &TradeRow{}, &WalletScoreRow{}, &SmartTradeRow{}}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// RugCode encodes a verdict the way the rug column stores it.
func RugCode(v market.Verdict) *int {
	var code int
	switch v {
	case market.VerdictClean:
		code = 0
	case market.VerdictFlagged:
		code = 1
	case market.VerdictFlaggedWash:
		code = 2
	default:
		return nil
	}
	return &code
}

// VerdictFromRug decodes the rug column.
func VerdictFromRug(code *int) market.Verdict {
	if code == nil {
		return market.VerdictUnknown
	}
	switch *code {
	case 0:
		return market.VerdictClean
	case 1:
		return market.VerdictFlagged
	case 2:
		return market.VerdictFlaggedWash
	default:
		return market.VerdictUnknown
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func optUnix(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	s := t.Unix()
	return &s
}

func assetRow(a market.Asset) AssetRow {
	launched := a.CreatedAt
	if launched.IsZero() {
		launched = time.Now()
	}
	return AssetRow{
		Mint:                   a.Mint,
		Name:                   a.Name,
		Symbol:                 a.Symbol,
		Creator:                a.Creator,
		LaunchedAt:             launched.UTC(),
		BondingCurve:           a.BondingCurve,
		AssociatedBondingCurve: a.AssociatedBondingCurve,
		MetadataURI:            a.MetadataURI,
		TokenDecimals:          a.TokenDecimals,
		RaydiumPool:            a.RaydiumPool,
		Complete:               a.Complete,
		VirtualSolReserves:     a.VirtualSolReserves,
		VirtualTokenReserves:   a.VirtualTokenReserves,
		MarketCap:              a.MarketCapSOL,
		USDMarketCap:           a.USDMarketCap,
		ReplyCount:             a.ReplyCount,
		LastReply:              optTime(a.LastReplyAt),
		KingOfTheHill:          optTime(a.KingOfTheHillAt),
		LastTradeTimestamp:     optUnix(a.LastTradeAt),
		Rug:                    RugCode(a.Verdict),
	}
}

func (r AssetRow) asset() market.Asset {
	a := market.Asset{
		Mint:                   r.Mint,
		Name:                   r.Name,
		Symbol:                 r.Symbol,
		Creator:                r.Creator,
		CreatedAt:              r.LaunchedAt,
		BondingCurve:           r.BondingCurve,
		AssociatedBondingCurve: r.AssociatedBondingCurve,
		MetadataURI:            r.MetadataURI,
		TokenDecimals:          r.TokenDecimals,
		RaydiumPool:            r.RaydiumPool,
		Complete:               r.Complete,
		VirtualSolReserves:     r.VirtualSolReserves,
		VirtualTokenReserves:   r.VirtualTokenReserves,
		MarketCapSOL:           r.MarketCap,
		USDMarketCap:           r.USDMarketCap,
		ReplyCount:             r.ReplyCount,
		Verdict:                VerdictFromRug(r.Rug),
	}
	if r.LastReply != nil {
		a.LastReplyAt = *r.LastReply
	}
	if r.KingOfTheHill != nil {
		a.KingOfTheHillAt = *r.KingOfTheHill
	}
	if r.LastTradeTimestamp != nil {
		a.LastTradeAt = time.Unix(*r.LastTradeTimestamp, 0).UTC()
	}
	return a
}

// mutableAssetColumns are refreshed on every sighting; identity columns and the
// verdict are not.
func mutableAssetColumns(a market.Asset) map[string]interface{} {
	cols := map[string]interface{}{
		"raydium_pool":               a.RaydiumPool,
		"complete":                   a.Complete,
		"virtual_sol_reserves":       a.VirtualSolReserves,
		"virtual_token_reserves":     a.VirtualTokenReserves,
		"market_cap":                 a.MarketCapSOL,
		"usd_market_cap":             a.USDMarketCap,
		"reply_count":                a.ReplyCount,
		"last_reply":                 optTime(a.LastReplyAt),
		"king_of_the_hill_timestamp": optTime(a.KingOfTheHillAt),
		"updated_at":                 time.Now().UTC(),
	}
	if ts := optUnix(a.LastTradeAt); ts != nil {
		cols["last_trade_timestamp"] = *ts
	}
	return cols
}

func tradeRow(t market.Trade) TradeRow {
	return TradeRow{
		Signature:   t.Signature,
		Mint:        t.Mint,
		SolAmount:   t.SolAmount,
		TokenAmount: t.TokenAmount,
		IsBuy:       t.IsBuy,
		Wallet:      t.Wallet,
		Timestamp:   t.Timestamp,
		TxIndex:     t.TxIndex,
	}
}

func (r TradeRow) trade() market.Trade {
	return market.Trade{
		Signature:   r.Signature,
		Mint:        r.Mint,
		SolAmount:   r.SolAmount,
		TokenAmount: r.TokenAmount,
		IsBuy:       r.IsBuy,
		Wallet:      r.Wallet,
		Timestamp:   r.Timestamp,
		TxIndex:     r.TxIndex,
	}
}

func (r WalletScoreRow) score() market.WalletScore {
	return market.WalletScore{
		Wallet:    r.Address,
		Score:     r.Score,
		PnL1d:     r.PnL1d,
		PnL7d:     r.PnL7d,
		PnL30d:    r.PnL30d,
		UpdatedAt: r.ScoredAt,
	}
}

func smartTradeRow(st market.SmartTrade) SmartTradeRow {
	return SmartTradeRow{
		Signature:   st.Signature,
		Mint:        st.Mint,
		Symbol:      st.Symbol,
		Wallet:      st.Wallet,
		IsBuy:       st.IsBuy,
		SolAmount:   st.SolAmount,
		TokenAmount: st.TokenAmount,
		Timestamp:   st.Timestamp,
		Score:       st.Reputation.Score,
		PnL1d:       st.Reputation.PnL1d,
		PnL7d:       st.Reputation.PnL7d,
		PnL30d:      st.Reputation.PnL30d,
	}
}

func (r SmartTradeRow) smartTrade() market.SmartTrade {
	return market.SmartTrade{
		Trade: market.Trade{
			Signature:   r.Signature,
			Mint:        r.Mint,
			SolAmount:   r.SolAmount,
			TokenAmount: r.TokenAmount,
			IsBuy:       r.IsBuy,
			Wallet:      r.Wallet,
			Timestamp:   r.Timestamp,
		},
		Symbol: r.Symbol,
		Reputation: market.WalletScore{
			Wallet: r.Wallet,
			Score:  r.Score,
			PnL1d:  r.PnL1d,
			PnL7d:  r.PnL7d,
			PnL30d: r.PnL30d,
		},
	}
}
