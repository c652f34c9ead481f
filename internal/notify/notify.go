// Package notify delivers smart-trade alerts: Telegram for people, Kafka for
// other services, and a relay that bridges the two.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pumpscope/pumpscope/internal/bus"
	"github.com/pumpscope/pumpscope/internal/market"
)

// Notifier delivers one smart-trade alert.
type Notifier interface {
	Notify(ctx context.Context, st market.SmartTrade) error
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

const (
	txURL    = "https://solscan.io/tx/"
	assetURL = "https://pump.fun/coin/"
)

const markdownV2Special = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 escapes text for Telegram's MarkdownV2 parse mode.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeURL escapes the characters MarkdownV2 reserves inside a link target.
func escapeURL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", `\)`)
}

// FormatSmartTrade renders an alert as a MarkdownV2 message.
func FormatSmartTrade(st market.SmartTrade) string {
	name := st.Symbol
	if name == "" {
		name = st.Mint
	}
	u := market.DefaultUnits
	rep := st.Reputation

	var b strings.Builder
	fmt.Fprintf(&b, "*Smart %s* %s\n", strings.ToUpper(string(st.Direction())), EscapeMarkdownV2(name))
	fmt.Fprintf(&b, "Wallet: `%s`\n", st.Wallet)
	fmt.Fprintf(&b, "Score: %s\n", EscapeMarkdownV2(fmt.Sprintf("%.2f", rep.Score)))
	fmt.Fprintf(&b, "Amount: %s\n", EscapeMarkdownV2(fmt.Sprintf("%s SOL / %s tokens",
		u.SOLDecimal(st.SolAmount).StringFixed(4), u.TokensDecimal(st.TokenAmount).StringFixed(2))))
	fmt.Fprintf(&b, "PnL 1d/7d/30d: %s\n", EscapeMarkdownV2(fmt.Sprintf("%.2f / %.2f / %.2f SOL", rep.PnL1d, rep.PnL7d, rep.PnL30d)))
	fmt.Fprintf(&b, "Time: %s\n", EscapeMarkdownV2(st.Time().UTC().Format(time.RFC3339)))
	fmt.Fprintf(&b, "[tx](%s) \\| [chart](%s)", escapeURL(txURL+st.Signature), escapeURL(assetURL+st.Mint))
	return b.String()
}

// ---------------------------------------------------------------------------
// Event conversion
// ---------------------------------------------------------------------------

// EventFromSmartTrade builds the bus event for st.
func EventFromSmartTrade(st market.SmartTrade, producer string) bus.SmartTradeEvent {
	u := market.DefaultUnits
	return bus.SmartTradeEvent{
		BaseEvent: bus.NewBaseEvent(producer, st.Signature),
		Signature: st.Signature,
		Mint:      st.Mint,
		Symbol:    st.Symbol,
		Wallet:    st.Wallet,
		Side:      string(st.Direction()),
		AmountSOL: u.SOLDecimal(st.SolAmount),
		Tokens:    u.TokensDecimal(st.TokenAmount),
		TradeTime: st.Time().UTC(),
		Score:     st.Reputation.Score,
		PnL1d:     st.Reputation.PnL1d,
		PnL7d:     st.Reputation.PnL7d,
		PnL30d:    st.Reputation.PnL30d,
	}
}

// SmartTradeFromEvent reverses EventFromSmartTrade.
func SmartTradeFromEvent(ev bus.SmartTradeEvent) market.SmartTrade {
	return market.SmartTrade{
		Trade: market.Trade{
			Signature:   ev.Signature,
			Mint:        ev.Mint,
			SolAmount:   ev.AmountSOL.Shift(9).IntPart(),
			TokenAmount: ev.Tokens.Shift(6).IntPart(),
			IsBuy:       ev.Side == string(market.Buy),
			Wallet:      ev.Wallet,
			Timestamp:   ev.TradeTime.Unix(),
		},
		Symbol: ev.Symbol,
		Reputation: market.WalletScore{
			Wallet: ev.Wallet,
			Score:  ev.Score,
			PnL1d:  ev.PnL1d,
			PnL7d:  ev.PnL7d,
			PnL30d: ev.PnL30d,
		},
	}
}
