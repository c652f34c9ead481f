package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnits_Default(t *testing.T) {
	var zero Units
	assert.Equal(t, 1.5, zero.SOL(1_500_000_000))
	assert.Equal(t, 2.5, zero.Tokens(2_500_000))
	assert.Equal(t, "0.25", zero.SOLDecimal(250_000_000).String())
}

func TestUnitsForDecimals(t *testing.T) {
	assert.Equal(t, DefaultUnits, UnitsForDecimals(0))
	assert.Equal(t, DefaultUnits, UnitsForDecimals(6))

	u := UnitsForDecimals(9)
	assert.Equal(t, int64(1_000_000_000), u.TokenUnit)
	assert.Equal(t, 1.0, u.Tokens(1_000_000_000))

	capped := UnitsForDecimals(MaxTokenDecimals)
	assert.Equal(t, int64(1_000_000_000_000_000_000), capped.TokenUnit)
	for _, d := range []uint8{19, 30, 255} {
		u := UnitsForDecimals(d)
		assert.Equalf(t, capped, u, "decimals %d", d)
		assert.Positive(t, u.TokenUnit)
	}
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "unknown", VerdictUnknown.String())
	assert.Equal(t, "clean", VerdictClean.String())
	assert.Equal(t, "flagged", VerdictFlagged.String())
	assert.Equal(t, "flagged_wash", VerdictFlaggedWash.String())
	assert.True(t, VerdictFlaggedWash.Flagged())
	assert.False(t, VerdictClean.Flagged())
}

func TestMaxTimestamp(t *testing.T) {
	_, ok := MaxTimestamp(nil)
	assert.False(t, ok)

	max, ok := MaxTimestamp([]Trade{{Timestamp: 10}, {Timestamp: 30}, {Timestamp: 20}})
	assert.True(t, ok)
	assert.Equal(t, int64(30), max)
}

func TestTrade_Direction(t *testing.T) {
	assert.Equal(t, Buy, Trade{IsBuy: true}.Direction())
	assert.Equal(t, Sell, Trade{}.Direction())
}
