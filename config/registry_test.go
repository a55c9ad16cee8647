package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/quantbox/exchange"
)

func TestRegistryEmbeddedDefaults(t *testing.T) {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)

	info, ok := reg.Exchange("SHFE")
	require.True(t, ok)
	assert.Equal(t, "futures", info.Market)
	assert.Equal(t, 15, info.CloseHour)

	assert.Len(t, reg.Exchanges(""), 9)
	assert.Len(t, reg.Exchanges("stock"), 3)
	assert.Len(t, reg.Exchanges("futures"), 6)

	copper, ok := reg.Instrument("SHFE", "CU")
	require.True(t, ok)
	assert.Equal(t, 5.0, copper.Multiplier)

	_, ok = reg.Instrument("SHFE", "XX")
	assert.False(t, ok)
}

func TestRegistryConfigOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.Exchanges = []ExchangeInfo{{Code: "SHFE", CloseHour: 16}}
	cfg.Vendors["tushare"] = Vendor{Token: "tok", RateLimit: 9}

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	assert.Equal(t, 16, reg.CloseHour("SHFE", 0))
	assert.Equal(t, 15, reg.CloseHour("DCE", 0))
	assert.Equal(t, 20, reg.CloseHour("NOPE", 20))

	creds := reg.Credentials("tushare")
	assert.Equal(t, "tok", creds.Token)
	assert.Equal(t, 9.0, creds.RateLimit)

	assert.Empty(t, reg.Credentials("unknown").Token)
}

func TestRegistryRejectsUnknownExchangeOverride(t *testing.T) {
	cfg := Defaults()
	cfg.Exchanges = []ExchangeInfo{{Code: "NYSE"}}

	_, err := NewRegistry(cfg)
	require.ErrorIs(t, err, ErrConfig)
}

func TestRegistryDialectOverride(t *testing.T) {
	cfg := Defaults()
	cfg.Mappings["tushare"] = Mapping{
		API: map[string]string{"SHSE": "XSHG"},
	}

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	code, err := reg.Dialect("tushare").Code("SHSE", exchange.UsageAPI)
	require.NoError(t, err)
	assert.Equal(t, "XSHG", code)

	// Untouched substitutions survive the override.
	code, err = reg.Dialect("tushare").Code("SHFE", exchange.UsageAPI)
	require.NoError(t, err)
	assert.Equal(t, "SHF", code)

	passthrough := reg.Dialect("nobody")
	code, err = passthrough.Code("SHFE", exchange.UsageAPI)
	require.NoError(t, err)
	assert.Equal(t, "SHFE", code)
}
