package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/quantbox/model"
)

func TestCanonicalSet(t *testing.T) {
	assert.Len(t, Codes(), 9)
	assert.ElementsMatch(t, []string{SHSE, SZSE, BSE}, StockCodes())
	assert.ElementsMatch(t, []string{SHFE, DCE, CZCE, CFFEX, INE, GFEX}, FuturesCodes())

	for _, code := range Codes() {
		assert.True(t, IsCanonical(code), code)
	}
	assert.False(t, IsCanonical("SSE"))
	assert.False(t, IsCanonical("shse"))

	market, err := Market(SHFE)
	require.NoError(t, err)
	assert.Equal(t, MarketFutures, market)

	_, err = Market("NYSE")
	require.ErrorIs(t, err, ErrUnknownExchange)
}

func TestDialectCode(t *testing.T) {
	d := TuShareDialect()

	tt := []struct {
		canonical string
		usage     Usage
		want      string
	}{
		{SHSE, UsageAPI, "SSE"},
		{SHSE, UsageSuffix, "SH"},
		{SHFE, UsageAPI, "SHF"},
		{CZCE, UsageAPI, "ZCE"},
		{SZSE, UsageAPI, "SZSE"},
		{SZSE, UsageSuffix, "SZ"},
		{BSE, UsageSuffix, "BJ"},
		{DCE, UsageAPI, "DCE"},
		{INE, UsageSuffix, "INE"},
	}
	for _, tc := range tt {
		got, err := d.Code(tc.canonical, tc.usage)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := d.Code("LSE", UsageAPI)
	require.ErrorIs(t, err, ErrUnknownExchange)
}

func TestDialectRoundTrip(t *testing.T) {
	for _, d := range []Dialect{TuShareDialect(), GoldMinerDialect()} {
		t.Run(d.Vendor, func(t *testing.T) {
			for _, code := range Codes() {
				for _, usage := range []Usage{UsageAPI, UsageSuffix} {
					vendor, err := d.Code(code, usage)
					require.NoError(t, err)

					back, err := d.ToCanonical(vendor)
					require.NoError(t, err, "vendor code %q", vendor)
					assert.Equal(t, code, back)
				}
			}
		})
	}
}

func TestDialectToCanonicalUnknown(t *testing.T) {
	_, err := TuShareDialect().ToCanonical("NASDAQ")
	require.ErrorIs(t, err, ErrUnknownExchange)
}

func TestSplitSymbol(t *testing.T) {
	exchangeCode, code, err := SplitSymbol("SHFE.cu2403")
	require.NoError(t, err)
	assert.Equal(t, SHFE, exchangeCode)
	assert.Equal(t, "cu2403", code)

	_, _, err = SplitSymbol("cu2403")
	require.ErrorIs(t, err, ErrInvalidSymbol)

	_, _, err = SplitSymbol("SHF.cu2403")
	require.ErrorIs(t, err, ErrUnknownExchange)
}

func TestNormalizeFuture(t *testing.T) {
	tt := []struct {
		name     string
		exchange string
		code     string
		anchor   int
		want     string
	}{
		{"lower case folded", SHFE, "CU2403", 20240115, "SHFE.cu2403"},
		{"already canonical", SHFE, "cu2403", 20240115, "SHFE.cu2403"},
		{"upper case folded", CZCE, "sr2501", 20240115, "CZCE.SR2501"},
		{"cffex upper", CFFEX, "if2403", 20240115, "CFFEX.IF2403"},
		{"czce three digit current decade", CZCE, "SR501", 20240115, "CZCE.SR2501"},
		{"czce three digit next decade", CZCE, "SR501", 20341201, "CZCE.SR3501"},
		{"czce three digit rolls forward", CZCE, "SR501", 20290601, "CZCE.SR3501"},
		{"ine lower", INE, "SC2405", 20240115, "INE.sc2405"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeFuture(tc.exchange, tc.code, model.Date(tc.anchor))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeFutureRejects(t *testing.T) {
	anchor := model.Date(20240115)

	_, err := NormalizeFuture("SHSE", "cu2403", anchor)
	require.ErrorIs(t, err, ErrInvalidSymbol)

	_, err = NormalizeFuture("SHF", "cu2403", anchor)
	require.ErrorIs(t, err, ErrUnknownExchange)

	_, err = NormalizeFuture(SHFE, "cu403", anchor)
	require.ErrorIs(t, err, ErrInvalidSymbol)

	_, err = NormalizeFuture(SHFE, "2403", anchor)
	require.ErrorIs(t, err, ErrInvalidSymbol)

	_, err = NormalizeFuture(CZCE, "SR2513", anchor)
	require.ErrorIs(t, err, ErrInvalidSymbol)
}

func TestNormalizeFutureIdempotent(t *testing.T) {
	anchor := model.Date(20240115)
	for _, symbol := range []string{"SHFE.cu2403", "CZCE.SR2501", "CFFEX.IF2406", "DCE.i2405"} {
		exchangeCode, code, err := SplitSymbol(symbol)
		require.NoError(t, err)

		again, err := NormalizeFuture(exchangeCode, code, anchor)
		require.NoError(t, err)
		assert.Equal(t, symbol, again)
	}
}

func TestVendorFutureRoundTrip(t *testing.T) {
	anchor := model.Date(20240115)

	tt := []struct {
		dialect   Dialect
		canonical string
		vendor    string
	}{
		{TuShareDialect(), "SHFE.cu2403", "CU2403.SHF"},
		{TuShareDialect(), "CZCE.SR2501", "SR501.ZCE"},
		{TuShareDialect(), "CFFEX.IF2406", "IF2406.CFX"},
		{TuShareDialect(), "DCE.i2405", "I2405.DCE"},
		{GoldMinerDialect(), "SHFE.cu2403", "SHFE.CU2403"},
		{GoldMinerDialect(), "CZCE.SR2501", "CZCE.SR2501"},
	}

	for _, tc := range tt {
		t.Run(tc.vendor, func(t *testing.T) {
			encoded, err := VendorFuture(tc.dialect, tc.canonical)
			require.NoError(t, err)
			assert.Equal(t, tc.vendor, encoded)

			decoded, err := ParseVendorFuture(tc.dialect, encoded, anchor)
			require.NoError(t, err)
			assert.Equal(t, tc.canonical, decoded)
		})
	}
}

func TestNormalizeStock(t *testing.T) {
	tt := []struct {
		code    string
		want    string
		wantErr bool
	}{
		{"600000", "SHSE.600000", false},
		{"000001", "SZSE.000001", false},
		{"300750", "SZSE.300750", false},
		{"430047", "BSE.430047", false},
		{"830799", "BSE.830799", false},
		{"920001", "BSE.920001", false},
		{"510300", "", true},
		{"60000", "", true},
		{"60000a", "", true},
	}

	for _, tc := range tt {
		t.Run(tc.code, func(t *testing.T) {
			got, err := NormalizeStock(tc.code)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidSymbol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVendorStock(t *testing.T) {
	tushare, err := VendorStock(TuShareDialect(), "SHSE.600000")
	require.NoError(t, err)
	assert.Equal(t, "600000.SH", tushare)

	goldminer, err := VendorStock(GoldMinerDialect(), "SHSE.600000")
	require.NoError(t, err)
	assert.Equal(t, "SHSE.600000", goldminer)

	back, err := ParseVendorStock(TuShareDialect(), "600000.SH")
	require.NoError(t, err)
	assert.Equal(t, "SHSE.600000", back)

	back, err = ParseVendorStock(GoldMinerDialect(), "SHSE.600000")
	require.NoError(t, err)
	assert.Equal(t, "SHSE.600000", back)

	_, err = ParseVendorStock(TuShareDialect(), "CU2403.SHF")
	require.ErrorIs(t, err, ErrInvalidSymbol)
}
