package exchange

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// Canonical exchange codes. Every record in the store carries one of these;
// vendor dialects never leak past the adapter boundary.
const (
	SHSE  = "SHSE"  // Shanghai Stock Exchange
	SZSE  = "SZSE"  // Shenzhen Stock Exchange
	BSE   = "BSE"   // Beijing Stock Exchange
	SHFE  = "SHFE"  // Shanghai Futures Exchange
	DCE   = "DCE"   // Dalian Commodity Exchange
	CZCE  = "CZCE"  // Zhengzhou Commodity Exchange
	CFFEX = "CFFEX" // China Financial Futures Exchange
	INE   = "INE"   // Shanghai International Energy Exchange
	GFEX  = "GFEX"  // Guangzhou Futures Exchange
)

// Market kinds.
const (
	MarketStock   = "stock"
	MarketFutures = "futures"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange code")
	ErrInvalidSymbol   = errors.New("invalid symbol")
)

var canonical = []string{SHSE, SZSE, BSE, SHFE, DCE, CZCE, CFFEX, INE, GFEX}

var markets = map[string]string{
	SHSE:  MarketStock,
	SZSE:  MarketStock,
	BSE:   MarketStock,
	SHFE:  MarketFutures,
	DCE:   MarketFutures,
	CZCE:  MarketFutures,
	CFFEX: MarketFutures,
	INE:   MarketFutures,
	GFEX:  MarketFutures,
}

// upperCased holds the exchanges whose official contract codes are written
// in upper case; the rest use lower case.
var upperCased = map[string]bool{
	CZCE:  true,
	CFFEX: true,
}

// Codes returns the canonical exchange codes in stable order.
func Codes() []string {
	out := make([]string, len(canonical))
	copy(out, canonical)
	return out
}

// StockCodes returns the canonical stock exchange codes.
func StockCodes() []string {
	return lo.Filter(Codes(), func(code string, _ int) bool {
		return markets[code] == MarketStock
	})
}

// FuturesCodes returns the canonical futures exchange codes.
func FuturesCodes() []string {
	return lo.Filter(Codes(), func(code string, _ int) bool {
		return markets[code] == MarketFutures
	})
}

// IsCanonical reports whether code belongs to the canonical set.
func IsCanonical(code string) bool {
	_, ok := markets[code]
	return ok
}

// Market returns the market kind of a canonical exchange.
func Market(code string) (string, error) {
	market, ok := markets[code]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, code)
	}
	return market, nil
}

// UpperCase reports whether the exchange writes contract codes upper case.
func UpperCase(code string) bool {
	return upperCased[code]
}

// Usage selects which vendor encoding of an exchange code is wanted: the
// request-parameter form or the symbol-suffix form. For stocks the two
// differ on some vendors (API "SSE", suffix "SH").
type Usage int

const (
	UsageAPI Usage = iota
	UsageSuffix
)

// Dialect describes how one vendor spells exchanges and symbols. Codes
// absent from the maps pass through unchanged, so a vendor that speaks
// canonical codes needs no entries.
type Dialect struct {
	Vendor string

	// API and Suffix substitute canonical codes per usage.
	API    map[string]string
	Suffix map[string]string

	// SuffixStyle means full symbols are written code.SUFFIX
	// ("600000.SH"); otherwise EXCHANGE.code ("SHSE.600000").
	SuffixStyle bool

	// UpperCode means the vendor writes every contract code upper case
	// regardless of the exchange's official convention.
	UpperCode bool

	// ThreeDigitYear means the vendor writes CZCE year-months with three
	// digits (SR501 instead of SR2501).
	ThreeDigitYear bool
}

// Code encodes a canonical exchange for the vendor.
func (d Dialect) Code(canonicalCode string, usage Usage) (string, error) {
	if !IsCanonical(canonicalCode) {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, canonicalCode)
	}

	m := d.API
	if usage == UsageSuffix {
		m = d.Suffix
	}
	if code, ok := m[canonicalCode]; ok {
		return code, nil
	}
	return canonicalCode, nil
}

// ToCanonical decodes a vendor exchange code in either usage. Canonical
// input passes through.
func (d Dialect) ToCanonical(code string) (string, error) {
	if IsCanonical(code) {
		return code, nil
	}
	for canonicalCode, vendorCode := range d.API {
		if vendorCode == code {
			return canonicalCode, nil
		}
	}
	for canonicalCode, vendorCode := range d.Suffix {
		if vendorCode == code {
			return canonicalCode, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExchange, code)
}

// TuShareDialect is the built-in V-T dialect: SSE/SHF/ZCE request
// parameters, two-letter stock suffixes, upper-case contract codes with
// three-digit CZCE years, symbols written code.SUFFIX.
func TuShareDialect() Dialect {
	return Dialect{
		Vendor: "tushare",
		API: map[string]string{
			SHSE: "SSE",
			SHFE: "SHF",
			CZCE: "ZCE",
		},
		Suffix: map[string]string{
			SHSE:  "SH",
			SZSE:  "SZ",
			BSE:   "BJ",
			SHFE:  "SHF",
			CZCE:  "ZCE",
			CFFEX: "CFX",
			GFEX:  "GFE",
		},
		SuffixStyle:    true,
		UpperCode:      true,
		ThreeDigitYear: true,
	}
}

// GoldMinerDialect is the built-in V-G dialect: canonical exchange codes,
// EXCHANGE.code symbols, contract codes always upper case.
func GoldMinerDialect() Dialect {
	return Dialect{
		Vendor:    "goldminer",
		API:       map[string]string{},
		Suffix:    map[string]string{},
		UpperCode: true,
	}
}
