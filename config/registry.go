package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/quantbox/quantbox/exchange"
)

//go:embed data/exchanges.json
var exchangesJSON []byte

//go:embed data/instruments.json
var instrumentsJSON []byte

// Instrument describes one product family of a futures exchange.
type Instrument struct {
	Exchange    string  `json:"exchange"`
	Product     string  `json:"product"`
	Name        string  `json:"name"`
	ChineseName string  `json:"chinese_name"`
	Multiplier  float64 `json:"multiplier"`
	TickSize    float64 `json:"tick_size"`
}

// Registry holds the four immutable lookup tables the rest of the system
// reads: exchange metadata, instrument specs, vendor dialects and vendor
// credentials. It is read-only after construction; Reload swaps the whole
// table set atomically.
type Registry struct {
	tables atomic.Value // *tables
}

type tables struct {
	exchanges   map[string]ExchangeInfo
	instruments map[string]Instrument
	dialects    map[string]exchange.Dialect
	credentials map[string]Vendor
}

// NewRegistry builds the registry from the embedded defaults merged with
// the configuration overrides.
func NewRegistry(cfg *Config) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds every table from cfg and swaps them in atomically.
// Readers in flight keep the old set.
func (r *Registry) Reload(cfg *Config) error {
	t := &tables{
		exchanges:   make(map[string]ExchangeInfo),
		instruments: make(map[string]Instrument),
		dialects:    make(map[string]exchange.Dialect),
		credentials: make(map[string]Vendor),
	}

	var embedded []ExchangeInfo
	if err := json.Unmarshal(exchangesJSON, &embedded); err != nil {
		return fmt.Errorf("%w: embedded exchanges: %v", ErrConfig, err)
	}
	for _, info := range embedded {
		t.exchanges[info.Code] = info
	}
	for _, info := range cfg.Exchanges {
		if !exchange.IsCanonical(info.Code) {
			return fmt.Errorf("%w: exchange override %q is not canonical", ErrConfig, info.Code)
		}
		base := t.exchanges[info.Code]
		if info.Name != "" {
			base.Name = info.Name
		}
		if info.Market != "" {
			base.Market = info.Market
		}
		if info.Timezone != "" {
			base.Timezone = info.Timezone
		}
		if info.CloseHour != 0 {
			base.CloseHour = info.CloseHour
		}
		base.Code = info.Code
		t.exchanges[info.Code] = base
	}

	var instruments []Instrument
	if err := json.Unmarshal(instrumentsJSON, &instruments); err != nil {
		return fmt.Errorf("%w: embedded instruments: %v", ErrConfig, err)
	}
	for _, inst := range instruments {
		t.instruments[inst.Exchange+"."+inst.Product] = inst
	}

	t.dialects["tushare"] = exchange.TuShareDialect()
	t.dialects["goldminer"] = exchange.GoldMinerDialect()
	for vendor, mapping := range cfg.Mappings {
		d, ok := t.dialects[vendor]
		if !ok {
			d = exchange.Dialect{Vendor: vendor}
		}
		if d.API == nil {
			d.API = map[string]string{}
		}
		if d.Suffix == nil {
			d.Suffix = map[string]string{}
		}
		for code, sub := range mapping.API {
			d.API[code] = sub
		}
		for code, sub := range mapping.Suffix {
			d.Suffix[code] = sub
		}
		t.dialects[vendor] = d
	}

	for name := range cfg.Vendors {
		t.credentials[name] = cfg.Vendor(name)
	}

	r.tables.Store(t)
	return nil
}

func (r *Registry) load() *tables {
	return r.tables.Load().(*tables)
}

// Exchange returns the metadata of a canonical exchange.
func (r *Registry) Exchange(code string) (ExchangeInfo, bool) {
	info, ok := r.load().exchanges[code]
	return info, ok
}

// Exchanges returns the configured exchanges, optionally filtered by
// market kind ("stock" or "futures"; empty = all).
func (r *Registry) Exchanges(market string) []ExchangeInfo {
	out := make([]ExchangeInfo, 0)
	for _, code := range exchange.Codes() {
		info, ok := r.load().exchanges[code]
		if !ok {
			continue
		}
		if market != "" && info.Market != market {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Instrument returns the product spec keyed by exchange and product code.
func (r *Registry) Instrument(exchangeCode, product string) (Instrument, bool) {
	inst, ok := r.load().instruments[exchangeCode+"."+product]
	return inst, ok
}

// Dialect returns the exchange-code dialect of a vendor. Unknown vendors
// get an empty dialect, which passes canonical codes through.
func (r *Registry) Dialect(vendor string) exchange.Dialect {
	if d, ok := r.load().dialects[vendor]; ok {
		return d
	}
	return exchange.Dialect{Vendor: vendor}
}

// Credentials returns the vendor tuning block, token included.
func (r *Registry) Credentials(vendor string) Vendor {
	if v, ok := r.load().credentials[vendor]; ok {
		return v
	}
	return Vendor{}
}

// CloseHour returns the local closing hour of an exchange, falling back
// to the pipeline-wide default.
func (r *Registry) CloseHour(code string, fallback int) int {
	if info, ok := r.Exchange(code); ok && info.CloseHour > 0 {
		return info.CloseHour
	}
	return fallback
}
