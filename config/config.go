package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// DefaultFile is looked up in the working directory when no --config path
// is given.
const DefaultFile = "quantbox.toml"

// Environment overrides. Vendor tokens follow QUANTBOX_VENDOR_<NAME>_TOKEN.
const (
	EnvDBURI       = "QUANTBOX_DB_URI"
	EnvLogLevel    = "QUANTBOX_LOG_LEVEL"
	envVendorBegin = "QUANTBOX_VENDOR_"
	envVendorEnd   = "_TOKEN"
)

var ErrConfig = errors.New("config")

// Duration is a TOML duration in human form ("5s", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := str2duration.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrConfig, string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the startup configuration. Zero fields are backfilled by
// Defaults and normalize, so a partial file stays valid.
type Config struct {
	Database     Database          `toml:"database"`
	Log          Log               `toml:"log"`
	Vendors      map[string]Vendor `toml:"vendors"`
	Pipeline     Pipeline          `toml:"pipeline"`
	Notification Notification      `toml:"notification"`
	Exchanges    []ExchangeInfo    `toml:"exchanges"`
	Mappings     map[string]Mapping `toml:"mappings"`
}

// Database selects and addresses the store backend.
type Database struct {
	Driver string `toml:"driver"` // bunt | sqlite | memory
	URI    string `toml:"uri"`
	Name   string `toml:"name"`
}

type Log struct {
	Level string `toml:"level"`
}

// Vendor holds one vendor's credentials and client tuning. RetryMax and
// SlowCall inherit the pipeline-wide values unless set per vendor.
type Vendor struct {
	Token       string   `toml:"token"`
	BaseURL     string   `toml:"base_url"`
	RateLimit   float64  `toml:"rate_limit"` // calls per second
	Burst       int      `toml:"burst"`
	RetryMax    int      `toml:"retry_max"`
	SlowCall    Duration `toml:"slow_call"`
	SymbolBatch int      `toml:"symbol_batch"` // max symbols per call
	Timeout     Duration `toml:"timeout"`
}

// Pipeline tunes the save engine.
type Pipeline struct {
	Vendor          string   `toml:"vendor"`
	Workers         int      `toml:"workers"`
	RetryMax        int      `toml:"retry_max"`
	BatchSize       int      `toml:"batch_size"`
	SlowCall        Duration `toml:"slow_call"`
	UnitTimeout     Duration `toml:"unit_timeout"`
	RunTimeout      Duration `toml:"run_timeout"`
	RateFactor      float64  `toml:"rate_factor"`
	CloseHour       int      `toml:"close_hour"`
	DefaultStart    int      `toml:"default_start"`
	VerifyAfterSave bool     `toml:"verify_after_save"`
	AutoSaveCron    string   `toml:"auto_save_cron"`
}

type Notification struct {
	Telegram Telegram `toml:"telegram"`
	Mail     Mail     `toml:"mail"`
}

type Telegram struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	Chat    int64  `toml:"chat"`
}

type Mail struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	To       string `toml:"to"`
}

// ExchangeInfo describes one exchange in the registry. A config entry
// overrides the embedded default of the same code.
type ExchangeInfo struct {
	Code      string `toml:"code" json:"code"`
	Name      string `toml:"name" json:"name"`
	Market    string `toml:"market" json:"market"`
	Timezone  string `toml:"timezone" json:"timezone"`
	CloseHour int    `toml:"close_hour" json:"close_hour"`
}

// Mapping overrides exchange-code substitutions of one vendor dialect.
type Mapping struct {
	API    map[string]string `toml:"api"`
	Suffix map[string]string `toml:"suffix"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Database: Database{
			Driver: "bunt",
			URI:    "quantbox.db",
			Name:   "quantbox",
		},
		Log:      Log{Level: "info"},
		Vendors:  map[string]Vendor{},
		Mappings: map[string]Mapping{},
		Pipeline: Pipeline{
			Vendor:       "tushare",
			Workers:      4,
			RetryMax:     3,
			BatchSize:    1000,
			SlowCall:     Duration(5 * time.Second),
			UnitTimeout:  Duration(60 * time.Second),
			RateFactor:   2,
			CloseHour:    16,
			DefaultStart: 20050101,
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file,
// then .env, then process environment. A missing file is only an error
// when the path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	_ = godotenv.Load()
	cfg.applyEnv(os.Environ())

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of file values.
func (c *Config) applyEnv(environ []string) {
	if uri := os.Getenv(EnvDBURI); uri != "" {
		c.Database.URI = uri
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}

	for _, kv := range environ {
		key, value, found := cut(kv, "=")
		if !found || value == "" {
			continue
		}
		if !strings.HasPrefix(key, envVendorBegin) || !strings.HasSuffix(key, envVendorEnd) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, envVendorBegin), envVendorEnd)
		if name == "" {
			continue
		}
		name = strings.ToLower(name)

		vendor := c.Vendors[name]
		vendor.Token = value
		c.Vendors[name] = vendor
	}
}

func cut(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// normalize backfills zero values so the rest of the system never guesses.
func (c *Config) normalize() {
	if c.Vendors == nil {
		c.Vendors = map[string]Vendor{}
	}
	if c.Mappings == nil {
		c.Mappings = map[string]Mapping{}
	}

	defaults := Defaults().Pipeline
	if c.Pipeline.Vendor == "" {
		c.Pipeline.Vendor = defaults.Vendor
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = defaults.Workers
	}
	if c.Pipeline.RetryMax <= 0 {
		c.Pipeline.RetryMax = defaults.RetryMax
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = defaults.BatchSize
	}
	if c.Pipeline.SlowCall <= 0 {
		c.Pipeline.SlowCall = defaults.SlowCall
	}
	if c.Pipeline.UnitTimeout <= 0 {
		c.Pipeline.UnitTimeout = defaults.UnitTimeout
	}
	if c.Pipeline.RateFactor <= 0 {
		c.Pipeline.RateFactor = defaults.RateFactor
	}
	if c.Pipeline.CloseHour <= 0 {
		c.Pipeline.CloseHour = defaults.CloseHour
	}
	if c.Pipeline.DefaultStart <= 0 {
		c.Pipeline.DefaultStart = defaults.DefaultStart
	}

	for _, name := range []string{"tushare", "goldminer"} {
		if _, ok := c.Vendors[name]; !ok {
			c.Vendors[name] = Vendor{}
		}
	}

	// Vendors inherit the pipeline retry policy, so this runs after the
	// pipeline backfill above.
	for name, vendor := range c.Vendors {
		if vendor.RateLimit <= 0 {
			vendor.RateLimit = 2.0
		}
		if vendor.Burst <= 0 {
			vendor.Burst = 1
		}
		if vendor.RetryMax <= 0 {
			vendor.RetryMax = c.Pipeline.RetryMax
		}
		if vendor.SlowCall <= 0 {
			vendor.SlowCall = c.Pipeline.SlowCall
		}
		if vendor.SymbolBatch <= 0 {
			vendor.SymbolBatch = 50
		}
		if vendor.Timeout <= 0 {
			vendor.Timeout = Duration(30 * time.Second)
		}
		if vendor.BaseURL == "" {
			switch name {
			case "tushare":
				vendor.BaseURL = "http://api.tushare.pro"
			case "goldminer":
				vendor.BaseURL = "http://127.0.0.1:7001"
			}
		}
		c.Vendors[name] = vendor
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "bunt", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrConfig, c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.URI == "" {
		return fmt.Errorf("%w: database uri required for driver %q", ErrConfig, c.Database.Driver)
	}
	if c.Pipeline.CloseHour < 0 || c.Pipeline.CloseHour > 23 {
		return fmt.Errorf("%w: close hour %d out of range", ErrConfig, c.Pipeline.CloseHour)
	}
	return nil
}

// Vendor returns the tuning of a vendor, backfilled with defaults for
// names the file never mentions.
func (c *Config) Vendor(name string) Vendor {
	if vendor, ok := c.Vendors[name]; ok {
		return vendor
	}
	vendor := Vendor{
		RateLimit:   2.0,
		Burst:       1,
		RetryMax:    c.Pipeline.RetryMax,
		SlowCall:    c.Pipeline.SlowCall,
		SymbolBatch: 50,
		Timeout:     Duration(30 * time.Second),
	}
	return vendor
}
