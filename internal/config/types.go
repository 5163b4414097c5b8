package config

import (
	"strings"

	"pilot/internal/broker/paper"
	"pilot/internal/exec"
	"pilot/internal/policy"
	"pilot/internal/risk"
)

// Config is the engine's top-level configuration.
type Config struct {
	App      AppConfig      `toml:"app"`
	Market   MarketConfig   `toml:"market"`
	Programs ProgramsConfig `toml:"programs"`
	Policy   policy.Config  `toml:"policy"`
	Risk     risk.Config    `toml:"risk"`
	Exec     exec.Config    `toml:"exec"`
	Paper    PaperConfig    `toml:"paper"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Backtest BacktestConfig `toml:"backtest"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// MarketConfig covers the candle store and its upstream sources.
type MarketConfig struct {
	DataDir         string         `toml:"data_dir"`
	ActiveSource    string         `toml:"active_source"`
	Sources         []MarketSource `toml:"sources"`
	RateLimitPerMin int            `toml:"rate_limit_per_min"`
	MaxBatch        int            `toml:"max_batch"`
	MaxConcurrent   int            `toml:"max_concurrent"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// ProgramsConfig locates the watched automation program directory.
type ProgramsConfig struct {
	Dir string `toml:"dir"`
}

// PaperConfig wraps the matching engine config with its seed balances.
type PaperConfig struct {
	Enabled  bool               `toml:"enabled"`
	Engine   paper.Config       `toml:"engine"`
	Balances map[string]float64 `toml:"balances"`
}

// LedgerConfig locates the append-only event log.
type LedgerConfig struct {
	Path      string `toml:"path"`
	AccountID string `toml:"account_id"`
}

// BacktestConfig covers the run service and its stores.
type BacktestConfig struct {
	ResultsPath         string `toml:"results_path"`
	MaxConcurrent       int    `toml:"max_concurrent"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds"`
}

// keySet tracks the field paths explicitly present in the config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
