package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultMarketName      = "binance"
	defaultMarketREST      = "https://fapi.binance.com"
	defaultMarketDataDir   = "data/candles"
	defaultMarketRateLimit = 480
	defaultMarketMaxBatch  = 1000
	defaultProgramsDir     = "configs/programs"
	defaultTakerFeeRate    = 0.001
	defaultMakerFeeRate    = 0.0005
	defaultLedgerPath      = "data/ledger.db"
	defaultLedgerAccount   = "paper"
	defaultResultsPath     = "data/backtests.db"
	defaultDedupSize       = 4096
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Programs.applyDefaults(keys)
	c.Paper.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "exec.dedup_size",
			need:  func() bool { return c.Exec.DedupSize <= 0 },
			apply: func() { c.Exec.DedupSize = defaultDedupSize },
		},
	)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.data_dir", &m.DataDir, defaultMarketDataDir),
		fieldDefault{
			key:   "market.rate_limit_per_min",
			need:  func() bool { return m.RateLimitPerMin <= 0 },
			apply: func() { m.RateLimitPerMin = defaultMarketRateLimit },
		},
		fieldDefault{
			key:   "market.max_batch",
			need:  func() bool { return m.MaxBatch <= 0 },
			apply: func() { m.MaxBatch = defaultMarketMaxBatch },
		},
		fieldDefault{
			key:   "market.max_concurrent",
			need:  func() bool { return m.MaxConcurrent <= 0 },
			apply: func() { m.MaxConcurrent = 2 },
		},
	)
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func (p *ProgramsConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("programs.dir", &p.Dir, defaultProgramsDir),
	)
}

func (p *PaperConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("paper.enabled", &p.Enabled, true),
		fieldDefault{
			key:   "paper.engine.taker_fee_rate",
			need:  func() bool { return p.Engine.TakerFeeRate <= 0 },
			apply: func() { p.Engine.TakerFeeRate = defaultTakerFeeRate },
		},
		fieldDefault{
			key:   "paper.engine.maker_fee_rate",
			need:  func() bool { return p.Engine.MakerFeeRate <= 0 },
			apply: func() { p.Engine.MakerFeeRate = defaultMakerFeeRate },
		},
	)
	if len(p.Engine.QuoteAssets) == 0 {
		p.Engine.QuoteAssets = []string{"USDT"}
	}
	if p.Balances == nil {
		p.Balances = map[string]float64{"USDT": 10_000}
	}
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.path", &l.Path, defaultLedgerPath),
		stringFieldDefault("ledger.account_id", &l.AccountID, defaultLedgerAccount),
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.results_path", &b.ResultsPath, defaultResultsPath),
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = 1 },
		},
		fieldDefault{
			key:   "backtest.fetch_timeout_seconds",
			need:  func() bool { return b.FetchTimeoutSeconds <= 0 },
			apply: func() { b.FetchTimeoutSeconds = 600 },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
