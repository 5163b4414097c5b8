package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Programs.validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Paper.validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Exec.CooldownMs < 0 {
		return fmt.Errorf("exec.cooldown_ms must be >= 0")
	}
	if c.Backtest.MaxConcurrent < 1 {
		return fmt.Errorf("backtest.max_concurrent must be >= 1")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.DataDir) == "" {
		return fmt.Errorf("market.data_dir cannot be empty")
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (p *ProgramsConfig) validate() error {
	if strings.TrimSpace(p.Dir) == "" {
		return fmt.Errorf("programs.dir cannot be empty")
	}
	return nil
}

func (p *PaperConfig) validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Engine.TakerFeeRate < 0 || p.Engine.TakerFeeRate >= 1 {
		return fmt.Errorf("paper.engine.taker_fee_rate must be in [0,1)")
	}
	if p.Engine.MakerFeeRate < 0 || p.Engine.MakerFeeRate >= 1 {
		return fmt.Errorf("paper.engine.maker_fee_rate must be in [0,1)")
	}
	for asset, amount := range p.Balances {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("paper.balances contains an empty asset name")
		}
		if amount < 0 {
			return fmt.Errorf("paper.balances.%s must be >= 0", asset)
		}
	}
	return nil
}
