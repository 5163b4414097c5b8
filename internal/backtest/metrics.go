package backtest

import "math"

const msPerYear = 365.25 * 24 * 3600 * 1000

// Metrics are the standard risk-adjusted performance numbers for one split
// or for the whole run.
type Metrics struct {
	CAGR        float64 `json:"cagr"`
	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	MaxDrawdown float64 `json:"max_drawdown"` // <= 0
	MAR         float64 `json:"mar"`
	WinRate     float64 `json:"win_rate"`
	AvgExposure float64 `json:"avg_exposure"`
	TradeCount  int     `json:"trade_count"`
	NetProfit   float64 `json:"net_profit"`
}

// computeMetrics folds a return series, equity curve and trade list into one
// Metrics value. periodsPerYear scales Sharpe/Sortino to annual terms.
func computeMetrics(returns []float64, curve []EquityPoint, trades []TradeRecord, periodsPerYear float64) Metrics {
	var m Metrics
	m.TradeCount = len(trades)
	for _, tr := range trades {
		m.NetProfit += tr.Pnl
	}
	m.WinRate = winRate(trades)
	m.CAGR = cagr(returns, curve)
	m.Sharpe = sharpe(returns, periodsPerYear)
	m.Sortino = sortino(returns, periodsPerYear)
	m.MaxDrawdown = maxDrawdown(curve)
	if dd := math.Abs(m.MaxDrawdown); dd > 0 {
		m.MAR = m.CAGR / dd
	}
	m.AvgExposure = avgExposure(curve)
	return m
}

func winRate(trades []TradeRecord) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, tr := range trades {
		if tr.Pnl > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// cagr compounds the per-step returns and annualizes by elapsed curve time.
func cagr(returns []float64, curve []EquityPoint) float64 {
	if len(returns) == 0 || len(curve) < 2 {
		return 0
	}
	growth := 1.0
	for _, r := range returns {
		growth *= 1 + r
	}
	if growth <= 0 {
		return -1
	}
	elapsed := float64(curve[len(curve)-1].Ts - curve[0].Ts)
	if elapsed <= 0 {
		return 0
	}
	years := elapsed / msPerYear
	return math.Pow(growth, 1/years) - 1
}

func meanStd(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))
	variance := 0.0
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}

func sharpe(returns []float64, periodsPerYear float64) float64 {
	mean, std := meanStd(returns)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// sortino uses downside-only deviation in the denominator.
func sortino(returns []float64, periodsPerYear float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	downside := 0.0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	downside = math.Sqrt(downside / float64(len(returns)))
	if downside == 0 {
		return 0
	}
	return mean / downside * math.Sqrt(periodsPerYear)
}

// maxDrawdown is the minimum running equity/peak - 1, always <= 0.
func maxDrawdown(curve []EquityPoint) float64 {
	peak, worst := 0.0, 0.0
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			if dd := pt.Equity/peak - 1; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// avgExposure is the time-weighted mean of gross exposure over equity.
func avgExposure(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		if len(curve) == 1 && curve[0].Equity > 0 {
			return curve[0].GrossExposure / curve[0].Equity
		}
		return 0
	}
	weighted, total := 0.0, 0.0
	for i := 1; i < len(curve); i++ {
		dt := float64(curve[i].Ts - curve[i-1].Ts)
		if dt <= 0 || curve[i-1].Equity <= 0 {
			continue
		}
		weighted += curve[i-1].GrossExposure / curve[i-1].Equity * dt
		total += dt
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
