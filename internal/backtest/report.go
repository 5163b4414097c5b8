package backtest

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	chartypes "github.com/go-echarts/go-echarts/v2/types"
)

const (
	reportBackground    = "#060c1b"
	reportTextPrimary   = "#eceff4"
	reportTextSecondary = "#9ca3af"
	reportProfit        = "#34d399"
	reportLoss          = "#f87171"
	reportEquityLine    = "#3b82f6"
	reportDrawdownLine  = "#fb7185"

	reportWidthPx        = 1400
	reportPanelHeightPx  = 480
	reportTradesHeightPx = 300
)

// RenderReport writes an HTML page with the run's equity curve, drawdown and
// per-trade outcomes.
func RenderReport(w io.Writer, run Run, curve []EquityPoint, trades []TradeRecord) error {
	if len(curve) == 0 {
		return fmt.Errorf("run %s has no equity points", run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = fmt.Sprintf("%s %s run %s", run.Symbol, run.Interval, run.ID)

	page.AddCharts(
		buildEquityChart(run, curve),
		buildTradeChart(run, trades),
	)
	return page.Render(w)
}

func buildEquityChart(run Run, curve []EquityPoint) *charts.Line {
	line := charts.NewLine()
	subtitle := ""
	if run.Metrics != nil {
		subtitle = fmt.Sprintf("CAGR %.2f%% | Sharpe %.2f | MaxDD %.2f%% | trades %d",
			run.Metrics.CAGR*100, run.Metrics.Sharpe, run.Metrics.MaxDrawdown*100, run.Metrics.TradeCount)
	}
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           chartypes.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", reportWidthPx),
			Height:          fmt.Sprintf("%dpx", reportPanelHeightPx),
			BackgroundColor: reportBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("Equity %s %s", run.Symbol, run.Interval),
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: reportTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: reportTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: reportTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: reportTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	xAxis := make([]string, len(curve))
	equity := make([]opts.LineData, len(curve))
	drawdown := make([]opts.LineData, len(curve))
	peak := 0.0
	for i, pt := range curve {
		xAxis[i] = time.UnixMilli(pt.Ts).UTC().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: roundTo(pt.Equity, 2)}
		if pt.Equity > peak {
			peak = pt.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (pt.Equity/peak - 1) * 100
		}
		drawdown[i] = opts.LineData{Value: roundTo(dd, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: reportEquityLine, Width: 2}))
	line.AddSeries("Drawdown %", drawdown, charts.WithLineStyleOpts(opts.LineStyle{Color: reportDrawdownLine, Width: 1}))
	return line
}

func buildTradeChart(run Run, trades []TradeRecord) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           chartypes.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", reportWidthPx),
			Height:          fmt.Sprintf("%dpx", reportTradesHeightPx),
			BackgroundColor: reportBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Trade PnL", Left: "left", TitleStyle: &opts.TextStyle{Color: reportTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: reportTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: reportTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: reportTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	xAxis := make([]string, len(trades))
	data := make([]opts.BarData, len(trades))
	for i, tr := range trades {
		xAxis[i] = time.UnixMilli(tr.ExitTs).UTC().Format("01-02 15:04")
		color := reportLoss
		if tr.Pnl >= 0 {
			color = reportProfit
		}
		data[i] = opts.BarData{
			Value:     roundTo(tr.Pnl, 2),
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.8)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("PnL", data)
	return bar
}

func roundTo(val float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
