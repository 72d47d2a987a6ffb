package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"fxcanon/internal/market"
	"fxcanon/internal/reconcile"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	maxChartPoints = 3000
	chartWidth     = "1400px"
	chartHeight    = "520px"
)

var provenanceColors = map[market.Provenance]string{
	market.ProvenanceVendor: "#5470c6",
	market.ProvenanceBroker: "#ee6666",
}

// RenderChart 输出规范序列的审计图：K 线 + 按来源着色的收盘价 + 缺失/裁决计数。
func RenderChart(w io.Writer, s *reconcile.Series) error {
	entries := sample(s.Entries, maxChartPoints)
	xAxis := make([]string, len(entries))
	for i, e := range entries {
		xAxis[i] = time.UnixMilli(e.OpenTime).UTC().Format("2006-01-02 15:04")
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s %s v%d", s.Instrument, s.Timeframe, s.Version),
			Subtitle: subtitle(s),
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category"}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	data := make([]opts.KlineData, len(entries))
	for i, e := range entries {
		if e.Candle == nil {
			data[i] = opts.KlineData{Value: "-"}
			continue
		}
		c := e.Candle
		data[i] = opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}}
	}
	kline.SetXAxis(xAxis).AddSeries("canonical", data)

	line := charts.NewLine()
	line.SetXAxis(xAxis)
	for _, p := range provenances(entries) {
		points := make([]opts.LineData, len(entries))
		for i, e := range entries {
			if e.Candle != nil && e.Provenance == p {
				points[i] = opts.LineData{Value: e.Candle.Close}
			} else {
				points[i] = opts.LineData{Value: "-"}
			}
		}
		seriesOpts := []charts.SeriesOpts{charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})}
		if color, ok := provenanceColors[p]; ok {
			seriesOpts = append(seriesOpts, charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 2}))
		}
		line.AddSeries(string(p), points, seriesOpts...)
	}
	kline.Overlap(line)

	flags := charts.NewBar()
	flags.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros, Width: chartWidth, Height: "220px"}),
		charts.WithTitleOpts(opts.Title{Title: "missing / tie-break"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	missing := make([]opts.BarData, len(entries))
	ties := make([]opts.BarData, len(entries))
	for i, e := range entries {
		missing[i] = opts.BarData{Value: boolInt(e.Candle == nil)}
		ties[i] = opts.BarData{Value: boolInt(reconcile.IsTiebreak(e.Rule))}
	}
	flags.SetXAxis(xAxis).
		AddSeries("missing", missing).
		AddSeries("tie-break", ties)

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s %s", s.Instrument, s.Timeframe)
	page.AddCharts(kline, flags)
	return page.Render(w)
}

func subtitle(s *reconcile.Series) string {
	st := s.Stats()
	return fmt.Sprintf("%s ~ %s | total=%d missing=%d tiebreak=%d ambiguous=%d",
		stamp(s.Range.Start), stamp(s.Range.End), st.Total, st.Missing, st.Tiebreaks, len(s.Ambiguous))
}

func provenances(entries []reconcile.Entry) []market.Provenance {
	seen := map[market.Provenance]bool{}
	var out []market.Provenance
	for _, e := range entries {
		if e.Provenance != "" && !seen[e.Provenance] {
			seen[e.Provenance] = true
			out = append(out, e.Provenance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sample 等距抽样，保证首尾点保留。
func sample(entries []reconcile.Entry, limit int) []reconcile.Entry {
	if len(entries) <= limit || limit < 2 {
		return entries
	}
	out := make([]reconcile.Entry, 0, limit)
	step := float64(len(entries)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		out = append(out, entries[int(float64(i)*step+0.5)])
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
