package widget

import (
	"errors"
	"io"
	"math"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/kjstillabower/oca-meteo/internal/observability"
)

// ErrNoChart is returned by RenderChart before the first successful load.
var ErrNoChart = errors.New("chart has no data yet")

// SeriesName labels the single temperature series.
const SeriesName = "Temperatura °C"

var (
	lineColor  = drawing.ColorFromHex("66aaff")
	fillColor  = drawing.Color{R: 102, G: 170, B: 255, A: 77}
	gridColor  = drawing.ColorFromHex("333333")
	textColor  = drawing.ColorFromHex("e0e0e0")
	panelColor = drawing.ColorFromHex("111111")
)

// Chart is the widget's single line chart. It is created once and its data
// replaced on every refresh.
type Chart struct {
	Width    int
	Height   int
	labels   []string
	values   []float64
	revision uint64
}

func newChart(labels []string, values []float64) *Chart {
	c := &Chart{Width: 600, Height: 250}
	c.set(labels, values)
	return c
}

func (c *Chart) set(labels []string, values []float64) {
	c.labels = append([]string(nil), labels...)
	c.values = append([]float64(nil), values...)
	c.revision++
}

// Len returns the number of points.
func (c *Chart) Len() int { return len(c.values) }

// Revision counts data replacements, starting at 1 on creation.
func (c *Chart) Revision() uint64 { return c.revision }

// DrawChart creates the chart on first use and replaces its data afterwards.
// A widget never holds more than one chart.
func (w *Widget) DrawChart(labels []string, values []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drawChartLocked(labels, values)
}

func (w *Widget) drawChartLocked(labels []string, values []float64) {
	if w.chart == nil {
		w.chart = newChart(labels, values)
		observability.ChartUpdatesTotal.WithLabelValues("create").Inc()
		return
	}
	w.chart.set(labels, values)
	observability.ChartUpdatesTotal.WithLabelValues("update").Inc()
}

// RenderChart writes the chart as SVG.
func (w *Widget) RenderChart(out io.Writer) error {
	w.mu.Lock()
	if w.chart == nil || w.chart.Len() == 0 {
		w.mu.Unlock()
		return ErrNoChart
	}
	labels := append([]string(nil), w.chart.labels...)
	values := append([]float64(nil), w.chart.values...)
	width, height := w.chart.Width, w.chart.Height
	w.mu.Unlock()

	return renderLineChart(out, labels, values, width, height)
}

func renderLineChart(out io.Writer, labels []string, values []float64, width, height int) error {
	xs := make([]float64, len(values))
	ticks := make([]chart.Tick, len(values))
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i, v := range values {
		xs[i] = float64(i)
		ticks[i] = chart.Tick{Value: float64(i), Label: labels[i]}
		minY = math.Min(minY, v)
		maxY = math.Max(maxY, v)
	}
	// go-chart rejects zero-width ranges.
	if maxY-minY < 1 {
		minY--
		maxY++
	}
	xMax := float64(len(values) - 1)
	// Pad to at least two X values for go-chart; a flat segment shows the single reading.
	// Ticks also bound the x range, so the padding needs its own tick.
	if len(values) == 1 {
		xs = append(xs, 1)
		values = append(values, values[0])
		ticks = append(ticks, chart.Tick{Value: 1})
		xMax = 1
	}

	axisStyle := chart.Style{FontColor: textColor, StrokeColor: gridColor}
	ch := chart.Chart{
		Width:  width,
		Height: height,
		Background: chart.Style{
			FillColor: panelColor,
			Padding:   chart.Box{Top: 14, Left: 16, Right: 12, Bottom: 28},
		},
		Canvas: chart.Style{FillColor: panelColor},
		XAxis: chart.XAxis{
			Style:          axisStyle,
			Ticks:          ticks,
			Range:          &chart.ContinuousRange{Min: 0, Max: xMax},
			GridMajorStyle: chart.Style{StrokeColor: gridColor, StrokeWidth: 1},
		},
		YAxis: chart.YAxis{
			Name:           SeriesName,
			Style:          axisStyle,
			Range:          &chart.ContinuousRange{Min: math.Floor(minY), Max: math.Ceil(maxY)},
			GridMajorStyle: chart.Style{StrokeColor: gridColor, StrokeWidth: 1},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    SeriesName,
				XValues: xs,
				YValues: values,
				Style: chart.Style{
					StrokeColor: lineColor,
					StrokeWidth: 2,
					FillColor:   fillColor,
				},
			},
		},
	}
	return ch.Render(chart.SVG, out)
}
