package widget

import (
	"io"
	"strconv"
	"time"
)

// panelTemplate carries its own style block scoped to .oca-meteo-widget so
// host page styles neither leak in nor out.
const panelTemplate = `<div class="oca-meteo-widget">
<style>
.oca-meteo-widget { display: block; width: 100%; max-width: 600px; padding: 10px; background: #111; color: #e0e0e0; border-radius: 12px; font-family: Arial; }
.oca-meteo-widget h3 { text-align: center; margin: 0; padding: 0; }
.oca-meteo-widget .chart { width: 100%; height: 250px; }
.oca-meteo-widget .info { margin-top: 10px; padding: 10px; background: #222; border-radius: 8px; }
.oca-meteo-widget button { background: #0066ff; padding: 8px 14px; color: white; border: none; border-radius: 6px; cursor: pointer; }
</style>
<h3>🌦️ OCA Sistem Meteo</h3>
{{if .ChartRevision}}<img class="chart" alt="{{.SeriesName}}" src="{{.ChartPath}}?rev={{.ChartRevision}}">{{end}}
<div class="info">
<div id="rain">{{if .Rain}}🌧️ Probabilidad de lluvia: <b>{{.Rain}}</b>{{end}}</div>
<div id="detail">{{with .Summary}}☁ Cielo: {{.Sky}} <br>
🌡 Tendencia Máx: {{.TrendMax}} <br>
🌡 Tendencia Mín: {{.TrendMin}}{{end}}</div>
<button id="askAI" data-question="{{.Question}}">Preguntar a la IA</button>
</div>
<script>
document.getElementById("askAI").onclick = function () {
  var q = this.dataset.question;
  fetch("{{.AskPath}}", {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify({question: q})})
    .then(function (r) { return r.json(); })
    .then(function (d) { alert(d.reply); });
};
</script>
</div>
`

// Routes used by the rendered panel; the HTTP layer mounts them.
const (
	ChartPath = "/widget/chart.svg"
	AskPath   = "/widget/ask"
)

// Snapshot is a consistent read of the widget panels.
type Snapshot struct {
	State         string    `json:"state"`
	BaseURL       string    `json:"baseUrl"`
	Labels        []string  `json:"labels"`
	Values        []float64 `json:"values"`
	ChartRevision uint64    `json:"chartRevision"`
	Summary       *Summary  `json:"summary,omitempty"`
	Rain          *Rain     `json:"rain,omitempty"`
	RainText      string    `json:"rainText,omitempty"`
	TakenAt       time.Time `json:"takenAt"`
}

// Snapshot copies the panel state.
func (w *Widget) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		State:   w.state.String(),
		BaseURL: w.baseURL,
		TakenAt: w.now(),
	}
	if w.chart != nil {
		s.Labels = append([]string(nil), w.chart.labels...)
		s.Values = append([]float64(nil), w.chart.values...)
		s.ChartRevision = w.chart.revision
	}
	if w.summary != nil {
		sum := *w.summary
		s.Summary = &sum
	}
	if w.rain != nil {
		r := *w.rain
		s.Rain = &r
		s.RainText = FormatPercent(r.Probability)
	}
	return s
}

// FormatPercent renders a probability as "85%".
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64) + "%"
}

// Render writes the widget panel as HTML.
func (w *Widget) Render(out io.Writer) error {
	snap := w.Snapshot()
	return w.panel.Execute(out, struct {
		SeriesName    string
		ChartPath     string
		AskPath       string
		ChartRevision uint64
		Rain          string
		Summary       *Summary
		Question      string
	}{
		SeriesName:    SeriesName,
		ChartPath:     ChartPath,
		AskPath:       AskPath,
		ChartRevision: snap.ChartRevision,
		Rain:          snap.RainText,
		Summary:       snap.Summary,
		Question:      DefaultQuestion,
	})
}
