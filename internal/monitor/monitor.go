// Package monitor renders debug views of the autofocus state: an interactive
// go-echarts page and static gonum/plot PNGs of the current profile and the
// peak history. Routes are mounted under tsweb's /debug/.
package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autofocus/internal/autofocus"
)

const defaultMaxPoints = 4000

// Source provides the state to draw.
type Source interface {
	Snapshot() *autofocus.Snapshot
	Status() autofocus.Status
}

type Monitor struct {
	src Source
}

func New(src Source) *Monitor {
	return &Monitor{src: src}
}

// stride returns the step that keeps n samples within limit points.
func stride(n, limit int) int {
	if limit <= 0 || n <= limit {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(limit)))
}

// ChartPage renders both series on one HTML page. maxPoints caps the profile
// samples drawn.
func ChartPage(w io.Writer, snap autofocus.Snapshot, st autofocus.Status, maxPoints int) error {
	step := stride(len(snap.Profile), maxPoints)
	xs := make([]int, 0, len(snap.Profile)/step+1)
	ys := make([]opts.LineData, 0, len(snap.Profile)/step+1)
	for i := 0; i < len(snap.Profile); i += step {
		xs = append(xs, i)
		ys = append(ys, opts.LineData{Value: snap.Profile[i]})
	}

	prof := charts.NewLine()
	prof.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Autofocus", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Profile",
			Subtitle: fmt.Sprintf("sample %d, peak %d, sigma %v, stride %d", snap.Seq, snap.Peak, st.Sigma, step),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Pixel", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Intensity"}),
	)
	prof.SetXAxis(xs).AddSeries("profile", ys,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)

	hx := make([]int, len(snap.PeakHistory))
	hy := make([]opts.LineData, len(snap.PeakHistory))
	for i, p := range snap.PeakHistory {
		hx[i] = i
		hy[i] = opts.LineData{Value: p}
	}
	hist := charts.NewLine()
	hist.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Peak history", Subtitle: feedbackLabel(st)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Sample", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Peak pixel", Scale: opts.Bool(true)}),
	)
	seriesOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	}
	if snap.Setpoint != nil {
		seriesOpts = append(seriesOpts,
			charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{Name: "setpoint", YAxis: *snap.Setpoint}),
		)
	}
	hist.SetXAxis(hx).AddSeries("peak", hy, seriesOpts...)

	page := components.NewPage()
	page.PageTitle = "Autofocus"
	page.AddCharts(prof, hist)
	return page.Render(w)
}

func feedbackLabel(st autofocus.Status) string {
	s := "feedback off"
	if st.Feedback {
		s = "feedback on (" + st.Law + ")"
	}
	if st.Setpoint != nil {
		s += fmt.Sprintf(", setpoint %.1f", *st.Setpoint)
	}
	if st.FeedbackError != "" {
		s += ", stopped: " + st.FeedbackError
	}
	return s
}

// ProfilePlot draws the profile with a marker at the peak.
func ProfilePlot(snap autofocus.Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Profile (sample %d)", snap.Seq)
	p.X.Label.Text = "Pixel"
	p.Y.Label.Text = "Intensity"

	if len(snap.Profile) == 0 {
		return p, nil
	}
	pts := make(plotter.XYs, len(snap.Profile))
	for i, v := range snap.Profile {
		pts[i] = plotter.XY{X: float64(i), Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if snap.Peak >= 0 && snap.Peak < len(snap.Profile) {
		peak, err := plotter.NewScatter(plotter.XYs{{X: float64(snap.Peak), Y: snap.Profile[snap.Peak]}})
		if err != nil {
			return nil, err
		}
		peak.Color = color.RGBA{R: 255, G: 82, B: 82, A: 255}
		peak.Radius = vg.Points(3)
		p.Add(peak)
		p.Legend.Add(fmt.Sprintf("peak %d", snap.Peak), peak)
	}
	return p, nil
}

// PeakPlot draws the peak history and, when set, the setpoint.
func PeakPlot(snap autofocus.Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Peak history"
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "Peak pixel"

	if len(snap.PeakHistory) == 0 {
		return p, nil
	}
	pts := make(plotter.XYs, len(snap.PeakHistory))
	for i, v := range snap.PeakHistory {
		pts[i] = plotter.XY{X: float64(i), Y: float64(v)}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("peak", line)

	if snap.Setpoint != nil {
		sp := *snap.Setpoint
		target := plotter.NewFunction(func(float64) float64 { return sp })
		target.Color = color.RGBA{R: 255, G: 82, B: 82, A: 255}
		target.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(target)
		p.Legend.Add(fmt.Sprintf("setpoint %.1f", sp), target)
	}
	return p, nil
}

// writePNG renders p as a PNG of the given size in inches.
func writePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func (m *Monitor) writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

func (m *Monitor) snapshot(w http.ResponseWriter) (autofocus.Snapshot, bool) {
	s := m.src.Snapshot()
	if s == nil {
		m.writeError(w, http.StatusNotFound, "no samples yet")
		return autofocus.Snapshot{}, false
	}
	return *s, true
}

func (m *Monitor) handleChart(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.snapshot(w)
	if !ok {
		return
	}
	maxPoints := defaultMaxPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 100 && v <= 50000 {
			maxPoints = v
		}
	}
	var buf bytes.Buffer
	if err := ChartPage(&buf, snap, m.src.Status(), maxPoints); err != nil {
		m.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) pngHandler(build func(autofocus.Snapshot) (*plot.Plot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := m.snapshot(w)
		if !ok {
			return
		}
		p, err := build(snap)
		if err != nil {
			m.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		var buf bytes.Buffer
		if err := writePNG(&buf, p, 10*vg.Inch, 4*vg.Inch); err != nil {
			m.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}
}

func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("focus-chart", "Interactive profile and peak history chart", m.handleChart)
	debug.HandleFunc("focus-profile.png", "Current profile (PNG)", m.pngHandler(ProfilePlot))
	debug.HandleFunc("focus-peaks.png", "Peak history (PNG)", m.pngHandler(PeakPlot))
}
