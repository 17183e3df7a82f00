package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/motion-data/pose.report/internal/pose"
	"github.com/motion-data/pose.report/internal/store"
)

// handleChart renders an HTML line chart of people count and mean keypoint
// score over a recording's timeline. Debugging aid for eyeballing a
// recording without the frontend.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	xs := make([]string, len(rec.Frames))
	people := make([]opts.LineData, len(rec.Frames))
	scores := make([]opts.LineData, len(rec.Frames))
	for i, f := range rec.Frames {
		xs[i] = fmt.Sprintf("%.2f", f.TMs/1000.0)
		people[i] = opts.LineData{Value: len(f.People)}
		scores[i] = opts.LineData{Value: meanScore(f)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Recording " + rec.ID,
			Theme:     "dark",
			Width:     "1100px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Recording timeline",
			Subtitle: fmt.Sprintf("id=%s mode=%s fps=%.0f frames=%d", rec.ID, rec.Mode, rec.FPS, len(rec.Frames)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
	)
	line.SetXAxis(xs).
		AddSeries("people", people).
		AddSeries("mean score", scores)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// meanScore averages keypoint confidences across everyone in the frame.
func meanScore(f pose.Frame) float64 {
	var sum float64
	var n int
	for _, p := range f.People {
		for _, kp := range p.Keypoints {
			if kp.Score != nil {
				sum += *kp.Score
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
