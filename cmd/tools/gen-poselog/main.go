// Command gen-poselog records a synthetic pose stream through the real
// capture loop and stores the result, giving the API and frontend something
// to replay without a camera or model.
package main

import (
	"flag"
	"image"
	"log"
	"os"
	"time"

	"github.com/motion-data/pose.report/internal/capture"
	"github.com/motion-data/pose.report/internal/estimator"
	"github.com/motion-data/pose.report/internal/pose"
	"github.com/motion-data/pose.report/internal/screengrab"
	"github.com/motion-data/pose.report/internal/store"
)

// staticSource feeds the loop a fixed blank image; the synthetic estimators
// ignore pixel content.
type staticSource struct {
	img *image.RGBA
}

func (s *staticSource) Grab() (image.Image, error) { return s.img, nil }

func main() {
	var (
		dbPath  = flag.String("db", "recordings.db", "path to the recordings database")
		seconds = flag.Float64("seconds", 3, "recording length")
		mode    = flag.String("mode", "single", "estimator variant: single or multi")
		people  = flag.Int("people", 3, "person count for multi mode")
		quality = flag.String("quality", estimator.QualityFull, "estimator quality preset")
		latency = flag.Duration("latency", 30*time.Millisecond, "artificial inference latency")
		source  = flag.String("source", "static", "image source: static or screen")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "synthetic generator seed")
	)
	flag.Parse()

	var est capture.Estimator
	var frameMode pose.Mode
	personCount := 1
	switch *mode {
	case "single":
		s := estimator.NewSynthetic(*seed)
		s.Latency = *latency
		est = s
		frameMode = pose.ModeSingleDetailed
	case "multi":
		m := estimator.NewMultiSynthetic(*seed, *people)
		m.Latency = *latency
		est = m
		frameMode = pose.ModeMulti
		personCount = *people
	default:
		log.Printf("[gen-poselog] unknown mode %q", *mode)
		os.Exit(2)
	}
	if err := est.Init(*quality); err != nil {
		log.Printf("[gen-poselog] init estimator: %v", err)
		os.Exit(1)
	}
	defer est.Close()

	var src capture.ImageSource
	width, height := 640, 480
	switch *source {
	case "static":
		src = &staticSource{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	case "screen":
		grab := screengrab.NewSource()
		if w, h := grab.Resolution(); w > 0 {
			width, height = w, h
		}
		src = grab
	default:
		log.Printf("[gen-poselog] unknown source %q", *source)
		os.Exit(2)
	}

	loop := capture.NewLoop(capture.Config{Mode: frameMode})
	loop.SetEstimator(est)
	loop.SetSource(src)
	loop.OnProgress(func(elapsedMs float64, samples int) {
		if samples%24 == 0 {
			log.Printf("[gen-poselog] %.1fs recorded, %d samples", elapsedMs/1000, samples)
		}
	})

	loop.Start()
	defer loop.Stop()
	if err := loop.StartRecording(); err != nil {
		log.Printf("[gen-poselog] start recording: %v", err)
		os.Exit(1)
	}
	time.Sleep(time.Duration(*seconds * float64(time.Second)))
	frames, err := loop.StopRecording()
	if err != nil {
		log.Printf("[gen-poselog] stop recording: %v", err)
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Printf("[gen-poselog] %v", err)
		os.Exit(1)
	}
	defer st.Close()

	rec := &store.Recording{
		Mode:        frameMode,
		FPS:         24,
		Width:       width,
		Height:      height,
		PersonCount: personCount,
		Frames:      frames,
	}
	if err := st.Insert(rec); err != nil {
		log.Printf("[gen-poselog] insert: %v", err)
		os.Exit(1)
	}

	lat := loop.LatencyStats()
	log.Printf("[gen-poselog] stored recording %s: %d frames, %.1fs, estimation p50 %.1fms p95 %.1fms",
		rec.ID, len(frames), rec.DurationMs()/1000, lat.P50Ms, lat.P95Ms)
}
