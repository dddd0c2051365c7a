package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imagecrawl/imagecrawl/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running plus page, image, and
// transform counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pages      *prometheus.CounterVec
	images     *prometheus.CounterVec
	imageBytes *prometheus.CounterVec
	transforms *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecrawl_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_runs_completed_total",
			Help: "Total crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagecrawl_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecrawl_run_duration_seconds",
			Help:    "Wall time per completed crawl run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_pages_total",
			Help: "Page fetch completions partitioned by outcome.",
		}, []string{"outcome"}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_images_total",
			Help: "Image completions partitioned by outcome.",
		}, []string{"outcome"}),
		imageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_image_bytes_total",
			Help: "Image bytes produced partitioned by source.",
		}, []string{"source"}),
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecrawl_transforms_total",
			Help: "Transform completions partitioned by transform and outcome.",
		}, []string{"transform", "outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pages,
		s.images,
		s.imageBytes,
		s.transforms,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStarted, progress.StageRunCompleted, progress.StageRunCancelled:
		s.handleRunEvent(evt)
	case progress.StagePageFetched:
		s.pages.WithLabelValues("fetched").Inc()
	case progress.StagePageFailed:
		s.pages.WithLabelValues("failed").Inc()
	case progress.StageImageDownloaded:
		s.handleImageEvent(evt, "downloaded", "download")
	case progress.StageImageCached:
		s.handleImageEvent(evt, "cached", "cache")
	case progress.StageImageFailed:
		s.images.WithLabelValues("failed").Inc()
	case progress.StageTransformApplied:
		s.handleTransformEvent(evt, "applied")
	case progress.StageTransformFailed:
		s.handleTransformEvent(evt, "failed")
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStarted:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunCompleted:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeDuration(evt, "success")
	case progress.StageRunCancelled:
		s.runsCompleted.WithLabelValues("cancelled").Inc()
		s.observeDuration(evt, "cancelled")
	}
	if evt.Stage != progress.StageRunStarted && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleImageEvent(evt progress.Event, outcome, source string) {
	s.images.WithLabelValues(outcome).Inc()
	if evt.Bytes > 0 {
		s.imageBytes.WithLabelValues(source).Add(float64(evt.Bytes))
	}
}

func (s *PrometheusSink) handleTransformEvent(evt progress.Event, outcome string) {
	transform := evt.Transform
	if transform == "" {
		transform = "unknown"
	}
	s.transforms.WithLabelValues(transform, outcome).Inc()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
