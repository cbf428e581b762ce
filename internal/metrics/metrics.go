// ABOUTME: Prometheus metrics for the scan pipeline workers.
// ABOUTME: Counts job outcomes, scanner runs, publishes, and reclaim failures and exposes recent scan alerts.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jfeddern/ScanRelay/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Scanner run results
const (
	ScannerOK      = "ok"
	ScannerAlert   = "alert"
	ScannerFailed  = "failed"
	ScannerSkipped = "skipped"
)

// ScanDataProvider supplies the most recent snapshot per image
type ScanDataProvider interface {
	GetScanData() (map[string]*types.Snapshot, time.Time)
}

// Recorder owns a registry and the pipeline metrics. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry
	provider ScanDataProvider
	logger   *logrus.Logger
	mutex    sync.Mutex

	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	scannerRuns     *prometheus.CounterVec
	scannerDuration *prometheus.HistogramVec
	publishes       *prometheus.CounterVec
	reclaimFailures *prometheus.CounterVec

	// Populated from the provider on every scrape
	scannerAlert   *prometheus.GaugeVec
	collectionInfo *prometheus.GaugeVec
}

// NewRecorder creates the recorder. provider may be nil.
func NewRecorder(provider ScanDataProvider, logger *logrus.Logger) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		provider: provider,
		logger:   logger,

		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_jobs_total",
				Help: "Jobs processed by worker and outcome",
			},
			[]string{"worker", "outcome"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanrelay_job_duration_seconds",
				Help:    "Time spent processing a job, from reserve to acknowledgment",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
			},
			[]string{"worker"},
		),

		scannerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_scanner_runs_total",
				Help: "Scanner invocations by scanner and result (ok, alert, failed, skipped)",
			},
			[]string{"scanner", "result"},
		),

		scannerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanrelay_scanner_duration_seconds",
				Help:    "Duration of a single scanner run",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"scanner"},
		),

		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_publishes_total",
				Help: "Jobs published by destination tube and result",
			},
			[]string{"tube", "result"},
		),

		reclaimFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_reclaim_failures_total",
				Help: "Failed resource reclamation steps after a scan",
			},
			[]string{"step"},
		),

		scannerAlert: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scanrelay_scanner_alert",
				Help: "Alert state of the most recent scan per image and scanner (1=alert, 0=ok)",
			},
			[]string{"image", "scanner"},
		),

		collectionInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scanrelay_scan_collection_info",
				Help: "Information about recently scanned images",
			},
			[]string{"info_type"},
		),
	}

	r.registry.MustRegister(
		r.jobs,
		r.jobDuration,
		r.scannerRuns,
		r.scannerDuration,
		r.publishes,
		r.reclaimFailures,
		r.scannerAlert,
		r.collectionInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Registry exposes the underlying registry, mostly for tests
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveJob(worker, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(worker, outcome).Inc()
	r.jobDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

func (r *Recorder) ObserveScanner(scanner, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.scannerRuns.WithLabelValues(scanner, result).Inc()
	r.scannerDuration.WithLabelValues(scanner).Observe(duration.Seconds())
}

func (r *Recorder) ObservePublish(tube string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.publishes.WithLabelValues(tube, result).Inc()
}

func (r *Recorder) ObserveReclaimFailure(step string) {
	if r == nil {
		return
	}
	r.reclaimFailures.WithLabelValues(step).Inc()
}

// Handler serves the registry after refreshing the per-image gauges
func (r *Recorder) Handler() http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.refresh()
		inner.ServeHTTP(w, req)
	})
}

func (r *Recorder) refresh() {
	if r.provider == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Reset to avoid stale images
	r.scannerAlert.Reset()
	r.collectionInfo.Reset()

	data, lastUpdated := r.provider.GetScanData()
	problems := 0
	for image, snapshot := range data {
		if snapshot == nil {
			continue
		}
		label := sanitizeLabelValue(image)
		for _, scanner := range snapshot.Scanners() {
			value := float64(0)
			if snapshot.Alert[scanner] {
				value = 1
			}
			r.scannerAlert.WithLabelValues(label, sanitizeLabelValue(scanner)).Set(value)
		}
		if snapshot.HasProblem() {
			problems++
		}
	}

	r.collectionInfo.WithLabelValues("images_scanned").Set(float64(len(data)))
	r.collectionInfo.WithLabelValues("images_with_alerts").Set(float64(problems))
	if !lastUpdated.IsZero() {
		r.collectionInfo.WithLabelValues("last_scan_timestamp").Set(float64(lastUpdated.Unix()))
	}
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	// Limit length to prevent excessive label sizes
	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}
