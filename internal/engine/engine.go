// ABOUTME: Scan orchestrator that pulls the image under test and runs the scanner registry.
// ABOUTME: Isolates scanner failures and aggregates their outcomes into one persisted snapshot.

package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jfeddern/ScanRelay/internal/cache"
	"github.com/jfeddern/ScanRelay/internal/metrics"
	"github.com/jfeddern/ScanRelay/internal/scanners"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// ErrImagePull aborts the scan stage for a job
var ErrImagePull = errors.New("image pull failed")

// ImagePuller fetches the image under test onto the local daemon
type ImagePuller interface {
	PullImage(ctx context.Context, image string) error
}

// ScannerObserver receives per-scanner results
type ScannerObserver interface {
	ObserveScanner(scanner, result string, duration time.Duration)
}

// ResultStore keeps recent scan results for the status endpoints
type ResultStore interface {
	Set(record cache.ScanRecord)
}

// Config holds the scanners the orchestrator runs
type Config struct {
	// Scanners run in order for jobs that have not been polled yet
	Scanners []scanners.Scanner

	// ReportScanner is the only scanner run once a report is awaited
	ReportScanner scanners.Scanner
}

// Result is the outcome of one orchestration
type Result struct {
	Job      types.Job
	Snapshot *types.Snapshot
	Pulled   bool

	// Status is true when the image was reachable and every scanner ran,
	// whatever their individual outcomes
	Status bool

	SnapshotPath string
}

// Engine orchestrates scanners for one job at a time
type Engine struct {
	puller   ImagePuller
	config   Config
	store    ResultStore
	observer ScannerObserver
	logger   *logrus.Logger
}

// NewEngine creates an orchestrator. store and observer may be nil.
func NewEngine(puller ImagePuller, config Config, store ResultStore, observer ScannerObserver, logger *logrus.Logger) *Engine {
	return &Engine{
		puller:   puller,
		config:   config,
		store:    store,
		observer: observer,
		logger:   logger,
	}
}

// Scan pulls the image and runs the scanners selected by the job's stage.
// A pull failure returns a result with Pulled=false and an error wrapping
// ErrImagePull; no scanner runs in that case.
func (e *Engine) Scan(ctx context.Context, job types.Job) (*Result, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"component": "scan_engine",
		"image":     job.Image(),
		"stage":     job.Stage().String(),
		"logs_dir":  job.LogsDir(),
	})
	startTime := time.Now()

	if err := e.puller.PullImage(ctx, job.Image()); err != nil {
		logger.WithError(err).Error("Image pull failed, skipping scanners")
		e.remember(job, nil, false)
		return &Result{Job: job}, fmt.Errorf("%w: %s: %v", ErrImagePull, job.Image(), err)
	}

	mode := scanners.ModeRegister
	list := e.config.Scanners
	if job.Stage() == types.StageAwaitingReport {
		mode = scanners.ModeReport
		list = nil
		if e.config.ReportScanner != nil {
			list = []scanners.Scanner{e.config.ReportScanner}
		}
	}

	req := scanners.NewRequest(job, mode)
	builder := types.NewSnapshotBuilder()
	for _, scanner := range list {
		e.runScanner(ctx, scanner, req, builder, logger)
	}
	snapshot := builder.Build()

	result := &Result{
		Job:      job,
		Snapshot: snapshot,
		Pulled:   true,
		Status:   true,
	}

	// Persistence is best effort; the snapshot still travels with the job
	path, err := snapshot.WriteFile(job.LogsDir())
	if err != nil {
		logger.WithError(err).WithField("severity", "critical").Error("Failed to write scanners status")
	} else {
		result.SnapshotPath = path
		logger.WithField("path", path).Info("Wrote scanners status")
	}

	e.remember(job, snapshot, true)

	logger.WithFields(logrus.Fields{
		"duration":     time.Since(startTime),
		"scan_type":    mode,
		"scanners_run": len(snapshot.Msg),
		"problem":      snapshot.HasProblem(),
	}).Info("Scan completed")

	return result, nil
}

// runScanner runs one scanner, recording its outcome or failure. It never
// panics and never fails the orchestration.
func (e *Engine) runScanner(ctx context.Context, scanner scanners.Scanner, req scanners.Request, builder *types.SnapshotBuilder, logger *logrus.Entry) {
	name := scanner.Name()
	logger = logger.WithField("scanner", name)
	start := time.Now()

	outcome, err := safeRun(ctx, scanner, req, logger)
	duration := time.Since(start)

	switch {
	case errors.Is(err, scanners.ErrPrecondition):
		logger.WithError(err).Warn("Skipping scanner")
		e.observe(name, metrics.ScannerSkipped, duration)
	case err != nil:
		logger.WithError(err).Error("Scanner failed")
		builder.Fail(name, fmt.Sprintf("Failed to run scanner %s: %v", name, err))
		e.observe(name, metrics.ScannerFailed, duration)
	default:
		builder.Record(name, outcome.Summary, outcome.Alert, outcome.ResultPath)
		result := metrics.ScannerOK
		if outcome.Alert {
			result = metrics.ScannerAlert
		}
		e.observe(name, result, duration)
		logger.WithFields(logrus.Fields{
			"alert":    outcome.Alert,
			"duration": duration,
		}).Info("Finished running scanner")
	}
}

func safeRun(ctx context.Context, scanner scanners.Scanner, req scanners.Request, logger *logrus.Entry) (outcome scanners.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("Scanner panicked")
			err = fmt.Errorf("scanner panic: %v", r)
		}
	}()
	return scanner.Run(ctx, req)
}

func (e *Engine) observe(scanner, result string, duration time.Duration) {
	if e.observer != nil {
		e.observer.ObserveScanner(scanner, result, duration)
	}
}

func (e *Engine) remember(job types.Job, snapshot *types.Snapshot, pulled bool) {
	if e.store == nil {
		return
	}
	e.store.Set(cache.ScanRecord{
		Image:    job.Image(),
		Stage:    job.Stage().String(),
		LogsDir:  job.LogsDir(),
		Weekly:   job.Weekly(),
		Pulled:   pulled,
		Snapshot: snapshot,
	})
}
