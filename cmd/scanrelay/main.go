// ABOUTME: Entry point for the ScanRelay container scanning pipeline.
// ABOUTME: Parses configuration and runs the scan, dispatch, notify, weekly or submit role.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jfeddern/ScanRelay/internal/cache"
	"github.com/jfeddern/ScanRelay/internal/config"
	"github.com/jfeddern/ScanRelay/internal/discovery"
	discoverymock "github.com/jfeddern/ScanRelay/internal/discovery/mock"
	"github.com/jfeddern/ScanRelay/internal/docker"
	dockermock "github.com/jfeddern/ScanRelay/internal/docker/mock"
	"github.com/jfeddern/ScanRelay/internal/engine"
	"github.com/jfeddern/ScanRelay/internal/metrics"
	"github.com/jfeddern/ScanRelay/internal/notify"
	"github.com/jfeddern/ScanRelay/internal/pipeline"
	"github.com/jfeddern/ScanRelay/internal/producer"
	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/reclaim"
	"github.com/jfeddern/ScanRelay/internal/router"
	"github.com/jfeddern/ScanRelay/internal/scanners"
	scannermock "github.com/jfeddern/ScanRelay/internal/scanners/mock"
	"github.com/jfeddern/ScanRelay/internal/server"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/jfeddern/ScanRelay/internal/worker"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "scanrelay: %v\n", err)
		os.Exit(1)
	}
}

// run is main without the process exit so roles can be exercised in tests
func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	cfg, err := config.Parse(args, getenv)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.WithFields(logrus.Fields{
		"mode":      cfg.Mode,
		"watch":     cfg.Watch,
		"beanstalk": cfg.BeanstalkAddr,
		"mock":      cfg.MockMode,
	}).Info("Initializing ScanRelay")

	app := &App{config: cfg, logger: logger}
	defer app.Close()

	return app.Run(ctx)
}

// newLogger builds the JSON logger, tee'd into the log file when configured
func newLogger(cfg *config.Config, stderr io.Writer) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(cfg.Level())
	logger.SetOutput(stderr)

	if cfg.LogPath == "" {
		return logger, func() {}, nil
	}

	file, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(stderr, file))
	return logger, func() { _ = file.Close() }, nil
}

// daemon is the docker surface shared by the puller, the scanners and the reclaimer
type daemon interface {
	engine.ImagePuller
	reclaim.Daemon
	scanners.LabelInspector
	Close() error
}

// App owns the long lived clients of one process
type App struct {
	config *config.Config
	logger *logrus.Logger

	queue  queue.Client
	daemon daemon
	cache  *cache.ScanCache
}

func (a *App) Run(ctx context.Context) error {
	client, err := a.newQueue()
	if err != nil {
		return err
	}
	a.queue = client

	switch a.config.Mode {
	case config.ModeScan:
		return a.runScan(ctx)
	case config.ModeDispatch:
		dispatcher := pipeline.NewDispatcher(a.queue, pipeline.DispatchTubes{
			types.ActionStartScan:   a.config.StartScanTube,
			types.ActionNotify:      a.config.NotifyTube,
			types.ActionNotifyAdmin: a.config.AdminTube,
		}, a.logger)
		return a.runWorker(ctx, dispatcher, metrics.NewRecorder(nil, a.logger), nil)
	case config.ModeNotify:
		handler := notify.NewHandler(a.config.Policy(), notify.NewLogSink(a.logger), a.config.SubjectPrefix, a.logger)
		return a.runWorker(ctx, handler, metrics.NewRecorder(nil, a.logger), nil)
	case config.ModeWeekly:
		return a.runWeekly(ctx)
	case config.ModeSubmit:
		return a.runSubmit(ctx)
	default:
		return fmt.Errorf("unsupported mode: %s", a.config.Mode)
	}
}

func (a *App) Close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.daemon != nil {
		_ = a.daemon.Close()
	}
	if a.cache != nil {
		a.cache.Stop()
	}
}

func (a *App) newQueue() (queue.Client, error) {
	if a.config.MockMode {
		a.logger.Info("Using in-memory queue for testing")
		return queue.NewMemoryClient(a.config.Watch), nil
	}
	return queue.NewBeanstalkClient(queue.BeanstalkConfig{
		Addr:  a.config.BeanstalkAddr,
		Watch: a.config.Watch,
		TTR:   a.config.QueueTTR,
	}, a.logger)
}

func (a *App) runScan(ctx context.Context) error {
	a.cache = cache.NewScanCache(a.config.CacheTTL, a.logger)
	recorder := metrics.NewRecorder(a.cache, a.logger)

	if a.config.MockMode {
		a.logger.Info("Using mock docker daemon for testing")
		a.daemon = dockermock.NewDaemon()
	} else {
		d, err := docker.NewClient(a.logger)
		if err != nil {
			return err
		}
		a.daemon = d
	}

	engineConfig, err := a.scannerConfig(ctx)
	if err != nil {
		return err
	}

	scanEngine := engine.NewEngine(a.daemon, engineConfig, a.cache, recorder, a.logger)
	stageRouter := router.NewRouter(a.queue, router.Tubes{
		Poll:   a.config.PollTube,
		Notify: a.config.MasterTube,
		Admin:  a.config.AdminTube,
	}, recorder, a.logger)
	reclaimer := reclaim.NewReclaimer(a.daemon, a.config.ReclaimTimeout, recorder, a.logger)

	if a.config.MockMode {
		if err := a.seedMockJobs(ctx); err != nil {
			return err
		}
	}

	handler := pipeline.NewScanHandler(scanEngine, stageRouter, reclaimer, a.logger)
	return a.runWorker(ctx, handler, recorder, a.cache)
}

// scannerConfig builds the scanner registry and picks the report scanner
func (a *App) scannerConfig(ctx context.Context) (engine.Config, error) {
	if a.config.MockMode {
		a.logger.Info("Using mock scanners for testing")
		registry := scannermock.DefaultScanners()
		return engine.Config{Scanners: registry, ReportScanner: registry[0]}, nil
	}

	deps := scanners.Dependencies{
		Analytics:    scanners.NewAnalyticsScanner(a.config.AnalyticsTokenFile, a.config.AnalyticsTimeout, a.logger),
		Capabilities: scanners.NewCapabilitiesScanner(a.daemon, a.logger),
		Logger:       a.logger,
	}
	withECR := a.config.ECRAccountID != ""
	if withECR {
		ecr, err := scanners.NewECRScanner(ctx, a.config.ECRAccountID, a.config.ECRRegion, a.logger)
		if err != nil {
			return engine.Config{}, fmt.Errorf("failed to create ECR scanner: %w", err)
		}
		deps.ECR = ecr
	}

	defs := scanners.DefaultDefinitions(withECR)
	if a.config.ScannerRegistry != "" {
		loaded, err := scanners.LoadDefinitions(a.config.ScannerRegistry)
		if err != nil {
			return engine.Config{}, err
		}
		defs = loaded
	}

	registry, err := scanners.Build(defs, deps)
	if err != nil {
		return engine.Config{}, err
	}

	names := make([]string, 0, len(registry))
	for _, s := range registry {
		names = append(names, s.Name())
	}
	a.logger.WithField("scanners", names).Info("Scanner registry loaded")

	return engine.Config{Scanners: registry, ReportScanner: deps.Analytics}, nil
}

// seedMockJobs queues the mock discovery images on the watched tube so the
// in-memory pipeline has work
func (a *App) seedMockJobs(ctx context.Context) error {
	p := a.newProducer(a.config.Watch, nil)
	_, err := p.Weekly(ctx, discoverymock.NewSource(a.logger))
	return err
}

func (a *App) runWorker(ctx context.Context, handler worker.Handler, recorder *metrics.Recorder, scans server.ScanDataProvider) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if a.config.Port > 0 {
		status := server.New(server.Config{Port: a.config.Port, Mode: a.config.Mode}, recorder.Handler(), scans, a.logger)
		go func() {
			if err := status.Start(ctx); err != nil {
				a.logger.WithError(err).Error("HTTP server failed")
				serverErr <- err
				cancel()
			}
		}()
	}

	w := worker.New(a.queue, handler, worker.Config{
		Name:          a.config.Mode,
		DelayTube:     a.config.MasterTube,
		RetrySleep:    a.config.RetrySleep,
		MaxRetryDelay: a.config.MaxRetryDelay,
	}, a.logger, recorder)

	err := w.Run(ctx)
	select {
	case serr := <-serverErr:
		return errors.Join(err, serr)
	default:
		return err
	}
}

func (a *App) newProducer(tube string, observer producer.PublishObserver) *producer.Producer {
	return producer.NewProducer(a.queue, producer.Config{
		Tube:            tube,
		LogsBaseDir:     a.config.LogsBaseDir,
		AnalyticsServer: a.config.AnalyticsServer,
		NotifyEmails:    a.config.Recipients(),
	}, observer, a.logger)
}

func (a *App) runWeekly(ctx context.Context) error {
	source, err := discovery.NewSource(discovery.Config{
		Source:        a.config.DiscoverySource,
		ImageListFile: a.config.ImageListFile,
		SkipPrefix:    a.config.SkipRegistryPrefix,
		Namespace:     a.config.KubeNamespace,
		MockMode:      a.config.MockMode,
	}, a.logger)
	if err != nil {
		return err
	}

	result, err := a.newProducer(a.config.MasterTube, nil).Weekly(ctx, source)
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"source":     source.Name(),
		"discovered": result.Discovered,
		"queued":     result.Queued,
		"skipped":    result.Skipped,
	}).Info("Queued containers for weekly scan")
	return nil
}

func (a *App) runSubmit(ctx context.Context) error {
	_, err := a.newProducer(a.config.MasterTube, nil).Submit(ctx, producer.Submission{
		Image:   a.config.Image,
		GitURL:  a.config.GitURL,
		GitSHA:  a.config.GitSHA,
		LogsDir: a.config.LogsDir,
	})
	return err
}
