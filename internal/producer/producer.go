// ABOUTME: Producers creating start_scan jobs for the weekly sweep and on-demand submissions.
// ABOUTME: Each job gets a fresh logs directory and is published to the dispatcher tube.

package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

const DefaultTube = "master_tube"

// ErrNoImages is returned when a weekly sweep discovers nothing to scan
var ErrNoImages = errors.New("no images discovered")

// Source lists the images a weekly sweep should scan
type Source interface {
	Discover(ctx context.Context) ([]types.ImageTarget, error)
}

// PublishObserver receives per-publish results
type PublishObserver interface {
	ObservePublish(tube string, err error)
}

type Config struct {
	// Tube receives the produced jobs
	Tube string

	// LogsBaseDir is where per-job logs directories are created
	LogsBaseDir string

	AnalyticsServer string
	NotifyEmails    []string
}

// Submission is one on-demand scan request
type Submission struct {
	Image  string
	GitURL string
	GitSHA string

	// LogsDir is used as is when set, otherwise a fresh one is created
	LogsDir string
}

// WeeklyResult summarises a sweep
type WeeklyResult struct {
	Discovered int
	Queued     int
	Skipped    int
}

type Producer struct {
	publisher queue.Publisher
	config    Config
	observer  PublishObserver
	logger    *logrus.Logger

	now   func() time.Time
	newID func() string
	mkdir func(path string, perm os.FileMode) error
}

// NewProducer creates a producer. observer may be nil.
func NewProducer(publisher queue.Publisher, config Config, observer PublishObserver, logger *logrus.Logger) *Producer {
	if config.Tube == "" {
		config.Tube = DefaultTube
	}
	if config.LogsBaseDir == "" {
		config.LogsBaseDir = os.TempDir()
	}
	return &Producer{
		publisher: publisher,
		config:    config,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.NewString()[:8] },
		mkdir:     os.MkdirAll,
	}
}

// Submit enqueues a single on-demand scan
func (p *Producer) Submit(ctx context.Context, sub Submission) (types.Job, error) {
	if sub.Image == "" {
		return types.Job{}, fmt.Errorf("image is required")
	}

	logsDir := sub.LogsDir
	if logsDir == "" {
		dir, err := p.NewLogsDir()
		if err != nil {
			return types.Job{}, err
		}
		logsDir = dir
	}

	job := p.newJob(types.ImageTarget{Image: sub.Image, GitURL: sub.GitURL, GitSHA: sub.GitSHA}, logsDir, false)
	if err := p.publish(ctx, job); err != nil {
		return types.Job{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"image":    sub.Image,
		"logs_dir": logsDir,
		"tube":     p.config.Tube,
	}).Info("Queued image for scanning")
	return job, nil
}

// Weekly discovers images and enqueues a weekly job for each of them.
// Images whose logs directory can not be created are skipped; a queue
// outage aborts the sweep.
func (p *Producer) Weekly(ctx context.Context, source Source) (WeeklyResult, error) {
	logger := p.logger.WithField("operation", "weekly_scan")
	logger.Info("Starting weekly scan")

	images, err := source.Discover(ctx)
	if err != nil {
		return WeeklyResult{}, fmt.Errorf("image discovery failed: %w", err)
	}
	if len(images) == 0 {
		return WeeklyResult{}, ErrNoImages
	}

	result := WeeklyResult{Discovered: len(images)}
	for _, target := range images {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		imageLogger := logger.WithField("image", target.Image)

		logsDir, err := p.NewLogsDir()
		if err != nil {
			imageLogger.WithError(err).Warn("Can't create result dir, skipping weekly scan for image")
			result.Skipped++
			continue
		}

		job := p.newJob(target, logsDir, true)
		if err := p.publish(ctx, job); err != nil {
			if errors.Is(err, queue.ErrUnreachable) {
				return result, err
			}
			imageLogger.WithError(err).Error("Failed to queue weekly scan")
			result.Skipped++
			continue
		}

		result.Queued++
		imageLogger.WithField("logs_dir", logsDir).Info("Queued weekly scanning")
	}

	logger.WithFields(logrus.Fields{
		"discovered": result.Discovered,
		"queued":     result.Queued,
		"skipped":    result.Skipped,
	}).Info("Weekly scan queued")
	return result, nil
}

// NewLogsDir creates <base>/<timestamp>-<id>-scan, retrying once with a new id
func (p *Producer) NewLogsDir() (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		name := fmt.Sprintf("%s-%s-scan", p.now().Format("2006-01-02-15-04-05"), p.newID())
		dir := filepath.Join(p.config.LogsBaseDir, name)
		if err := p.mkdir(dir, 0o755); err != nil {
			lastErr = err
			p.logger.WithError(err).WithField("dir", dir).Warn("Failed to create dir for scanner results")
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("failed to create logs dir: %w", lastErr)
}

func (p *Producer) newJob(target types.ImageTarget, logsDir string, weekly bool) types.Job {
	fields := map[string]any{
		types.FieldAction:  string(types.ActionStartScan),
		types.FieldImage:   target.Image,
		types.FieldLogsDir: logsDir,
	}
	if weekly {
		fields[types.FieldWeekly] = true
	}
	if p.config.AnalyticsServer != "" {
		fields[types.FieldAnalyticsServer] = p.config.AnalyticsServer
	}
	if len(p.config.NotifyEmails) > 0 {
		fields[types.FieldNotifyEmail] = p.config.NotifyEmails
	}
	if target.GitURL != "" {
		fields[types.FieldGitURL] = target.GitURL
	}
	if target.GitSHA != "" {
		fields[types.FieldGitSHA] = target.GitSHA
	}
	return types.NewJob(fields)
}

func (p *Producer) publish(ctx context.Context, job types.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	err = p.publisher.Put(ctx, body, p.config.Tube)
	if p.observer != nil {
		p.observer.ObservePublish(p.config.Tube, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish job for %s: %w", job.Image(), err)
	}
	return nil
}
