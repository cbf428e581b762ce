// ABOUTME: Generic consume-dispatch-acknowledge loop shared by every pipeline stage.
// ABOUTME: Applies retry-delay gating, isolates handler failures, and always acknowledges.

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// Iteration outcomes, also used as metric labels
const (
	OutcomeHandled       = "handled"
	OutcomeHandlerFailed = "handler_failed"
	OutcomeDelayed       = "delayed"
	OutcomeMalformed     = "malformed"
	OutcomeInternalError = "internal_error"
)

// Handler processes one decoded job for a stage
type Handler interface {
	HandleJob(ctx context.Context, job types.Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job types.Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job types.Job) error {
	return f(ctx, job)
}

// Observer receives per-iteration outcomes
type Observer interface {
	ObserveJob(worker, outcome string, duration time.Duration)
}

// Config holds worker loop settings
type Config struct {
	Name string

	// DelayTube receives jobs whose retry delay has not elapsed yet
	DelayTube string

	// RetrySleep is how long to pause before requeueing a delayed job
	RetrySleep time.Duration

	// MaxRetryDelay caps the retry_delay honoured from a job
	MaxRetryDelay time.Duration
}

// Worker turns a queue client into a long running stage service
type Worker struct {
	queue    queue.Client
	handler  Handler
	config   Config
	logger   *logrus.Logger
	observer Observer
	now      func() time.Time
}

// New creates a worker. observer may be nil.
func New(client queue.Client, handler Handler, config Config, logger *logrus.Logger, observer Observer) *Worker {
	return &Worker{
		queue:    client,
		handler:  handler,
		config:   config,
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

// Run processes jobs until the context is cancelled or the queue becomes
// unreachable. A cancelled context returns nil.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger.WithField("worker", w.config.Name)
	logger.Info("Worker running")

	for {
		if err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				logger.Info("Worker stopping")
				return nil
			}
			logger.WithError(err).Error("Worker terminating")
			return err
		}
	}
}

// ProcessOne runs a single Idle → Reserved → {Delayed, Handled, Failed} →
// Acknowledged iteration. Only queue failures and context cancellation are
// returned; everything else is logged and the job is acknowledged. Once a
// job is reserved it runs to completion even if ctx is cancelled meanwhile.
func (w *Worker) ProcessOne(ctx context.Context) error {
	qjob, err := w.queue.Reserve(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	logger := w.logger.WithFields(logrus.Fields{
		"worker": w.config.Name,
		"job_id": qjob.ID,
		"tube":   qjob.Tube,
	})

	outcome, ack, fatal := w.process(ctx, qjob, logger)

	if ack {
		if err := w.queue.Delete(context.WithoutCancel(ctx), qjob); err != nil {
			logger.WithError(err).Error("Failed to acknowledge job")
			if fatal == nil && errors.Is(err, queue.ErrUnreachable) {
				fatal = err
			}
			if outcome == OutcomeHandled {
				outcome = OutcomeInternalError
			}
		}
	} else {
		logger.Warn("Leaving job reserved for redelivery")
	}

	if w.observer != nil {
		w.observer.ObserveJob(w.config.Name, outcome, time.Since(start))
	}
	logger.WithField("outcome", outcome).Debug("Job iteration finished")

	return fatal
}

// process never panics. The returned outcome describes what happened, ack
// is false when the job must be left for redelivery, and fatal carries
// queue failures that must stop the worker.
func (w *Worker) process(ctx context.Context, qjob *queue.Job, logger *logrus.Entry) (outcome string, ack bool, fatal error) {
	ack = true
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"severity": "critical",
				"panic":    fmt.Sprint(r),
				"stack":    string(debug.Stack()),
			}).Error("Unexpected error when processing job")
			outcome = OutcomeInternalError
		}
	}()

	job, err := types.ParseJob(qjob.Body)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"severity": "critical",
			"payload":  truncate(string(qjob.Body), 512),
		}).Error("Dropping malformed job")
		return OutcomeMalformed, true, nil
	}

	logger = logger.WithFields(logrus.Fields{
		"image":  job.Image(),
		"action": job.Action(),
		"stage":  job.Stage().String(),
	})

	if job.RetryPending(w.now(), w.config.MaxRetryDelay) {
		if err := w.requeue(ctx, qjob, logger); err != nil {
			// acknowledging now would lose the job
			if errors.Is(err, queue.ErrUnreachable) {
				return OutcomeInternalError, false, err
			}
			return OutcomeInternalError, false, nil
		}
		return OutcomeDelayed, true, nil
	}

	logger.Info("Got job")
	// shutdown must not cut a reserved job short
	if err := w.handle(context.WithoutCancel(ctx), job, logger); err != nil {
		logger.WithError(err).WithField("job", job.Fields()).Error("Error in handling job")
		if errors.Is(err, queue.ErrUnreachable) {
			return OutcomeHandlerFailed, true, err
		}
		return OutcomeHandlerFailed, true, nil
	}

	return OutcomeHandled, true, nil
}

// requeue republishes the untouched payload on the delay tube
func (w *Worker) requeue(ctx context.Context, qjob *queue.Job, logger *logrus.Entry) error {
	if w.config.RetrySleep > 0 {
		timer := time.NewTimer(w.config.RetrySleep)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	// Publish even if shutdown interrupted the pause; the original is acknowledged next
	if err := w.queue.Put(context.WithoutCancel(ctx), qjob.Body, w.config.DelayTube); err != nil {
		logger.WithError(err).Error("Failed to requeue delayed job")
		return err
	}

	logger.WithField("delay_tube", w.config.DelayTube).Info("Retry delay not elapsed, requeued job")
	return nil
}

// handle invokes the stage handler, converting panics into errors
func (w *Worker) handle(ctx context.Context, job types.Job, logger *logrus.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("Handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return w.handler.HandleJob(ctx, job)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
