// ABOUTME: Resource reclaimer removing the scanned image and dangling layers after a job.
// ABOUTME: Every step is best effort and independent of the others.

package reclaim

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Step names, also used as metric labels
const (
	StepRemoveImage  = "remove_image"
	StepPruneImages  = "prune_images"
	StepPruneVolumes = "prune_volumes"
)

// Daemon is the docker surface the reclaimer needs
type Daemon interface {
	RemoveImage(ctx context.Context, image string) error
	PruneDanglingImages(ctx context.Context) (uint64, error)
	PruneDanglingVolumes(ctx context.Context) (uint64, error)
}

// FailureObserver counts failed steps
type FailureObserver interface {
	ObserveReclaimFailure(step string)
}

type Reclaimer struct {
	daemon   Daemon
	timeout  time.Duration
	observer FailureObserver
	logger   *logrus.Logger
}

// NewReclaimer creates a reclaimer. A zero timeout defaults to two minutes
// per step; observer may be nil.
func NewReclaimer(daemon Daemon, timeout time.Duration, observer FailureObserver, logger *logrus.Logger) *Reclaimer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Reclaimer{daemon: daemon, timeout: timeout, observer: observer, logger: logger}
}

// Reclaim removes image (when pulled) and prunes dangling images and
// volumes. It runs even when ctx is already cancelled and returns the
// names of failed steps for logging.
func (r *Reclaimer) Reclaim(ctx context.Context, image string, pulled bool) []string {
	ctx = context.WithoutCancel(ctx)
	logger := r.logger.WithFields(logrus.Fields{
		"component": "reclaimer",
		"image":     image,
	})

	var failed []string
	run := func(step string, fn func(ctx context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if err := fn(stepCtx); err != nil {
			logger.WithError(err).WithField("step", step).Warn("Cleanup step failed")
			failed = append(failed, step)
			if r.observer != nil {
				r.observer.ObserveReclaimFailure(step)
			}
			return
		}
		logger.WithField("step", step).Debug("Cleanup step completed")
	}

	if pulled && image != "" {
		run(StepRemoveImage, func(ctx context.Context) error {
			return r.daemon.RemoveImage(ctx, image)
		})
	}

	run(StepPruneImages, func(ctx context.Context) error {
		reclaimed, err := r.daemon.PruneDanglingImages(ctx)
		if err == nil && reclaimed > 0 {
			logger.WithField("bytes_reclaimed", reclaimed).Info("Removed dangling images")
		}
		return err
	})

	run(StepPruneVolumes, func(ctx context.Context) error {
		reclaimed, err := r.daemon.PruneDanglingVolumes(ctx)
		if err == nil && reclaimed > 0 {
			logger.WithField("bytes_reclaimed", reclaimed).Info("Removed dangling volumes")
		}
		return err
	})

	return failed
}
