// ABOUTME: Scan stage handler composing the orchestrator, the stage router, and the reclaimer.
// ABOUTME: The reclaimer always runs last, including on the image pull failure path.

package pipeline

import (
	"context"
	"errors"

	"github.com/jfeddern/ScanRelay/internal/engine"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// Scanner runs the orchestration for a job
type Scanner interface {
	Scan(ctx context.Context, job types.Job) (*engine.Result, error)
}

// Router publishes the job to its next stages
type Router interface {
	Route(ctx context.Context, job types.Job, snapshot *types.Snapshot, pulled bool) error
}

// Reclaimer frees daemon resources after a job
type Reclaimer interface {
	Reclaim(ctx context.Context, image string, pulled bool) []string
}

// ScanHandler implements worker.Handler for the start_scan tube
type ScanHandler struct {
	scanner   Scanner
	router    Router
	reclaimer Reclaimer
	logger    *logrus.Logger
}

func NewScanHandler(scanner Scanner, router Router, reclaimer Reclaimer, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{scanner: scanner, router: router, reclaimer: reclaimer, logger: logger}
}

func (h *ScanHandler) HandleJob(ctx context.Context, job types.Job) (err error) {
	pulled := false
	defer func() {
		if failed := h.reclaimer.Reclaim(ctx, job.Image(), pulled); len(failed) > 0 {
			h.logger.WithFields(logrus.Fields{
				"image":        job.Image(),
				"failed_steps": failed,
			}).Warn("Resource cleanup incomplete")
		}
	}()

	result, err := h.scanner.Scan(ctx, job)
	if err != nil && !errors.Is(err, engine.ErrImagePull) {
		return err
	}

	var snapshot *types.Snapshot
	if result != nil {
		pulled = result.Pulled
		snapshot = result.Snapshot
	}
	if err != nil {
		pulled = false
		h.logger.WithError(err).WithField("image", job.Image()).Warn("Routing job to admin notification")
	}

	return h.router.Route(ctx, job, snapshot, pulled)
}
