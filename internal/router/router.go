// ABOUTME: Stage router deciding which tubes a job travels to after orchestration.
// ABOUTME: Pure decision table plus a publisher that reports every failed route.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// Default tube names
const (
	DefaultPollTube   = "poll_server"
	DefaultNotifyTube = "master_tube"
	DefaultAdminTube  = "notify_admin"
)

// Tubes names the destinations
type Tubes struct {
	Poll   string
	Notify string
	Admin  string
}

// DefaultTubes matches the dispatcher topology
func DefaultTubes() Tubes {
	return Tubes{Poll: DefaultPollTube, Notify: DefaultNotifyTube, Admin: DefaultAdminTube}
}

// Route is one publish decision
type Route struct {
	Tube string
	Job  types.Job
}

// PublishObserver receives per-publish results
type PublishObserver interface {
	ObservePublish(tube string, err error)
}

// Decide applies the routing table:
//
//	pre-scan, pulled     -> original job to Poll, snapshot job (action=notify) to Notify
//	pre-scan, not pulled -> job (action=notify_admin) to Admin
//	awaiting report      -> snapshot job (action=notify) to Notify, or Admin when not pulled
func Decide(tubes Tubes, job types.Job, snapshot *types.Snapshot, pulled bool) []Route {
	if !pulled {
		return []Route{{Tube: tubes.Admin, Job: job.WithAction(types.ActionNotifyAdmin)}}
	}

	if snapshot == nil {
		snapshot = types.NewSnapshot()
	}
	notifyJob := job.WithSnapshot(snapshot).WithAction(types.ActionNotify)
	if job.Stage() == types.StageAwaitingReport {
		return []Route{{Tube: tubes.Notify, Job: notifyJob}}
	}

	return []Route{
		{Tube: tubes.Poll, Job: job},
		{Tube: tubes.Notify, Job: notifyJob},
	}
}

// Router publishes routing decisions
type Router struct {
	publisher queue.Publisher
	tubes     Tubes
	observer  PublishObserver
	logger    *logrus.Logger
}

// NewRouter creates a router. observer may be nil.
func NewRouter(publisher queue.Publisher, tubes Tubes, observer PublishObserver, logger *logrus.Logger) *Router {
	return &Router{
		publisher: publisher,
		tubes:     tubes,
		observer:  observer,
		logger:    logger,
	}
}

// Route publishes every route for the job. A failed publish does not stop
// the remaining ones; all failures are joined into the returned error.
func (r *Router) Route(ctx context.Context, job types.Job, snapshot *types.Snapshot, pulled bool) error {
	var errs []error

	for _, route := range Decide(r.tubes, job, snapshot, pulled) {
		logger := r.logger.WithFields(logrus.Fields{
			"image":  job.Image(),
			"tube":   route.Tube,
			"action": route.Job.Action(),
		})

		err := r.publish(ctx, route)
		if r.observer != nil {
			r.observer.ObservePublish(route.Tube, err)
		}
		if err != nil {
			logger.WithError(err).Error("Failed to publish job")
			errs = append(errs, err)
			continue
		}
		logger.Info("Queued job")
	}

	return errors.Join(errs...)
}

func (r *Router) publish(ctx context.Context, route Route) error {
	body, err := json.Marshal(route.Job)
	if err != nil {
		return fmt.Errorf("failed to encode job for %s: %w", route.Tube, err)
	}
	if err := r.publisher.Put(ctx, body, route.Tube); err != nil {
		return fmt.Errorf("failed to publish job to %s: %w", route.Tube, err)
	}
	return nil
}
