// ABOUTME: Dispatcher forwarding jobs from the master tube to the handler tube named by their action.
// ABOUTME: Serves as the single ingress for producers and the stage router.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// DispatchTubes maps actions onto tubes
type DispatchTubes map[types.Action]string

// DefaultDispatchTubes sends each action to the tube of the same name
func DefaultDispatchTubes() DispatchTubes {
	return DispatchTubes{
		types.ActionStartScan:   string(types.ActionStartScan),
		types.ActionNotify:      string(types.ActionNotify),
		types.ActionNotifyAdmin: string(types.ActionNotifyAdmin),
	}
}

type Dispatcher struct {
	publisher queue.Publisher
	tubes     DispatchTubes
	logger    *logrus.Logger
}

func NewDispatcher(publisher queue.Publisher, tubes DispatchTubes, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, tubes: tubes, logger: logger}
}

func (d *Dispatcher) HandleJob(ctx context.Context, job types.Job) error {
	tube, ok := d.tubes[job.Action()]
	if !ok || tube == "" {
		return fmt.Errorf("no tube configured for action %q", job.Action())
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := d.publisher.Put(ctx, body, tube); err != nil {
		return fmt.Errorf("failed to dispatch job to %s: %w", tube, err)
	}

	d.logger.WithFields(logrus.Fields{
		"image":  job.Image(),
		"action": job.Action(),
		"tube":   tube,
	}).Info("Dispatched job")
	return nil
}
