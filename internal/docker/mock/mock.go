// ABOUTME: In-memory docker daemon for mock mode and tests.
// ABOUTME: Tracks local images and records every pull, removal, and prune.

package mock

import (
	"context"
	"fmt"
	"sync"
)

// Daemon mimics the docker adapter without a real daemon
type Daemon struct {
	// PullErrs fails pulls for the named images
	PullErrs map[string]error
	// Labels holds RUN labels per image
	Labels map[string]string

	RemoveErr      error
	PruneImagesErr error
	PruneVolumeErr error

	mutex   sync.Mutex
	images  map[string]bool
	pulls   []string
	removes []string
	prunes  int
}

func NewDaemon() *Daemon {
	return &Daemon{
		PullErrs: map[string]error{},
		Labels:   map[string]string{},
		images:   map[string]bool{},
	}
}

func (d *Daemon) PullImage(ctx context.Context, ref string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pulls = append(d.pulls, ref)
	if err := d.PullErrs[ref]; err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	d.images[ref] = true
	return nil
}

func (d *Daemon) RemoveImage(ctx context.Context, ref string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.removes = append(d.removes, ref)
	if d.RemoveErr != nil {
		return d.RemoveErr
	}
	if !d.images[ref] {
		return fmt.Errorf("No such image: %s", ref)
	}
	delete(d.images, ref)
	return nil
}

func (d *Daemon) PruneDanglingImages(ctx context.Context) (uint64, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.prunes++
	return 0, d.PruneImagesErr
}

func (d *Daemon) PruneDanglingVolumes(ctx context.Context) (uint64, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return 0, d.PruneVolumeErr
}

func (d *Daemon) RunLabel(ctx context.Context, ref string) (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.images[ref] {
		return "", fmt.Errorf("No such image: %s", ref)
	}
	return d.Labels[ref], nil
}

func (d *Daemon) Close() error {
	return nil
}

// HasImage reports whether the image is currently local
func (d *Daemon) HasImage(ref string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.images[ref]
}

func (d *Daemon) Pulls() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.pulls...)
}

func (d *Daemon) Removes() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.removes...)
}

func (d *Daemon) Prunes() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.prunes
}
