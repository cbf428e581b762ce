// ABOUTME: Docker daemon adapter for pulling, inspecting, and reclaiming scanned images.
// ABOUTME: Wraps the docker engine API client with the operations the pipeline needs.

package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"
)

// RunLabelKey is the image label holding the recommended docker run command
const RunLabelKey = "RUN"

// Client talks to the local docker daemon
type Client struct {
	api    *client.Client
	logger *logrus.Logger
}

// NewClient connects using DOCKER_HOST and related environment variables
func NewClient(logger *logrus.Logger) (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: api, logger: logger}, nil
}

// PullImage pulls the image and waits for the pull to finish. An error
// reported inside the progress stream fails the pull.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	logger := c.logger.WithField("image", ref)
	logger.Info("Pulling image")

	stream, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer stream.Close()

	if err := checkPullStream(stream); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	logger.Info("Pulled image")
	return nil
}

// RemoveImage force removes the image
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if _, err := c.api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// PruneDanglingImages removes untagged images and returns the reclaimed bytes
func (c *Client) PruneDanglingImages(ctx context.Context) (uint64, error) {
	report, err := c.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, fmt.Errorf("failed to prune dangling images: %w", err)
	}
	return report.SpaceReclaimed, nil
}

// PruneDanglingVolumes removes unused anonymous volumes and returns the reclaimed bytes
func (c *Client) PruneDanglingVolumes(ctx context.Context) (uint64, error) {
	report, err := c.api.VolumesPrune(ctx, filters.NewArgs())
	if err != nil {
		return 0, fmt.Errorf("failed to prune dangling volumes: %w", err)
	}
	return report.SpaceReclaimed, nil
}

// RunLabel returns the RUN label of a local image, empty when unset
func (c *Client) RunLabel(ctx context.Context, ref string) (string, error) {
	inspect, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if inspect.Config == nil {
		return "", nil
	}
	return inspect.Config.Labels[RunLabelKey], nil
}

func (c *Client) Close() error {
	return c.api.Close()
}

// checkPullStream drains a pull progress stream, returning the first error
// message the daemon reported
func checkPullStream(r io.Reader) error {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read pull progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
	}
}
