// ABOUTME: Mock discovery source for local testing and development.
// ABOUTME: Returns a fixed set of images with git coordinates without cluster or file access.

package mock

import (
	"context"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

type Source struct {
	logger *logrus.Logger
}

func NewSource(logger *logrus.Logger) *Source {
	return &Source{logger: logger}
}

func (m *Source) Name() string {
	return "mock"
}

// Discover returns images simulating a small deployment
func (m *Source) Discover(ctx context.Context) ([]types.ImageTarget, error) {
	images := []types.ImageTarget{
		{
			Image:        "123456789012.dkr.ecr.us-east-1.amazonaws.com/web-frontend:v1.2.3",
			GitURL:       "https://github.com/example/web-frontend",
			GitSHA:       "4f1c2a9",
			Namespace:    "production",
			Workload:     "web-frontend",
			WorkloadType: "Deployment",
		},
		{
			Image:        "123456789012.dkr.ecr.us-east-1.amazonaws.com/api-backend:v2.1.0",
			GitURL:       "https://github.com/example/api-backend",
			GitSHA:       "9be07d1",
			Namespace:    "production",
			Workload:     "api-backend",
			WorkloadType: "Deployment",
		},
		{
			Image:        "docker.io/library/postgres:14.9",
			GitURL:       "https://github.com/example/platform-db",
			GitSHA:       "c03e5f8",
			Namespace:    "production",
			Workload:     "postgres-db",
			WorkloadType: "StatefulSet",
		},
		{
			Image:        "quay.io/example/worker-service:latest",
			GitURL:       "https://github.com/example/worker-service",
			GitSHA:       "71aa3b0",
			Namespace:    "staging",
			Workload:     "worker-service",
			WorkloadType: "Deployment",
		},
	}

	m.logger.WithField("image_count", len(images)).Info("Mock image discovery completed")
	return images, nil
}
