// ABOUTME: Image discovery sources feeding the weekly scan producer.
// ABOUTME: Defines the Source contract and the factory selecting file, kube, or mock discovery.

package discovery

import (
	"context"
	"fmt"

	"github.com/jfeddern/ScanRelay/internal/discovery/mock"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	SourceFile = "file"
	SourceKube = "kube"
)

// Source lists the images a weekly sweep should scan
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]types.ImageTarget, error)
}

// Config holds discovery settings
type Config struct {
	Source        string
	ImageListFile string
	SkipPrefix    string
	Namespace     string
	MockMode      bool
}

// NewSource creates the configured discovery source
func NewSource(config Config, logger *logrus.Logger) (Source, error) {
	if config.MockMode {
		logger.Info("Using mock discovery source for testing")
		return mock.NewSource(logger), nil
	}

	switch config.Source {
	case SourceFile, "":
		if config.ImageListFile == "" {
			return nil, fmt.Errorf("file discovery requires an image list file")
		}
		return NewFileSource(config.ImageListFile, config.SkipPrefix, logger), nil
	case SourceKube:
		return NewKubeSource(config.Namespace, config.SkipPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported discovery source: %s", config.Source)
	}
}
