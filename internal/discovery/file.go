// ABOUTME: File based discovery reading git-url;git-sha;image lines.
// ABOUTME: Duplicate lines are dropped and images under the skip prefix are filtered out.

package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// FileSource implements Source over a local image list
type FileSource struct {
	imageListFile string
	skipPrefix    string
	logger        *logrus.Logger
}

func NewFileSource(imageListFile, skipPrefix string, logger *logrus.Logger) *FileSource {
	return &FileSource{
		imageListFile: imageListFile,
		skipPrefix:    skipPrefix,
		logger:        logger,
	}
}

func (f *FileSource) Name() string {
	return SourceFile
}

// Discover parses the image list. Lines without exactly three fields are
// logged and skipped.
func (f *FileSource) Discover(ctx context.Context) ([]types.ImageTarget, error) {
	logger := f.logger.WithFields(logrus.Fields{
		"operation": "discover_images_file",
		"file":      f.imageListFile,
	})

	data, err := os.ReadFile(f.imageListFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read image list file '%s': %w", f.imageListFile, err)
	}

	seen := make(map[string]bool)
	var images []types.ImageTarget
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true

		parts := strings.Split(line, ";")
		if len(parts) != 3 {
			logger.WithField("line", line).Warn("Incomplete image info, skipping")
			continue
		}

		image := strings.TrimSpace(parts[2])
		if image == "" || (f.skipPrefix != "" && strings.HasPrefix(image, f.skipPrefix)) {
			continue
		}

		images = append(images, types.ImageTarget{
			Image:        image,
			GitURL:       strings.TrimSpace(parts[0]),
			GitSHA:       strings.TrimSpace(parts[1]),
			Namespace:    "local",
			Workload:     "local",
			WorkloadType: "File",
		})
	}

	logger.WithField("image_count", len(images)).Info("File image discovery completed")
	return images, nil
}
