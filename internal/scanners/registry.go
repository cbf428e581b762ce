// ABOUTME: Ordered scanner registry built from defaults or a YAML definition file.
// ABOUTME: Resolves each entry's type to a concrete scanner implementation.

package scanners

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Built-in entry types
const (
	TypeAnalytics    = "analytics"
	TypeCapabilities = "capabilities"
	TypeECR          = "ecr"
	TypeCommand      = "command"
)

// Definition describes a single registry entry
type Definition struct {
	Type       string   `yaml:"type"`
	Name       string   `yaml:"name"`
	ResultFile string   `yaml:"result_file"`
	Command    []string `yaml:"command"`
	Timeout    string   `yaml:"timeout"`
}

type registryFile struct {
	Scanners []Definition `yaml:"scanners"`
}

// Dependencies are the collaborators built-in scanners need. ECR may be
// nil when no ECR registry is configured.
type Dependencies struct {
	Analytics    *AnalyticsScanner
	Capabilities *CapabilitiesScanner
	ECR          *ECRScanner
	Logger       *logrus.Logger
}

// DefaultDefinitions is the registry used when no file is configured
func DefaultDefinitions(withECR bool) []Definition {
	defs := []Definition{
		{Type: TypeAnalytics},
		{Type: TypeCapabilities},
	}
	if withECR {
		defs = append(defs, Definition{Type: TypeECR})
	}
	return defs
}

// LoadDefinitions reads a YAML registry file
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scanner registry: %w", err)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) ([]Definition, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scanner registry: %w", err)
	}
	if len(file.Scanners) == 0 {
		return nil, fmt.Errorf("scanner registry defines no scanners")
	}
	return file.Scanners, nil
}

// Build resolves definitions into scanners, keeping their order. Names
// must be unique because they key the snapshot.
func Build(defs []Definition, deps Dependencies) ([]Scanner, error) {
	seen := map[string]bool{}
	list := make([]Scanner, 0, len(defs))

	for i, def := range defs {
		scanner, err := build(def, deps)
		if err != nil {
			return nil, fmt.Errorf("scanner registry entry %d: %w", i, err)
		}
		if seen[scanner.Name()] {
			return nil, fmt.Errorf("scanner registry entry %d: duplicate scanner %q", i, scanner.Name())
		}
		seen[scanner.Name()] = true
		list = append(list, scanner)
	}
	return list, nil
}

func build(def Definition, deps Dependencies) (Scanner, error) {
	switch strings.ToLower(def.Type) {
	case TypeAnalytics:
		if deps.Analytics == nil {
			return nil, fmt.Errorf("analytics scanner is not configured")
		}
		return deps.Analytics, nil
	case TypeCapabilities:
		if deps.Capabilities == nil {
			return nil, fmt.Errorf("capabilities scanner is not configured")
		}
		return deps.Capabilities, nil
	case TypeECR:
		if deps.ECR == nil {
			return nil, fmt.Errorf("ecr scanner is not configured")
		}
		return deps.ECR, nil
	case TypeCommand:
		var timeout time.Duration
		if def.Timeout != "" {
			d, err := time.ParseDuration(def.Timeout)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout %q: %w", def.Timeout, err)
			}
			timeout = d
		}
		return NewCommandScanner(def.Name, def.ResultFile, def.Command, timeout, deps.Logger)
	default:
		return nil, fmt.Errorf("unsupported scanner type %q", def.Type)
	}
}
