// ABOUTME: Tests for the scanner contract helpers and the registry builder.
// ABOUTME: Covers request env mapping, precondition errors, result export, and YAML definitions.

package scanners

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewRequestEnv(t *testing.T) {
	job := types.NewJob(map[string]any{
		types.FieldAction:          "start_scan",
		types.FieldImage:           "centos:7",
		types.FieldLogsDir:         "/tmp/logs",
		types.FieldAnalyticsServer: "http://analytics",
		types.FieldGitURL:          "https://github.com/org/repo",
		types.FieldGitSHA:          "abc123",
	})

	req := NewRequest(job, ModeRegister)
	assert.Equal(t, "centos:7", req.Image)
	assert.Equal(t, "/tmp/logs", req.ResultDir)
	assert.Equal(t, map[string]string{
		EnvImageName: "centos:7",
		EnvResultDir: "/tmp/logs",
		EnvServer:    "http://analytics",
		EnvGitURL:    "https://github.com/org/repo",
		EnvGitSHA:    "abc123",
	}, req.Env)
	assert.NoError(t, req.RequireEnv(EnvServer, EnvGitURL, EnvGitSHA))
}

func TestRequireEnvIsPrecondition(t *testing.T) {
	req := NewRequest(types.NewJob(map[string]any{types.FieldImage: "centos:7"}), ModeRegister)

	err := req.RequireEnv(EnvServer, EnvGitURL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Contains(t, err.Error(), EnvServer)
	assert.Contains(t, err.Error(), EnvGitURL)
}

func TestWriteResult(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteResult(dir, "x_results.json", map[string]any{"Summary": "ok"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x_results.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ok", decoded["Summary"])

	_, err = WriteResult(filepath.Join(dir, "missing"), "x.json", map[string]any{})
	assert.Error(t, err)
}

func TestParseDefinitions(t *testing.T) {
	data := []byte(`
scanners:
  - type: analytics
  - type: capabilities
  - type: command
    name: yum-update
    result_file: yum_update_scanner_results.json
    command: ["/usr/bin/yum-scan", "{image}"]
    timeout: 5m
`)

	defs, err := ParseDefinitions(data)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, TypeCommand, defs[2].Type)
	assert.Equal(t, "yum-update", defs[2].Name)
	assert.Equal(t, []string{"/usr/bin/yum-scan", "{image}"}, defs[2].Command)
	assert.Equal(t, "5m", defs[2].Timeout)

	_, err = ParseDefinitions([]byte("scanners: []"))
	assert.Error(t, err)

	_, err = ParseDefinitions([]byte("scanners: ["))
	assert.Error(t, err)
}

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanners.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanners:\n  - type: analytics\n"), 0o644))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	assert.Equal(t, []Definition{{Type: TypeAnalytics}}, defs)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	logger := quietLogger()
	deps := Dependencies{
		Analytics:    NewAnalyticsScanner("", 0, logger),
		Capabilities: NewCapabilitiesScanner(staticLabel(""), logger),
		Logger:       logger,
	}

	t.Run("defaults keep order", func(t *testing.T) {
		list, err := Build(DefaultDefinitions(false), deps)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, AnalyticsName, list[0].Name())
		assert.Equal(t, CapabilitiesName, list[1].Name())
	})

	t.Run("ecr requested without client", func(t *testing.T) {
		_, err := Build(DefaultDefinitions(true), deps)
		assert.Error(t, err)
	})

	t.Run("command entry", func(t *testing.T) {
		list, err := Build([]Definition{
			{Type: TypeCommand, Name: "yum-update", Command: []string{"true"}, Timeout: "30s"},
		}, deps)
		require.NoError(t, err)
		assert.Equal(t, "yum-update", list[0].Name())
		assert.Equal(t, "yum_update_scanner_results.json", list[0].ResultFile())
	})

	t.Run("invalid entries", func(t *testing.T) {
		tests := []struct {
			name string
			defs []Definition
		}{
			{"unknown type", []Definition{{Type: "nope"}}},
			{"duplicate name", []Definition{{Type: TypeAnalytics}, {Type: TypeAnalytics}}},
			{"bad timeout", []Definition{{Type: TypeCommand, Name: "x", Command: []string{"true"}, Timeout: "soon"}}},
			{"command without argv", []Definition{{Type: TypeCommand, Name: "x"}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Build(tt.defs, deps)
				assert.Error(t, err)
			})
		}
	})
}
