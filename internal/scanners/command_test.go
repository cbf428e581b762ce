// ABOUTME: Tests for the external command scanner using small shell scripts.
// ABOUTME: Covers result parsing, reported failures, missing exports, and timeouts.

package scanners

import (
	"context"
	"testing"
	"time"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandRequest(t *testing.T) Request {
	t.Helper()
	return NewRequest(types.NewJob(map[string]any{
		types.FieldImage:   "centos:7",
		types.FieldLogsDir: t.TempDir(),
	}), ModeRegister)
}

func TestCommandScannerRun(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		timeout     time.Duration
		wantErr     bool
		wantSummary string
		wantAlert   bool
	}{
		{
			name:        "successful result",
			script:      `printf '{"Successful": true, "Summary": "3 updates for %s", "alert": true}' "$IMAGE_NAME" > "$RESULT_DIR/yum_results.json"`,
			wantSummary: "3 updates for centos:7",
			wantAlert:   true,
		},
		{
			name:    "reported failure",
			script:  `echo '{"Successful": false, "Summary": "rpm db corrupt"}' > "$RESULT_DIR/yum_results.json"`,
			wantErr: true,
		},
		{
			name:    "no export",
			script:  `true`,
			wantErr: true,
		},
		{
			name:    "invalid export",
			script:  `echo 'not json' > "$RESULT_DIR/yum_results.json"`,
			wantErr: true,
		},
		{
			name:    "non-zero exit",
			script:  `echo boom >&2; exit 3`,
			wantErr: true,
		},
		{
			name:    "timeout",
			script:  `exec sleep 5`,
			timeout: 50 * time.Millisecond,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner, err := NewCommandScanner("yum-update", "yum_results.json", []string{"/bin/sh", "-c", tt.script}, tt.timeout, quietLogger())
			require.NoError(t, err)

			outcome, err := scanner.Run(context.Background(), commandRequest(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSummary, outcome.Summary)
			assert.Equal(t, tt.wantAlert, outcome.Alert)
			assert.FileExists(t, outcome.ResultPath)
		})
	}
}

func TestCommandScannerImagePlaceholder(t *testing.T) {
	scanner, err := NewCommandScanner("echo", "echo.json", []string{"/bin/sh", "-c", `printf '{"Successful": true, "Summary": "%s"}' "$0" > "$RESULT_DIR/echo.json"`, "{image}"}, 0, quietLogger())
	require.NoError(t, err)

	outcome, err := scanner.Run(context.Background(), commandRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "centos:7", outcome.Summary)
}

func TestNewCommandScannerValidation(t *testing.T) {
	_, err := NewCommandScanner("", "", []string{"true"}, 0, quietLogger())
	assert.Error(t, err)

	_, err = NewCommandScanner("x", "", nil, 0, quietLogger())
	assert.Error(t, err)
}
