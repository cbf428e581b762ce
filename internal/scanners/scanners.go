// ABOUTME: Scanner plugin contract shared by the orchestrator and every scanner implementation.
// ABOUTME: Defines the request/outcome types, scan modes, and precondition failures.

package scanners

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jfeddern/ScanRelay/internal/types"
)

// ErrPrecondition marks a scanner that can not run for this job. The
// orchestrator skips that scanner and continues with the rest.
var ErrPrecondition = errors.New("scanner precondition not met")

// Mode selects register or report semantics for scanners that talk to the
// analytics service
type Mode string

const (
	ModeRegister Mode = "register"
	ModeReport   Mode = "report"
)

// Env keys handed to scanners
const (
	EnvImageName = "IMAGE_NAME"
	EnvServer    = "SERVER"
	EnvGitURL    = "GITURL"
	EnvGitSHA    = "GITSHA"
	EnvResultDir = "RESULT_DIR"
)

// Request is everything a scanner gets to know about the job
type Request struct {
	Image     string
	Job       types.Job
	Mode      Mode
	ResultDir string
	Env       map[string]string
}

// Outcome is a completed scanner run
type Outcome struct {
	Summary    string
	Alert      bool
	ResultPath string
}

// Scanner is an independent check run against an image
type Scanner interface {
	Name() string
	ResultFile() string
	Run(ctx context.Context, req Request) (Outcome, error)
}

// NewRequest builds the scanner request for a job
func NewRequest(job types.Job, mode Mode) Request {
	env := map[string]string{
		EnvImageName: job.Image(),
		EnvResultDir: job.LogsDir(),
	}
	if v := job.String(types.FieldAnalyticsServer); v != "" {
		env[EnvServer] = v
	}
	if v := job.String(types.FieldGitURL); v != "" {
		env[EnvGitURL] = v
	}
	if v := job.String(types.FieldGitSHA); v != "" {
		env[EnvGitSHA] = v
	}

	return Request{
		Image:     job.Image(),
		Job:       job,
		Mode:      mode,
		ResultDir: job.LogsDir(),
		Env:       env,
	}
}

// RequireEnv returns a precondition error naming every missing key
func (r Request) RequireEnv(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if r.Env[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrPrecondition, missing)
	}
	return nil
}

// WriteResult exports a scanner's raw result as indented JSON under dir
func WriteResult(dir, file string, result any) (string, error) {
	data, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode scanner result: %w", err)
	}

	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write scanner result file %s: %w", path, err)
	}
	return path, nil
}
