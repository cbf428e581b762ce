// ABOUTME: Atomic scanner executed as an external command with the job environment.
// ABOUTME: The command writes its JSON result under RESULT_DIR where it is read back.

package scanners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandResult is the contract for files written by command scanners
type CommandResult struct {
	Successful bool   `json:"Successful"`
	Summary    string `json:"Summary"`
	Alert      bool   `json:"alert"`
}

// CommandScanner runs an external scanner binary. Occurrences of {image} in
// the arguments are replaced with the image under test.
type CommandScanner struct {
	name       string
	resultFile string
	command    []string
	timeout    time.Duration
	logger     *logrus.Logger
}

func NewCommandScanner(name, resultFile string, command []string, timeout time.Duration, logger *logrus.Logger) (*CommandScanner, error) {
	if name == "" {
		return nil, fmt.Errorf("command scanner requires a name")
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("command scanner %s requires a command", name)
	}
	if resultFile == "" {
		resultFile = strings.ReplaceAll(name, "-", "_") + "_scanner_results.json"
	}

	return &CommandScanner{
		name:       name,
		resultFile: resultFile,
		command:    command,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

func (c *CommandScanner) Name() string {
	return c.name
}

func (c *CommandScanner) ResultFile() string {
	return c.resultFile
}

func (c *CommandScanner) Run(ctx context.Context, req Request) (Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := make([]string, len(c.command))
	for i, arg := range c.command {
		args[i] = strings.ReplaceAll(arg, "{image}", req.Image)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = os.Environ()
	for key, value := range req.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.Dir = req.ResultDir
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := c.logger.WithFields(logrus.Fields{
		"scanner": c.name,
		"image":   req.Image,
		"command": args[0],
	})
	logger.Debug("Running command scanner")

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("scanner %s timed out: %w", c.name, ctx.Err())
		}
		return Outcome{}, fmt.Errorf("scanner %s failed: %w: %s", c.name, err, strings.TrimSpace(stderr.String()))
	}

	path := filepath.Join(req.ResultDir, c.resultFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("scanner %s did not export results: %w", c.name, err)
	}

	var result CommandResult
	if err := json.Unmarshal(data, &result); err != nil {
		return Outcome{}, fmt.Errorf("scanner %s exported invalid results: %w", c.name, err)
	}
	if !result.Successful {
		return Outcome{}, fmt.Errorf("scanner %s reported failure: %s", c.name, result.Summary)
	}

	logger.WithField("duration", time.Since(start).String()).Info("Finished running command scanner")
	return Outcome{Summary: result.Summary, Alert: result.Alert, ResultPath: path}, nil
}
