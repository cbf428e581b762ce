// ABOUTME: Analytics integration scanner registering images with and fetching reports from the analytics server.
// ABOUTME: Register runs before CI polling; report runs once polling has finished.

package scanners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	AnalyticsName       = "analytics-integration"
	analyticsResultFile = "analytics_scanner_results.json"

	registerAPI = "/api/v1/register"
	reportAPI   = "/api/v1/report"

	noReportSummary = "Report can't be generated at server as source git repo has missing dependency/lock/manifest file."
	defaultSummary  = "Check detailed report for more info."
)

// AnalyticsResult is the raw result exported for the analytics scanner
type AnalyticsResult struct {
	Scanner       string            `json:"scanner"`
	ScanType      Mode              `json:"scan_type"`
	Image         string            `json:"image_under_test"`
	Successful    bool              `json:"Successful"`
	FinishedTime  string            `json:"Finished Time"`
	Summary       string            `json:"Summary"`
	ScanResults   map[string]any    `json:"Scan Results"`
	API           string            `json:"api"`
	APIData       map[string]string `json:"api_data"`
	APIStatusCode int               `json:"api_status_code"`
}

// AnalyticsScanner talks to the analytics server named in the job
type AnalyticsScanner struct {
	client    *http.Client
	tokenFile string
	logger    *logrus.Logger
}

// NewAnalyticsScanner creates the scanner. tokenFile may be empty when the
// server does not require authentication.
func NewAnalyticsScanner(tokenFile string, timeout time.Duration, logger *logrus.Logger) *AnalyticsScanner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnalyticsScanner{
		client:    &http.Client{Timeout: timeout},
		tokenFile: tokenFile,
		logger:    logger,
	}
}

func (a *AnalyticsScanner) Name() string {
	return AnalyticsName
}

func (a *AnalyticsScanner) ResultFile() string {
	return analyticsResultFile
}

// Run registers the image (ModeRegister) or fetches its report (ModeReport).
// Missing server or git coordinates are a precondition failure.
func (a *AnalyticsScanner) Run(ctx context.Context, req Request) (Outcome, error) {
	if err := req.RequireEnv(EnvServer, EnvGitURL, EnvGitSHA); err != nil {
		return Outcome{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeRegister
	}

	logger := a.logger.WithFields(logrus.Fields{
		"scanner":   AnalyticsName,
		"image":     req.Image,
		"scan_type": mode,
	})

	apiData := map[string]string{
		"image_name": req.Image,
		"server":     req.Env[EnvServer],
		"git-url":    req.Env[EnvGitURL],
		"git-sha":    req.Env[EnvGitSHA],
	}

	var (
		httpReq *http.Request
		api     string
		err     error
	)
	switch mode {
	case ModeRegister:
		api = registerAPI
		httpReq, err = a.registerRequest(ctx, req)
	case ModeReport:
		api = reportAPI
		httpReq, err = a.reportRequest(ctx, req)
	default:
		return Outcome{}, fmt.Errorf("unsupported scan type %q", mode)
	}
	if err != nil {
		return Outcome{}, err
	}

	if err := a.authorize(httpReq); err != nil {
		return Outcome{}, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s API failed: %w", api, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("%s API failed reading response: %w", api, err)
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{"raw": string(body)}
		}
	}

	result := AnalyticsResult{
		Scanner:       AnalyticsName,
		ScanType:      mode,
		Image:         req.Image,
		FinishedTime:  time.Now().UTC().Format(time.RFC3339),
		ScanResults:   payload,
		API:           api,
		APIData:       apiData,
		APIStatusCode: resp.StatusCode,
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		mode == ModeRegister && resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Successful = true
		result.Summary = summaryOr(payload, defaultSummary)
	case mode == ModeReport && resp.StatusCode == http.StatusBadRequest:
		// no report yet is a valid answer, not an error
		result.Successful = true
		result.Summary = summaryOr(payload, noReportSummary)
	default:
		logger.WithField("status_code", resp.StatusCode).Warn("Analytics API returned failure status")
		return Outcome{}, fmt.Errorf("%s API failed with status %d", api, resp.StatusCode)
	}

	if mode == ModeReport {
		if req.Job.Bool(types.FieldGeminiReport) {
			logger.Info("Report found at analytics server")
		} else {
			logger.Info("No report found at analytics server")
		}
	}

	path, err := WriteResult(req.ResultDir, analyticsResultFile, result)
	if err != nil {
		return Outcome{}, err
	}

	logger.WithField("status_code", resp.StatusCode).Info("Finished running analytics scanner")
	return Outcome{Summary: result.Summary, Alert: false, ResultPath: path}, nil
}

func (a *AnalyticsScanner) registerRequest(ctx context.Context, req Request) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"git-url": req.Env[EnvGitURL],
		"git-sha": req.Env[EnvGitSHA],
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(req.Env[EnvServer], "/") + registerAPI
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid analytics server %q: %w", req.Env[EnvServer], err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (a *AnalyticsScanner) reportRequest(ctx context.Context, req Request) (*http.Request, error) {
	query := url.Values{}
	query.Set("git-url", req.Env[EnvGitURL])
	query.Set("git-sha", req.Env[EnvGitSHA])

	endpoint := strings.TrimRight(req.Env[EnvServer], "/") + reportAPI + "?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid analytics server %q: %w", req.Env[EnvServer], err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// authorize adds the bearer token. The token file is re-read on every call
// because an external job refreshes it.
func (a *AnalyticsScanner) authorize(req *http.Request) error {
	if a.tokenFile == "" {
		return nil
	}

	token, err := os.ReadFile(a.tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read analytics token file: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	return nil
}

func summaryOr(payload map[string]any, fallback string) string {
	if s, ok := payload["summary"].(string); ok && s != "" {
		return s
	}
	return fallback
}
