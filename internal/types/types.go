// ABOUTME: Common types shared across the ScanRelay pipeline.
// ABOUTME: Defines job actions, pipeline stages, and discovered image targets.

package types

// Action tags a job with the handler that should consume it next
type Action string

const (
	ActionStartScan   Action = "start_scan"
	ActionNotify      Action = "notify"
	ActionNotifyAdmin Action = "notify_admin"
)

// Valid reports whether the action is one the pipeline knows how to route
func (a Action) Valid() bool {
	switch a {
	case ActionStartScan, ActionNotify, ActionNotifyAdmin:
		return true
	}
	return false
}

// Stage is the explicit pipeline position of a job, decoded once at ingress
type Stage int

const (
	// StagePreScan jobs have not been polled yet and need the full scanner set
	StagePreScan Stage = iota
	// StageAwaitingReport jobs come back after polling and only fetch the analytics report
	StageAwaitingReport
)

func (s Stage) String() string {
	switch s {
	case StagePreScan:
		return "pre_scan"
	case StageAwaitingReport:
		return "awaiting_report"
	default:
		return "unknown"
	}
}

// Job field names shared by producers, the scan stage and the notification sink
const (
	FieldAction           = "action"
	FieldImage            = "image_under_test"
	FieldLogsDir          = "logs_dir"
	FieldWeekly           = "weekly"
	FieldAnalyticsServer  = "analytics_server"
	FieldGitURL           = "git-url"
	FieldGitSHA           = "git-sha"
	FieldGeminiReport     = "gemini_report"
	FieldRetry            = "retry"
	FieldRetryDelay       = "retry_delay"
	FieldLastRunTimestamp = "last_run_timestamp"
	FieldNotifyEmail      = "notify_email"
	FieldScanGitPath      = "scan_gitpath"
	FieldMsg              = "msg"
	FieldAlert            = "alert"
	FieldLogsFilePath     = "logs_file_path"
)

// ImageTarget represents an image discovered for scanning with its source context
type ImageTarget struct {
	Image        string
	GitURL       string
	GitSHA       string
	Namespace    string
	Workload     string
	WorkloadType string // "Deployment", "StatefulSet", "File"
}
