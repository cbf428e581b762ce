// ABOUTME: Process configuration parsed from command line flags and environment variables.
// ABOUTME: Loaded and validated once at start, immutable for the process lifetime.

package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/jfeddern/ScanRelay/internal/notify"
	"github.com/sirupsen/logrus"
)

// Process roles selected with -mode
const (
	ModeScan     = "scan"
	ModeDispatch = "dispatch"
	ModeNotify   = "notify"
	ModeWeekly   = "weekly"
	ModeSubmit   = "submit"
)

type Config struct {
	Mode  string
	Watch string

	BeanstalkAddr string
	QueueTTR      time.Duration

	MasterTube    string
	StartScanTube string
	PollTube      string
	NotifyTube    string
	AdminTube     string

	RetrySleep    time.Duration
	MaxRetryDelay time.Duration

	LogLevel string
	LogPath  string

	AlertPolicy   string
	SubjectPrefix string

	Port     int
	CacheTTL time.Duration

	AnalyticsTokenFile string
	AnalyticsTimeout   time.Duration
	ScannerRegistry    string
	ECRAccountID       string
	ECRRegion          string
	ReclaimTimeout     time.Duration

	DiscoverySource    string
	ImageListFile      string
	SkipRegistryPrefix string
	KubeNamespace      string

	LogsBaseDir     string
	AnalyticsServer string
	NotifyEmails    string

	Image   string
	GitURL  string
	GitSHA  string
	LogsDir string

	MockMode bool
}

// envNames maps flag names to the environment variables that can set them
var envNames = map[string]string{
	"mode":                 "MODE",
	"watch":                "WATCH_TUBE",
	"beanstalk-addr":       "BEANSTALKD_ADDR",
	"queue-ttr":            "QUEUE_TTR",
	"master-tube":          "MASTER_TUBE",
	"start-scan-tube":      "START_SCAN_TUBE",
	"poll-tube":            "POLL_TUBE",
	"notify-tube":          "NOTIFY_TUBE",
	"admin-tube":           "ADMIN_TUBE",
	"retry-sleep":          "RETRY_SLEEP",
	"max-retry-delay":      "MAX_RETRY_DELAY",
	"log-level":            "LOG_LEVEL",
	"log-path":             "LOG_PATH",
	"alerts":               "ALERTS",
	"subject-prefix":       "SUBJECT_PREFIX",
	"port":                 "PORT",
	"cache-ttl":            "CACHE_TTL",
	"analytics-token-file": "ANALYTICS_TOKEN_FILE",
	"analytics-timeout":    "ANALYTICS_TIMEOUT",
	"scanner-registry":     "SCANNER_REGISTRY_FILE",
	"ecr-account-id":       "AWS_ECR_ACCOUNT_ID",
	"ecr-region":           "AWS_ECR_REGION",
	"reclaim-timeout":      "RECLAIM_TIMEOUT",
	"discovery":            "DISCOVERY_SOURCE",
	"image-list-file":      "IMAGE_LIST_FILE",
	"skip-registry":        "SKIP_REGISTRY_PREFIX",
	"kube-namespace":       "KUBE_NAMESPACE",
	"logs-base-dir":        "LOGS_BASE_DIR",
	"analytics-server":     "ANALYTICS_SERVER",
	"notify-emails":        "NOTIFY_EMAILS",
	"mock":                 "MOCK_MODE",
}

// Parse reads flags from args and fills every flag not given on the command
// line from its environment variable
func Parse(args []string, getenv func(string) string) (*Config, error) {
	config := &Config{}
	fs := flag.NewFlagSet("scanrelay", flag.ContinueOnError)

	fs.StringVar(&config.Mode, "mode", ModeScan, "Process role: scan, dispatch, notify, weekly or submit")
	fs.StringVar(&config.Watch, "watch", "", "Tube to consume (defaults to the role's tube)")
	fs.StringVar(&config.BeanstalkAddr, "beanstalk-addr", "127.0.0.1:11300", "beanstalkd address")
	fs.DurationVar(&config.QueueTTR, "queue-ttr", 30*time.Minute, "Lease time for published jobs")
	fs.StringVar(&config.MasterTube, "master-tube", "master_tube", "Dispatcher tube, also used for delayed and notify jobs")
	fs.StringVar(&config.StartScanTube, "start-scan-tube", "start_scan", "Tube consumed by scan workers")
	fs.StringVar(&config.PollTube, "poll-tube", "poll_server", "Tube for jobs waiting on the analytics report")
	fs.StringVar(&config.NotifyTube, "notify-tube", "notify", "Tube consumed by notify workers")
	fs.StringVar(&config.AdminTube, "admin-tube", "notify_admin", "Tube for administrator notifications")
	fs.DurationVar(&config.RetrySleep, "retry-sleep", 10*time.Second, "Pause before requeueing a delayed job")
	fs.DurationVar(&config.MaxRetryDelay, "max-retry-delay", time.Hour, "Ceiling for a job's retry_delay")
	fs.StringVar(&config.LogLevel, "log-level", "info", "Log level")
	fs.StringVar(&config.LogPath, "log-path", "", "Also write logs to this file")
	fs.StringVar(&config.AlertPolicy, "alerts", string(notify.PolicyOK), "Notification policy: ok or problem")
	fs.StringVar(&config.SubjectPrefix, "subject-prefix", "[scanrelay]", "Notification subject prefix")
	fs.IntVar(&config.Port, "port", 9090, "Port for health, metrics and scans (0 disables)")
	fs.DurationVar(&config.CacheTTL, "cache-ttl", 24*time.Hour, "How long recent scans are kept for /scans")
	fs.StringVar(&config.AnalyticsTokenFile, "analytics-token-file", "", "File holding the analytics server bearer token")
	fs.DurationVar(&config.AnalyticsTimeout, "analytics-timeout", 60*time.Second, "Analytics API request timeout")
	fs.StringVar(&config.ScannerRegistry, "scanner-registry", "", "YAML file listing the scanners to run")
	fs.StringVar(&config.ECRAccountID, "ecr-account-id", "", "AWS account ID for ECR findings")
	fs.StringVar(&config.ECRRegion, "ecr-region", "", "AWS region for ECR findings")
	fs.DurationVar(&config.ReclaimTimeout, "reclaim-timeout", 2*time.Minute, "Timeout for each docker cleanup step")
	fs.StringVar(&config.DiscoverySource, "discovery", "file", "Weekly discovery source: file or kube")
	fs.StringVar(&config.ImageListFile, "image-list-file", "", "File of git-url;git-sha;image lines")
	fs.StringVar(&config.SkipRegistryPrefix, "skip-registry", "", "Skip discovered images with this prefix")
	fs.StringVar(&config.KubeNamespace, "kube-namespace", "", "Namespace to discover (empty for all)")
	fs.StringVar(&config.LogsBaseDir, "logs-base-dir", "/tmp", "Where per-job logs directories are created")
	fs.StringVar(&config.AnalyticsServer, "analytics-server", "", "Analytics server added to produced jobs")
	fs.StringVar(&config.NotifyEmails, "notify-emails", "", "Comma separated notification recipients")
	fs.StringVar(&config.Image, "image", "", "Image to submit")
	fs.StringVar(&config.GitURL, "git-url", "", "Git URL of the submitted image")
	fs.StringVar(&config.GitSHA, "git-sha", "", "Git SHA of the submitted image")
	fs.StringVar(&config.LogsDir, "logs-dir", "", "Logs dir for the submitted job (created when empty)")
	fs.BoolVar(&config.MockMode, "mock", false, "Use in-memory queue, docker and scanners (no external calls)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	for name, env := range envNames {
		value := getenv(env)
		if value == "" || explicit[name] {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return nil, fmt.Errorf("invalid %s environment variable %q: %w", env, value, err)
		}
	}

	if config.Watch == "" {
		config.Watch = config.defaultWatch()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) defaultWatch() string {
	switch c.Mode {
	case ModeScan:
		return c.StartScanTube
	case ModeDispatch:
		return c.MasterTube
	case ModeNotify:
		return c.NotifyTube
	}
	return ""
}

// Validate checks the configuration once at start
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeScan, ModeDispatch, ModeNotify, ModeWeekly, ModeSubmit:
	default:
		return fmt.Errorf("unsupported mode: %s", c.Mode)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if _, err := notify.ParseAlertPolicy(c.AlertPolicy); err != nil {
		return err
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxRetryDelay < 0 || c.RetrySleep < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	if (c.ECRAccountID == "") != (c.ECRRegion == "") {
		return fmt.Errorf("ECR account ID and region must be set together")
	}

	switch c.Mode {
	case ModeSubmit:
		if c.Image == "" {
			return fmt.Errorf("image is required for submit mode")
		}
	case ModeWeekly:
		if c.MockMode {
			break
		}
		switch c.DiscoverySource {
		case "file":
			if c.ImageListFile == "" {
				return fmt.Errorf("image list file is required for file discovery (unless using mock mode)")
			}
		case "kube":
		default:
			return fmt.Errorf("unsupported discovery source: %s", c.DiscoverySource)
		}
	}
	return nil
}

// Level returns the parsed log level
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Recipients splits NotifyEmails
func (c *Config) Recipients() []string {
	var out []string
	for _, email := range strings.Split(c.NotifyEmails, ",") {
		if email = strings.TrimSpace(email); email != "" {
			out = append(out, email)
		}
	}
	return out
}

// Policy returns the parsed alert policy
func (c *Config) Policy() notify.AlertPolicy {
	policy, _ := notify.ParseAlertPolicy(c.AlertPolicy)
	return policy
}
