// ABOUTME: Notification handler turning finished scans into user or admin notifications.
// ABOUTME: Applies the alert policy and composes the summary from the scanners status snapshot.

package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/sirupsen/logrus"
)

// AlertPolicy selects which scanned images are reported
type AlertPolicy string

const (
	// PolicyOK reports every scanned image
	PolicyOK AlertPolicy = "ok"
	// PolicyProblem reports only images with at least one alert
	PolicyProblem AlertPolicy = "problem"
)

func ParseAlertPolicy(s string) (AlertPolicy, error) {
	switch AlertPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyOK:
		return PolicyOK, nil
	case PolicyProblem:
		return PolicyProblem, nil
	default:
		return "", fmt.Errorf("invalid alert policy %q (expected ok or problem)", s)
	}
}

// Notification is what a Sink delivers
type Notification struct {
	Image       string   `json:"image"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Problem     bool     `json:"problem"`
	Admin       bool     `json:"admin"`
	LogsDir     string   `json:"logs_dir"`
	Attachments []string `json:"attachments,omitempty"`
}

// Sink delivers notifications
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// Handler implements worker.Handler for notify and notify_admin jobs
type Handler struct {
	policy        AlertPolicy
	sink          Sink
	subjectPrefix string
	logger        *logrus.Logger
}

func NewHandler(policy AlertPolicy, sink Sink, subjectPrefix string, logger *logrus.Logger) *Handler {
	if subjectPrefix == "" {
		subjectPrefix = "[scanrelay]"
	}
	return &Handler{policy: policy, sink: sink, subjectPrefix: subjectPrefix, logger: logger}
}

func (h *Handler) HandleJob(ctx context.Context, job types.Job) error {
	logger := h.logger.WithFields(logrus.Fields{
		"component": "notify",
		"image":     job.Image(),
		"action":    job.Action(),
	})

	if job.Action() == types.ActionNotifyAdmin {
		return h.send(ctx, h.adminNotification(job), logger)
	}

	snapshot := h.loadSnapshot(job, logger)
	problem := snapshot.HasProblem()

	if h.policy == PolicyProblem && !problem {
		logger.Debug("Not reporting scan results based on alert policy")
		return nil
	}

	status := "OK"
	if problem {
		status = "PROBLEM"
	}

	return h.send(ctx, Notification{
		Image:       job.Image(),
		Recipients:  job.Strings(types.FieldNotifyEmail),
		Subject:     fmt.Sprintf("%s%s: Report for %s", h.subjectPrefix, status, job.Image()),
		Body:        ComposeSummary(snapshot),
		Problem:     problem,
		LogsDir:     job.LogsDir(),
		Attachments: attachments(snapshot),
	}, logger)
}

func (h *Handler) send(ctx context.Context, n Notification, logger *logrus.Entry) error {
	if err := h.sink.Send(ctx, n); err != nil {
		return fmt.Errorf("failed to send notification for %s: %w", n.Image, err)
	}
	logger.WithFields(logrus.Fields{
		"problem":    n.Problem,
		"admin":      n.Admin,
		"recipients": len(n.Recipients),
	}).Info("Sent notification")
	return nil
}

func (h *Handler) adminNotification(job types.Job) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to pull image %s, no scanners were run.\n", job.Image())
	if url := job.String(types.FieldGitURL); url != "" {
		fmt.Fprintf(&b, "Git URL: %s\n", url)
	}
	if sha := job.String(types.FieldGitSHA); sha != "" {
		fmt.Fprintf(&b, "Git SHA: %s\n", sha)
	}
	fmt.Fprintf(&b, "Logs dir: %s", job.LogsDir())

	return Notification{
		Image:      job.Image(),
		Recipients: job.Strings(types.FieldNotifyEmail),
		Subject:    fmt.Sprintf("%sADMIN: Failed to scan %s", h.subjectPrefix, job.Image()),
		Body:       b.String(),
		Problem:    true,
		Admin:      true,
		LogsDir:    job.LogsDir(),
	}
}

// loadSnapshot prefers the status file and falls back to the maps carried
// by the job; a missing snapshot yields an empty one
func (h *Handler) loadSnapshot(job types.Job, logger *logrus.Entry) *types.Snapshot {
	snapshot, err := types.ReadSnapshot(job.LogsDir())
	if err == nil {
		return snapshot
	}
	logger.WithError(err).Warn("Failed to read scanners status file")

	if snapshot, ok := types.SnapshotFromJob(job); ok {
		return snapshot
	}
	return types.NewSnapshot()
}

// ComposeSummary joins the messages of scanners that exported results,
// ordered by scanner name
func ComposeSummary(snapshot *types.Snapshot) string {
	names := make([]string, 0, len(snapshot.LogsFilePath))
	for name := range snapshot.LogsFilePath {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, snapshot.Msg[name])
	}
	return strings.TrimRight(strings.Join(parts, "\n\n\n"), "\n \t")
}

func attachments(snapshot *types.Snapshot) []string {
	paths := make([]string, 0, len(snapshot.LogsFilePath))
	for _, path := range snapshot.LogsFilePath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
