// ABOUTME: Notification sink writing notifications to the structured log.

package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	s.logger.WithFields(logrus.Fields{
		"image":       n.Image,
		"recipients":  n.Recipients,
		"subject":     n.Subject,
		"body":        n.Body,
		"problem":     n.Problem,
		"admin":       n.Admin,
		"logs_dir":    n.LogsDir,
		"attachments": n.Attachments,
	}).Info("Notification")
	return nil
}
