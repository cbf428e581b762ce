// ABOUTME: Container capabilities scanner inspecting the image RUN label.
// ABOUTME: Flags docker run switches that weaken isolation between container and host.

package scanners

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	CapabilitiesName       = "container-capabilities"
	capabilitiesResultFile = "container_capabilities_scanner_results.json"
)

// LabelInspector reads the RUN label of a pulled image
type LabelInspector interface {
	RunLabel(ctx context.Context, image string) (string, error)
}

type securitySwitch struct {
	flag    string
	warning string
}

// checked in this order so the summary text is stable
var securitySwitches = []securitySwitch{
	{"--privileged", "This container runs without separation and should be considered the same as root on your system."},
	{"--cap-add", "Adding capabilities to your container could allow processes from the container to break out onto your host system."},
	{"--security-opt label:disable", "Disabling label separation turns off tools like SELinux and could allow processes from the container to break out onto your host system."},
	{"--security-opt label=disable", "Disabling label separation turns off tools like SELinux and could allow processes from the container to break out onto your host system."},
	{"--net=host", "Processes in this container can listen to ports (and possibly rawip traffic) on the host's network."},
	{"--pid=host", "Processes in this container can see and interact with all processes on the host and disables SELinux within the container."},
	{"--ipc=host", "Processes in this container can see and possibly interact with all semaphores and shared memory segments on the host as well as disables SELinux within the container."},
}

// CapabilitiesResult is the raw result exported for the capabilities scanner
type CapabilitiesResult struct {
	Scanner  string   `json:"scanner"`
	Image    string   `json:"image_under_test"`
	RunLabel string   `json:"run_label"`
	Switches []string `json:"privileged_switches"`
	Msg      string   `json:"msg"`
}

// CapabilitiesScanner implements Scanner using the docker daemon
type CapabilitiesScanner struct {
	inspector LabelInspector
	logger    *logrus.Logger
}

func NewCapabilitiesScanner(inspector LabelInspector, logger *logrus.Logger) *CapabilitiesScanner {
	return &CapabilitiesScanner{inspector: inspector, logger: logger}
}

func (c *CapabilitiesScanner) Name() string {
	return CapabilitiesName
}

func (c *CapabilitiesScanner) ResultFile() string {
	return capabilitiesResultFile
}

func (c *CapabilitiesScanner) Run(ctx context.Context, req Request) (Outcome, error) {
	label, err := c.inspector.RunLabel(ctx, req.Image)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to inspect image %s: %w", req.Image, err)
	}

	found, msg := CheckRunCommand(label)
	result := CapabilitiesResult{
		Scanner:  CapabilitiesName,
		Image:    req.Image,
		RunLabel: label,
		Switches: found,
		Msg:      msg,
	}

	path, err := WriteResult(req.ResultDir, capabilitiesResultFile, result)
	if err != nil {
		return Outcome{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"scanner":  CapabilitiesName,
		"image":    req.Image,
		"switches": len(found),
	}).Info("Finished running capabilities scanner")

	return Outcome{Summary: msg, Alert: len(found) > 0, ResultPath: path}, nil
}

// CheckRunCommand returns the privileged switches used by a docker run
// command and the human readable message describing them
func CheckRunCommand(cmd string) ([]string, string) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || cmd == "null" {
		return nil, "RUN label is not available in image under test."
	}

	var (
		found []string
		b     strings.Builder
	)
	for _, sw := range securitySwitches {
		if !strings.Contains(cmd, sw.flag) {
			continue
		}
		if len(found) == 0 {
			b.WriteString("This container uses privileged security switches:")
		}
		fmt.Fprintf(&b, "\nINFO: %s\n\t%s", sw.flag, sw.warning)
		found = append(found, sw.flag)
	}

	if len(found) == 0 {
		return nil, "This container does not use privileged security switches."
	}

	b.WriteString("\nFor more information on these switches and their security implications, consult the manpage for 'docker run'.")
	return found, b.String()
}
