// ABOUTME: End-to-end tests of the scan stage and dispatcher through the worker loop.
// ABOUTME: Wires the real engine, router, and reclaimer to in-memory queue and daemon fakes.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	dockermock "github.com/jfeddern/ScanRelay/internal/docker/mock"
	"github.com/jfeddern/ScanRelay/internal/engine"
	"github.com/jfeddern/ScanRelay/internal/queue"
	"github.com/jfeddern/ScanRelay/internal/reclaim"
	"github.com/jfeddern/ScanRelay/internal/router"
	"github.com/jfeddern/ScanRelay/internal/scanners"
	scannermock "github.com/jfeddern/ScanRelay/internal/scanners/mock"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/jfeddern/ScanRelay/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stage struct {
	client  *queue.MemoryClient
	daemon  *dockermock.Daemon
	scanner *scannermock.Scanner
	worker  *worker.Worker
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newScanStage(t *testing.T) *stage {
	return newScanStageWithPuller(t, nil)
}

// newScanStageWithPuller lets a test wrap the mock daemon's pull
func newScanStageWithPuller(t *testing.T, wrap func(*dockermock.Daemon) engine.ImagePuller) *stage {
	t.Helper()
	logger := testLogger()

	client := queue.NewMemoryClient("start_scan")
	daemon := dockermock.NewDaemon()
	scanner := &scannermock.Scanner{ScannerName: "container-capabilities", Outcome: scanners.Outcome{Summary: "clean"}}

	var puller engine.ImagePuller = daemon
	if wrap != nil {
		puller = wrap(daemon)
	}

	eng := engine.NewEngine(puller, engine.Config{
		Scanners:      []scanners.Scanner{scanner},
		ReportScanner: scanner,
	}, nil, nil, logger)
	handler := NewScanHandler(
		eng,
		router.NewRouter(client, router.DefaultTubes(), nil, logger),
		reclaim.NewReclaimer(daemon, 0, nil, logger),
		logger,
	)

	w := worker.New(client, handler, worker.Config{Name: "scan", DelayTube: "master_tube"}, logger, nil)
	return &stage{client: client, daemon: daemon, scanner: scanner, worker: w}
}

func jobPayload(t *testing.T, extra map[string]any) []byte {
	t.Helper()
	fields := map[string]any{
		"action":           "start_scan",
		"image_under_test": "registry.example.com/app:1",
		"logs_dir":         t.TempDir(),
		"git-url":          "https://github.com/org/repo",
	}
	for k, v := range extra {
		fields[k] = v
	}
	body, err := json.Marshal(fields)
	require.NoError(t, err)
	return body
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	return fields
}

func TestScanStageSuccessfulPreScan(t *testing.T) {
	s := newScanStage(t)
	id := s.client.Enqueue(jobPayload(t, nil))

	require.NoError(t, s.worker.ProcessOne(context.Background()))

	assert.Equal(t, 1, s.client.Deletes(id))
	published := s.client.Published("")
	require.Len(t, published, 2)

	poll := decodeBody(t, published[0].Body)
	notify := decodeBody(t, published[1].Body)
	assert.Equal(t, "poll_server", published[0].Tube)
	assert.Equal(t, "master_tube", published[1].Tube)
	assert.Equal(t, poll["image_under_test"], notify["image_under_test"])
	assert.Equal(t, "notify", notify["action"])
	assert.Equal(t, map[string]any{"container-capabilities": "clean"}, notify["msg"])
	assert.NotContains(t, poll, "msg")

	assert.False(t, s.daemon.HasImage("registry.example.com/app:1"), "image is removed after the scan")
	assert.Equal(t, 1, s.daemon.Prunes())
}

func TestScanStagePullFailure(t *testing.T) {
	s := newScanStage(t)
	s.daemon.PullErrs["registry.example.com/app:1"] = errors.New("not found")
	s.client.Enqueue(jobPayload(t, nil))

	require.NoError(t, s.worker.ProcessOne(context.Background()))

	published := s.client.Published("")
	require.Len(t, published, 1)
	assert.Equal(t, "notify_admin", published[0].Tube)
	assert.Equal(t, "notify_admin", decodeBody(t, published[0].Body)["action"])
	assert.Equal(t, 0, s.scanner.Calls())
	assert.Equal(t, 1, s.daemon.Prunes(), "cleanup still runs")
	assert.Empty(t, s.daemon.Removes())
}

func TestScanStageAfterPolling(t *testing.T) {
	s := newScanStage(t)
	s.client.Enqueue(jobPayload(t, map[string]any{"gemini_report": true}))

	require.NoError(t, s.worker.ProcessOne(context.Background()))

	published := s.client.Published("")
	require.Len(t, published, 1)
	assert.Equal(t, "master_tube", published[0].Tube)
	assert.Equal(t, scanners.ModeReport, s.scanner.Requests()[0].Mode)
}

// slowPuller takes a while to pull and gives up when its context is done
type slowPuller struct {
	daemon *dockermock.Daemon
	delay  time.Duration
}

func (p *slowPuller) PullImage(ctx context.Context, image string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
	}
	return p.daemon.PullImage(ctx, image)
}

func TestScanStageShutdownDuringScanCompletesJob(t *testing.T) {
	s := newScanStageWithPuller(t, func(d *dockermock.Daemon) engine.ImagePuller {
		return &slowPuller{daemon: d, delay: 200 * time.Millisecond}
	})
	id := s.client.Enqueue(jobPayload(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, s.worker.ProcessOne(ctx))

	assert.Equal(t, 1, s.client.Deletes(id))
	assert.Empty(t, s.client.Published("notify_admin"), "shutdown is not an image pull failure")

	published := s.client.Published("")
	require.Len(t, published, 2)
	assert.Equal(t, "poll_server", published[0].Tube)
	assert.Equal(t, "master_tube", published[1].Tube)
	assert.Equal(t, map[string]any{"container-capabilities": "clean"}, decodeBody(t, published[1].Body)["msg"])
	assert.Equal(t, 1, s.scanner.Calls())
}

func TestScanStageQueueOutageIsFatal(t *testing.T) {
	s := newScanStage(t)
	s.client.PutErr = queue.ErrUnreachable
	id := s.client.Enqueue(jobPayload(t, nil))

	err := s.worker.ProcessOne(context.Background())
	assert.ErrorIs(t, err, queue.ErrUnreachable)
	assert.Equal(t, 1, s.client.Deletes(id))
	assert.Equal(t, 1, s.daemon.Prunes())
}

type failingScanner struct{}

func (failingScanner) Scan(ctx context.Context, job types.Job) (*engine.Result, error) {
	return nil, errors.New("unexpected")
}

type countingReclaimer struct{ calls int }

func (c *countingReclaimer) Reclaim(ctx context.Context, image string, pulled bool) []string {
	c.calls++
	return []string{reclaim.StepPruneImages}
}

func TestScanHandlerReclaimsOnUnexpectedError(t *testing.T) {
	logger := testLogger()
	client := queue.NewMemoryClient("start_scan")
	reclaimer := &countingReclaimer{}
	handler := NewScanHandler(failingScanner{}, router.NewRouter(client, router.DefaultTubes(), nil, logger), reclaimer, logger)

	job := types.NewJob(map[string]any{"image_under_test": "centos:7", "logs_dir": "/tmp"})
	assert.Error(t, handler.HandleJob(context.Background(), job))
	assert.Equal(t, 1, reclaimer.calls)
	assert.Empty(t, client.Published(""))
}

func TestDispatcherRoutesByAction(t *testing.T) {
	logger := testLogger()
	client := queue.NewMemoryClient("master_tube")
	dispatcher := NewDispatcher(client, DefaultDispatchTubes(), logger)
	w := worker.New(client, dispatcher, worker.Config{Name: "dispatch", DelayTube: "master_tube"}, logger, nil)

	for _, action := range []string{"start_scan", "notify", "notify_admin"} {
		client.Enqueue(jobPayload(t, map[string]any{"action": action}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(client.Published("")) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var tubes []string
	for _, p := range client.Published("") {
		tubes = append(tubes, p.Tube)
		assert.Equal(t, p.Tube, decodeBody(t, p.Body)["action"])
	}
	assert.Equal(t, []string{"start_scan", "notify", "notify_admin"}, tubes)
}

func TestDispatcherUnknownTube(t *testing.T) {
	dispatcher := NewDispatcher(queue.NewMemoryClient("master_tube"), DispatchTubes{}, testLogger())
	job := types.NewJob(map[string]any{"action": "notify", "image_under_test": "centos:7", "logs_dir": "/tmp"})
	assert.Error(t, dispatcher.HandleJob(context.Background(), job))
}
