// ABOUTME: Canned scanners for mock mode and tests.
// ABOUTME: Each scanner returns a fixed outcome or error and counts its calls.

package mock

import (
	"context"
	"sync"

	"github.com/jfeddern/ScanRelay/internal/scanners"
)

// Scanner returns the configured outcome, writing a small result file so
// the logs dir looks like a real run
type Scanner struct {
	ScannerName string
	File        string
	Outcome     scanners.Outcome
	Err         error
	Panic       bool

	mutex    sync.Mutex
	requests []scanners.Request
}

func (s *Scanner) Name() string {
	return s.ScannerName
}

func (s *Scanner) ResultFile() string {
	if s.File != "" {
		return s.File
	}
	return s.ScannerName + "_scanner_results.json"
}

func (s *Scanner) Run(ctx context.Context, req scanners.Request) (scanners.Outcome, error) {
	s.mutex.Lock()
	s.requests = append(s.requests, req)
	s.mutex.Unlock()

	if s.Panic {
		panic("mock scanner " + s.ScannerName + " panicked")
	}
	if s.Err != nil {
		return scanners.Outcome{}, s.Err
	}

	outcome := s.Outcome
	if req.ResultDir != "" {
		path, err := scanners.WriteResult(req.ResultDir, s.ResultFile(), map[string]any{
			"scanner":          s.ScannerName,
			"image_under_test": req.Image,
			"scan_type":        req.Mode,
			"Summary":          outcome.Summary,
			"alert":            outcome.Alert,
		})
		if err != nil {
			return scanners.Outcome{}, err
		}
		outcome.ResultPath = path
	}
	return outcome, nil
}

// Calls returns how many times Run was invoked
func (s *Scanner) Calls() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the received requests
func (s *Scanner) Requests() []scanners.Request {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]scanners.Request(nil), s.requests...)
}

// DefaultScanners is the canned registry used in mock mode
func DefaultScanners() []scanners.Scanner {
	return []scanners.Scanner{
		&Scanner{
			ScannerName: scanners.AnalyticsName,
			File:        "analytics_scanner_results.json",
			Outcome:     scanners.Outcome{Summary: "Check detailed report for more info."},
		},
		&Scanner{
			ScannerName: scanners.CapabilitiesName,
			File:        "container_capabilities_scanner_results.json",
			Outcome:     scanners.Outcome{Summary: "This container does not use privileged security switches."},
		},
	}
}
