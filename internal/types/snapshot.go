// ABOUTME: Scan status snapshot aggregated from every scanner run for a job.
// ABOUTME: Provides the builder used during orchestration and the on-disk encoding.

package types

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SnapshotFile is the status file name written under a job's logs_dir
const SnapshotFile = "scanners_status.json"

// Snapshot is the per-job scan status persisted under logs_dir and
// forwarded to the notification sink
type Snapshot struct {
	Msg          map[string]string `json:"msg"`
	Alert        map[string]bool   `json:"alert"`
	LogsFilePath map[string]string `json:"logs_file_path"`
}

// NewSnapshot returns an empty snapshot with initialised maps
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Msg:          make(map[string]string),
		Alert:        make(map[string]bool),
		LogsFilePath: make(map[string]string),
	}
}

// Scanners returns every scanner name recorded in the snapshot, sorted
func (s *Snapshot) Scanners() []string {
	names := make([]string, 0, len(s.Msg))
	for name := range s.Msg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasProblem reports whether any scanner raised an alert
func (s *Snapshot) HasProblem() bool {
	for _, alert := range s.Alert {
		if alert {
			return true
		}
	}
	return false
}

// Encode returns the canonical file encoding. Map keys are sorted by
// encoding/json, so identical snapshots encode to identical bytes.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteFile overwrites the snapshot file under dir
func (s *Snapshot) WriteFile(dir string) (string, error) {
	data, err := s.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode scanners status: %w", err)
	}

	path := filepath.Join(dir, SnapshotFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write scanners status to %s: %w", path, err)
	}
	return path, nil
}

// ReadSnapshot loads the status file written under dir
func ReadSnapshot(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, SnapshotFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scanners status %s: %w", path, err)
	}

	snapshot := NewSnapshot()
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse scanners status %s: %w", path, err)
	}
	return snapshot, nil
}

// SnapshotFromJob recovers the snapshot maps embedded in a notify job
func SnapshotFromJob(job Job) (*Snapshot, bool) {
	if !job.Has(FieldMsg) && !job.Has(FieldAlert) && !job.Has(FieldLogsFilePath) {
		return nil, false
	}

	raw, err := json.Marshal(map[string]any{
		FieldMsg:          job.fields[FieldMsg],
		FieldAlert:        job.fields[FieldAlert],
		FieldLogsFilePath: job.fields[FieldLogsFilePath],
	})
	if err != nil {
		return nil, false
	}

	snapshot := NewSnapshot()
	if err := json.Unmarshal(raw, snapshot); err != nil {
		return nil, false
	}
	if snapshot.Msg == nil {
		snapshot.Msg = make(map[string]string)
	}
	if snapshot.Alert == nil {
		snapshot.Alert = make(map[string]bool)
	}
	if snapshot.LogsFilePath == nil {
		snapshot.LogsFilePath = make(map[string]string)
	}
	return snapshot, true
}

// SnapshotBuilder accumulates scanner outcomes during orchestration.
// Build is called once at the end to produce the snapshot.
type SnapshotBuilder struct {
	snapshot *Snapshot
}

func NewSnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{snapshot: NewSnapshot()}
}

// Record stores a completed scanner outcome. An empty resultPath leaves the
// scanner out of logs_file_path.
func (b *SnapshotBuilder) Record(scanner, summary string, alert bool, resultPath string) {
	b.snapshot.Msg[scanner] = summary
	b.snapshot.Alert[scanner] = alert
	if resultPath != "" {
		b.snapshot.LogsFilePath[scanner] = resultPath
	} else {
		delete(b.snapshot.LogsFilePath, scanner)
	}
}

// Fail stores a scanner that could not produce a result
func (b *SnapshotBuilder) Fail(scanner, msg string) {
	b.Record(scanner, msg, false, "")
}

// Build returns a copy of the accumulated snapshot
func (b *SnapshotBuilder) Build() *Snapshot {
	return &Snapshot{
		Msg:          copyStrings(b.snapshot.Msg),
		Alert:        copyBools(b.snapshot.Alert),
		LogsFilePath: copyStrings(b.snapshot.LogsFilePath),
	}
}
