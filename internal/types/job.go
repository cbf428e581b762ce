// ABOUTME: Job record carried through the queue between pipeline stages.
// ABOUTME: Wraps the schema-less field map with typed accessors and copy-on-write updates.

package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedJob is returned when a payload cannot be decoded into a job record
var ErrMalformedJob = errors.New("malformed job payload")

// Job is an immutable view over a job record. Unknown fields are carried
// through untouched so downstream consumers see everything producers sent.
type Job struct {
	fields map[string]any
	stage  Stage
}

// ParseJob decodes a queue payload and validates its required core fields
func ParseJob(data []byte) (Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if fields == nil {
		return Job{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedJob)
	}

	job := NewJob(fields)
	if job.Image() == "" {
		return Job{}, fmt.Errorf("%w: missing %s", ErrMalformedJob, FieldImage)
	}
	if job.LogsDir() == "" {
		return Job{}, fmt.Errorf("%w: missing %s", ErrMalformedJob, FieldLogsDir)
	}
	if !job.Action().Valid() {
		return Job{}, fmt.Errorf("%w: unknown %s %q", ErrMalformedJob, FieldAction, job.String(FieldAction))
	}

	return job, nil
}

// NewJob builds a job from a field map. The map is copied.
func NewJob(fields map[string]any) Job {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	stage := StagePreScan
	if _, ok := copied[FieldGeminiReport]; ok {
		stage = StageAwaitingReport
	}

	return Job{fields: copied, stage: stage}
}

// Stage returns the pipeline stage decoded when the job was built
func (j Job) Stage() Stage {
	return j.stage
}

func (j Job) Action() Action {
	return Action(j.String(FieldAction))
}

func (j Job) Image() string {
	return j.String(FieldImage)
}

func (j Job) LogsDir() string {
	return j.String(FieldLogsDir)
}

func (j Job) Weekly() bool {
	return j.Bool(FieldWeekly)
}

// Has reports whether the field is present, regardless of its value
func (j Job) Has(key string) bool {
	_, ok := j.fields[key]
	return ok
}

// Get returns the raw field value
func (j Job) Get(key string) (any, bool) {
	v, ok := j.fields[key]
	return v, ok
}

// String returns the field as a string, or "" when absent or not a string
func (j Job) String(key string) string {
	switch v := j.fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Bool returns the field as a boolean. Producers have historically sent
// "True"/"true" strings, so those are accepted as well.
func (j Job) Bool(key string) bool {
	switch v := j.fields[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
		return err == nil && b
	default:
		return false
	}
}

// Float returns a numeric field, accepting numbers and numeric strings
func (j Job) Float(key string) (float64, bool) {
	switch v := j.fields[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Strings returns a field that may be a single string or a list of strings
func (j Job) Strings(key string) []string {
	switch v := j.fields[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// With returns a copy of the job with the field set
func (j Job) With(key string, value any) Job {
	fields := j.Fields()
	fields[key] = value
	return NewJob(fields)
}

// WithAction returns a copy of the job tagged for the given handler
func (j Job) WithAction(action Action) Job {
	return j.With(FieldAction, string(action))
}

// WithSnapshot returns a copy of the job carrying the snapshot maps
func (j Job) WithSnapshot(s *Snapshot) Job {
	fields := j.Fields()
	fields[FieldMsg] = copyStrings(s.Msg)
	fields[FieldAlert] = copyBools(s.Alert)
	fields[FieldLogsFilePath] = copyStrings(s.LogsFilePath)
	return NewJob(fields)
}

// Fields returns a copy of the underlying field map
func (j Job) Fields() map[string]any {
	copied := make(map[string]any, len(j.fields))
	for k, v := range j.fields {
		copied[k] = v
	}
	return copied
}

func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.fields)
}

// RetryPending reports whether a retry-flagged job is still inside its
// retry delay window. ceiling caps the delay so a job can not be deferred
// indefinitely; a zero ceiling disables the cap.
func (j Job) RetryPending(now time.Time, ceiling time.Duration) bool {
	if !j.Bool(FieldRetry) {
		return false
	}

	delay, _ := j.Float(FieldRetryDelay)
	if delay <= 0 {
		return false
	}
	if ceiling > 0 {
		delay = math.Min(delay, ceiling.Seconds())
	}

	lastRun, _ := j.Float(FieldLastRunTimestamp)
	elapsed := float64(now.UnixNano())/float64(time.Second) - lastRun

	return elapsed < delay
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBools(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
