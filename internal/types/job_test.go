// ABOUTME: Unit tests for job record parsing and accessors.
// ABOUTME: Covers validation, stage decoding, pass-through of unknown fields, and retry gating.

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJob(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		stage   Stage
	}{
		{
			name:    "pre scan job",
			payload: `{"action":"start_scan","image_under_test":"centos:7","logs_dir":"/tmp/a"}`,
			stage:   StagePreScan,
		},
		{
			name:    "post polling job",
			payload: `{"action":"start_scan","image_under_test":"centos:7","logs_dir":"/tmp/a","gemini_report":true}`,
			stage:   StageAwaitingReport,
		},
		{
			name:    "gemini report present but false still marks the stage",
			payload: `{"action":"start_scan","image_under_test":"centos:7","logs_dir":"/tmp/a","gemini_report":false}`,
			stage:   StageAwaitingReport,
		},
		{
			name:    "not json",
			payload: `not json`,
			wantErr: true,
		},
		{
			name:    "json array",
			payload: `["a"]`,
			wantErr: true,
		},
		{
			name:    "null",
			payload: `null`,
			wantErr: true,
		},
		{
			name:    "missing image",
			payload: `{"action":"start_scan","logs_dir":"/tmp/a"}`,
			wantErr: true,
		},
		{
			name:    "missing logs dir",
			payload: `{"action":"start_scan","image_under_test":"centos:7"}`,
			wantErr: true,
		},
		{
			name:    "unknown action",
			payload: `{"action":"explode","image_under_test":"centos:7","logs_dir":"/tmp/a"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := ParseJob([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.stage, job.Stage())
		})
	}
}

func TestJobPassesUnknownFieldsThrough(t *testing.T) {
	payload := `{"action":"start_scan","image_under_test":"centos:7","logs_dir":"/tmp/a","custom":{"nested":[1,2]},"build_id":12345678901234567}`

	job, err := ParseJob([]byte(payload))
	require.NoError(t, err)

	out, err := json.Marshal(job)
	require.NoError(t, err)

	var original, roundTripped map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &original))
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, original, roundTripped)
	assert.Contains(t, string(out), "12345678901234567")
}

func TestJobWithDoesNotMutateOriginal(t *testing.T) {
	job := NewJob(map[string]any{FieldAction: "start_scan", FieldImage: "centos:7"})

	notify := job.WithAction(ActionNotify)

	assert.Equal(t, ActionStartScan, job.Action())
	assert.Equal(t, ActionNotify, notify.Action())
	assert.Equal(t, "centos:7", notify.Image())
}

func TestJobBool(t *testing.T) {
	job := NewJob(map[string]any{
		"a": true,
		"b": "True",
		"c": "false",
		"d": 1,
		"e": "yes-ish",
	})

	assert.True(t, job.Bool("a"))
	assert.True(t, job.Bool("b"))
	assert.False(t, job.Bool("c"))
	assert.False(t, job.Bool("d"))
	assert.False(t, job.Bool("e"))
	assert.False(t, job.Bool("missing"))
}

func TestJobStrings(t *testing.T) {
	job := NewJob(map[string]any{
		"single": "ops@example.com",
		"list":   []any{"a@example.com", "", 3, "b@example.com"},
	})

	assert.Equal(t, []string{"ops@example.com"}, job.Strings("single"))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, job.Strings("list"))
	assert.Nil(t, job.Strings("missing"))
}

func TestJobRetryPending(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)

	tests := []struct {
		name    string
		fields  map[string]any
		ceiling time.Duration
		want    bool
	}{
		{
			name:   "not a retry job",
			fields: map[string]any{FieldRetryDelay: 300, FieldLastRunTimestamp: 1_700_000_000},
			want:   false,
		},
		{
			name:   "inside delay window",
			fields: map[string]any{FieldRetry: true, FieldRetryDelay: 300, FieldLastRunTimestamp: 1_700_000_000},
			want:   true,
		},
		{
			name:   "delay elapsed",
			fields: map[string]any{FieldRetry: true, FieldRetryDelay: 60, FieldLastRunTimestamp: 1_700_000_000},
			want:   false,
		},
		{
			name:   "numbers decoded from json",
			fields: map[string]any{FieldRetry: true, FieldRetryDelay: json.Number("300"), FieldLastRunTimestamp: json.Number("1700000000.5")},
			want:   true,
		},
		{
			name:    "ceiling caps an oversized delay",
			fields:  map[string]any{FieldRetry: true, FieldRetryDelay: 86400, FieldLastRunTimestamp: 1_700_000_000},
			ceiling: time.Minute,
			want:    false,
		},
		{
			name:   "missing last run timestamp means long ago",
			fields: map[string]any{FieldRetry: true, FieldRetryDelay: 300},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(tt.fields)
			assert.Equal(t, tt.want, job.RetryPending(now, tt.ceiling))
		})
	}
}
