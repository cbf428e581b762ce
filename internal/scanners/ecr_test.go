// ABOUTME: Tests for the ECR findings scanner with a fake ECR API.
// ABOUTME: Covers URI parsing, precondition skips, severity summaries, and alerting.

package scanners

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/jfeddern/ScanRelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeECR struct {
	output *ecr.DescribeImageScanFindingsOutput
	err    error
	input  *ecr.DescribeImageScanFindingsInput
}

func (f *fakeECR) DescribeImageScanFindings(ctx context.Context, params *ecr.DescribeImageScanFindingsInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImageScanFindingsOutput, error) {
	f.input = params
	return f.output, f.err
}

const ecrImage = "123456789012.dkr.ecr.us-east-1.amazonaws.com/team/my-app:v1.0.0"

func ecrRequest(t *testing.T, image string) Request {
	t.Helper()
	return NewRequest(types.NewJob(map[string]any{
		types.FieldImage:   image,
		types.FieldLogsDir: t.TempDir(),
	}), ModeRegister)
}

func TestParseImageURI(t *testing.T) {
	tests := []struct {
		name     string
		imageURI string
		wantRepo string
		wantTag  string
		wantErr  bool
	}{
		{"simple", "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:v1.0.0", "my-app", "v1.0.0", false},
		{"nested", ecrImage, "team/my-app", "v1.0.0", false},
		{"no tag", "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app", "", "", true},
		{"empty tag", "123456789012.dkr.ecr.us-east-1.amazonaws.com/my-app:", "", "", true},
		{"not ecr", "docker.io/library/centos:7", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, tag, err := ParseImageURI(tt.imageURI)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRepo, repo)
			assert.Equal(t, tt.wantTag, tag)
		})
	}
}

func TestECRScannerPreconditions(t *testing.T) {
	fake := &fakeECR{}
	scanner := NewECRScannerWithClient(fake, "123456789012", quietLogger())

	_, err := scanner.Run(context.Background(), ecrRequest(t, "centos:7"))
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = scanner.Run(context.Background(), ecrRequest(t, "999999999999.dkr.ecr.us-east-1.amazonaws.com/app:1"))
	assert.ErrorIs(t, err, ErrPrecondition)

	assert.Nil(t, fake.input, "ECR must not be queried for skipped images")
}

func TestECRScannerRun(t *testing.T) {
	completed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name        string
		output      *ecr.DescribeImageScanFindingsOutput
		wantAlert   bool
		wantSummary string
	}{
		{
			name: "basic findings with high severity",
			output: &ecr.DescribeImageScanFindingsOutput{
				ImageScanStatus: &ecrtypes.ImageScanStatus{Status: ecrtypes.ScanStatusComplete},
				ImageScanFindings: &ecrtypes.ImageScanFindings{
					ImageScanCompletedAt: &completed,
					Findings: []ecrtypes.ImageScanFinding{
						{Name: aws.String("CVE-1"), Severity: ecrtypes.FindingSeverityHigh},
						{Name: aws.String("CVE-2"), Severity: ecrtypes.FindingSeverityLow},
					},
				},
			},
			wantAlert:   true,
			wantSummary: "ECR reported 2 vulnerabilities: HIGH=1, LOW=1.",
		},
		{
			name: "enhanced findings only medium",
			output: &ecr.DescribeImageScanFindingsOutput{
				ImageScanFindings: &ecrtypes.ImageScanFindings{
					EnhancedFindings: []ecrtypes.EnhancedImageScanFinding{
						{Title: aws.String("CVE-3"), Severity: aws.String("MEDIUM")},
					},
				},
			},
			wantSummary: "ECR reported 1 vulnerabilities: MEDIUM=1.",
		},
		{
			name: "api counts fallback",
			output: &ecr.DescribeImageScanFindingsOutput{
				ImageScanFindings: &ecrtypes.ImageScanFindings{
					FindingSeverityCounts: map[string]int32{"CRITICAL": 2},
				},
			},
			wantAlert:   true,
			wantSummary: "ECR reported 2 vulnerabilities: CRITICAL=2.",
		},
		{
			name: "clean",
			output: &ecr.DescribeImageScanFindingsOutput{
				ImageScanStatus: &ecrtypes.ImageScanStatus{Status: ecrtypes.ScanStatusComplete},
			},
			wantSummary: "No vulnerabilities reported by ECR (scan status COMPLETE).",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeECR{output: tt.output}
			scanner := NewECRScannerWithClient(fake, "123456789012", quietLogger())

			outcome, err := scanner.Run(context.Background(), ecrRequest(t, ecrImage))
			require.NoError(t, err)

			assert.Equal(t, tt.wantAlert, outcome.Alert)
			assert.Equal(t, tt.wantSummary, outcome.Summary)
			assert.FileExists(t, outcome.ResultPath)
			assert.Equal(t, "team/my-app", aws.ToString(fake.input.RepositoryName))
			assert.Equal(t, "v1.0.0", aws.ToString(fake.input.ImageId.ImageTag))
		})
	}
}

func TestBuildECRResultEnhancedFindingDetails(t *testing.T) {
	output := &ecr.DescribeImageScanFindingsOutput{
		ImageScanFindings: &ecrtypes.ImageScanFindings{
			EnhancedFindings: []ecrtypes.EnhancedImageScanFinding{
				{
					Title:    aws.String("CVE-2024-0001 - openssl"),
					Severity: aws.String("CRITICAL"),
					Score:    9.8,
					PackageVulnerabilityDetails: &ecrtypes.PackageVulnerabilityDetails{
						Source: aws.String("CVE-2024-0001"),
						VulnerablePackages: []ecrtypes.VulnerablePackage{
							{Name: aws.String("openssl"), Version: aws.String("3.0.1")},
						},
					},
				},
			},
		},
	}

	result := buildECRResult(ecrImage, "team/my-app", "v1.0.0", output)

	require.Len(t, result.Findings, 1)
	finding := result.Findings[0]
	assert.Equal(t, "CVE-2024-0001", finding.Name)
	assert.Equal(t, "CRITICAL", finding.Severity)
	assert.InDelta(t, 9.8, finding.Score, 0.001)
	assert.Equal(t, "openssl", finding.PackageName)
	assert.Equal(t, "3.0.1", finding.PackageVersion)
	assert.Equal(t, 1, result.SeverityCounts["CRITICAL"])
}

func TestECRScannerAPIError(t *testing.T) {
	scanner := NewECRScannerWithClient(&fakeECR{err: errors.New("access denied")}, "", quietLogger())

	_, err := scanner.Run(context.Background(), ecrRequest(t, ecrImage))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPrecondition)
}
