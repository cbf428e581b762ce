// ABOUTME: Amazon ECR scan findings scanner for images hosted in an ECR registry.
// ABOUTME: Handles cross-account role assumption and summarises findings by severity.

package scanners

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
)

const (
	ECRName       = "ecr-findings"
	ecrResultFile = "ecr_findings_scanner_results.json"
)

var ecrHostPattern = regexp.MustCompile(`^(\d{12})\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com(\.cn)?/`)

// severities that raise an alert
var ecrAlertSeverities = map[string]bool{"CRITICAL": true, "HIGH": true}

// ECRAPI is the part of the ECR client the scanner needs
type ECRAPI interface {
	DescribeImageScanFindings(ctx context.Context, params *ecr.DescribeImageScanFindingsInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImageScanFindingsOutput, error)
}

// ECRFinding is a single finding in the exported result
type ECRFinding struct {
	Name           string   `json:"name"`
	Severity       string   `json:"severity"`
	Description    string   `json:"description,omitempty"`
	URI            string   `json:"uri,omitempty"`
	Score          float64  `json:"score,omitempty"`
	PackageName    string   `json:"package_name,omitempty"`
	PackageVersion string   `json:"package_version,omitempty"`
	FixVersion     string   `json:"fix_version,omitempty"`
}

// ECRResult is the raw result exported for the ECR scanner
type ECRResult struct {
	Scanner        string         `json:"scanner"`
	Image          string         `json:"image_under_test"`
	Repository     string         `json:"repository"`
	Tag            string         `json:"tag"`
	ScanStatus     string         `json:"scan_status"`
	LastScanTime   string         `json:"last_scan_time,omitempty"`
	SeverityCounts map[string]int `json:"severity_counts"`
	TotalCount     int            `json:"total_count"`
	Findings       []ECRFinding   `json:"findings"`
}

// ECRScanner reads the registry's own scan findings for ECR hosted images
type ECRScanner struct {
	client    ECRAPI
	accountID string
	logger    *logrus.Logger
}

// NewECRScanner loads AWS configuration for the region and assumes a role
// when AWS_IAM_ASSUME_ROLE_ARN is set or the caller lives in another account
func NewECRScanner(ctx context.Context, accountID, region string, logger *logrus.Logger) (*ECRScanner, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg.Copy())
	if assumeRoleARN := os.Getenv("AWS_IAM_ASSUME_ROLE_ARN"); assumeRoleARN != "" {
		logger.WithField("role_arn", assumeRoleARN).Info("Assuming role from AWS_IAM_ASSUME_ROLE_ARN environment variable")
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN))
	} else if accountID != "" {
		identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			logger.WithError(err).Warn("Could not get caller identity, proceeding with default credentials")
		} else if current := aws.ToString(identity.Account); current != accountID {
			roleARN := fmt.Sprintf("arn:aws:iam::%s:role/ScanRelayECRReadRole", accountID)
			logger.WithFields(logrus.Fields{
				"current_account": current,
				"target_account":  accountID,
				"role_arn":        roleARN,
			}).Info("Assuming cross-account role")
			cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleARN))
		}
	}

	return NewECRScannerWithClient(ecr.NewFromConfig(cfg), accountID, logger), nil
}

// NewECRScannerWithClient wires an existing client, used by tests
func NewECRScannerWithClient(client ECRAPI, accountID string, logger *logrus.Logger) *ECRScanner {
	return &ECRScanner{client: client, accountID: accountID, logger: logger}
}

func (e *ECRScanner) Name() string {
	return ECRName
}

func (e *ECRScanner) ResultFile() string {
	return ecrResultFile
}

// ParseImageURI extracts repository and tag from
// account.dkr.ecr.region.amazonaws.com/repository:tag
func ParseImageURI(imageURI string) (repository, tag string, err error) {
	loc := ecrHostPattern.FindStringIndex(imageURI)
	if loc == nil {
		return "", "", fmt.Errorf("not an ECR image URI: %s", imageURI)
	}

	repoWithTag := imageURI[loc[1]:]
	idx := strings.LastIndex(repoWithTag, ":")
	if idx <= 0 || idx == len(repoWithTag)-1 {
		return "", "", fmt.Errorf("invalid image URI format, missing tag: %s", imageURI)
	}
	return repoWithTag[:idx], repoWithTag[idx+1:], nil
}

func (e *ECRScanner) Run(ctx context.Context, req Request) (Outcome, error) {
	match := ecrHostPattern.FindStringSubmatch(req.Image)
	if match == nil {
		return Outcome{}, fmt.Errorf("%w: %s is not hosted in ECR", ErrPrecondition, req.Image)
	}
	if e.accountID != "" && match[1] != e.accountID {
		return Outcome{}, fmt.Errorf("%w: %s belongs to account %s", ErrPrecondition, req.Image, match[1])
	}

	repo, tag, err := ParseImageURI(req.Image)
	if err != nil {
		return Outcome{}, err
	}

	logger := e.logger.WithFields(logrus.Fields{
		"scanner":    ECRName,
		"image":      req.Image,
		"repository": repo,
		"tag":        tag,
	})

	output, err := e.client.DescribeImageScanFindings(ctx, &ecr.DescribeImageScanFindingsInput{
		RepositoryName: aws.String(repo),
		ImageId:        &ecrtypes.ImageIdentifier{ImageTag: aws.String(tag)},
	})
	if err != nil {
		logger.WithError(err).Error("Failed to describe image scan findings")
		return Outcome{}, fmt.Errorf("failed to describe image scan findings: %w", err)
	}

	result := buildECRResult(req.Image, repo, tag, output)
	path, err := WriteResult(req.ResultDir, ecrResultFile, result)
	if err != nil {
		return Outcome{}, err
	}

	alert := false
	for severity, count := range result.SeverityCounts {
		if count > 0 && ecrAlertSeverities[severity] {
			alert = true
		}
	}

	logger.WithFields(logrus.Fields{
		"total_vulnerabilities": result.TotalCount,
		"scan_status":           result.ScanStatus,
		"vulnerabilities":       result.SeverityCounts,
	}).Info("Finished running ECR findings scanner")

	return Outcome{Summary: ecrSummary(result), Alert: alert, ResultPath: path}, nil
}

func buildECRResult(image, repo, tag string, output *ecr.DescribeImageScanFindingsOutput) ECRResult {
	result := ECRResult{
		Scanner:        ECRName,
		Image:          image,
		Repository:     repo,
		Tag:            tag,
		SeverityCounts: map[string]int{},
		Findings:       []ECRFinding{},
	}

	if output.ImageScanStatus != nil {
		result.ScanStatus = string(output.ImageScanStatus.Status)
	}

	findings := output.ImageScanFindings
	if findings == nil {
		return result
	}
	if findings.ImageScanCompletedAt != nil {
		result.LastScanTime = findings.ImageScanCompletedAt.UTC().Format("2006-01-02T15:04:05Z")
	}

	for _, f := range findings.Findings {
		severity := string(f.Severity)
		result.SeverityCounts[severity]++
		result.Findings = append(result.Findings, ECRFinding{
			Name:        aws.ToString(f.Name),
			Severity:    severity,
			Description: aws.ToString(f.Description),
			URI:         aws.ToString(f.Uri),
		})
	}

	// Enhanced scanning (Amazon Inspector)
	for _, f := range findings.EnhancedFindings {
		if f.Severity == nil {
			continue
		}
		severity := *f.Severity
		result.SeverityCounts[severity]++

		finding := ECRFinding{
			Name:        aws.ToString(f.Title),
			Severity:    severity,
			Description: aws.ToString(f.Description),
			Score:       f.Score,
		}
		if details := f.PackageVulnerabilityDetails; details != nil {
			if details.Source != nil {
				finding.Name = *details.Source
			}
			if len(details.VulnerablePackages) > 0 {
				pkg := details.VulnerablePackages[0]
				finding.PackageName = aws.ToString(pkg.Name)
				finding.PackageVersion = aws.ToString(pkg.Version)
				finding.FixVersion = aws.ToString(pkg.FixedInVersion)
			}
		}
		result.Findings = append(result.Findings, finding)
	}

	for _, count := range result.SeverityCounts {
		result.TotalCount += count
	}

	// Fall back to the API's own counts when no findings were listed
	if result.TotalCount == 0 {
		for severity, count := range findings.FindingSeverityCounts {
			result.SeverityCounts[string(severity)] = int(count)
			result.TotalCount += int(count)
		}
	}

	return result
}

func ecrSummary(result ECRResult) string {
	if result.TotalCount == 0 {
		return fmt.Sprintf("No vulnerabilities reported by ECR (scan status %s).", orUnknown(result.ScanStatus))
	}

	severities := make([]string, 0, len(result.SeverityCounts))
	for severity := range result.SeverityCounts {
		severities = append(severities, severity)
	}
	sort.Strings(severities)

	parts := make([]string, 0, len(severities))
	for _, severity := range severities {
		parts = append(parts, fmt.Sprintf("%s=%d", severity, result.SeverityCounts[severity]))
	}
	return fmt.Sprintf("ECR reported %d vulnerabilities: %s.", result.TotalCount, strings.Join(parts, ", "))
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
