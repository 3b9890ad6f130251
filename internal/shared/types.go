package shared

import (
	"time"

	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
)

type ResourceType string
type EnvVar string
type S3BucketName string
type S3ObjectKey string
type Check string
type Scope string

// Config is the compliance checker configuration document.
type Config struct {
	AWSAccounts       []AWSAccount `json:"awsAccounts" yaml:"awsAccounts"`
	RestrictedActions []string     `json:"restrictedActions" yaml:"restrictedActions"`
	Scope             string       `json:"scope" yaml:"scope"`
	Checks            []Check      `json:"checks" yaml:"checks"`
	DryRun            bool         `json:"dryRun" yaml:"dryRun"`
	ReportBucket      string       `json:"reportBucket" yaml:"reportBucket"`
	ReportPrefix      string       `json:"reportPrefix" yaml:"reportPrefix"`
	AlertTopicArn     string       `json:"alertTopicArn" yaml:"alertTopicArn"`
}

// AWSAccount represents an AWS account with its associated IAM role.
type AWSAccount struct {
	AccountID string `json:"accountId" yaml:"accountId"`
	RoleName  string `json:"roleName" yaml:"roleName"`
}

// EnabledChecks returns the configured checks, or every check when none are set.
func (c Config) EnabledChecks() []Check {
	if len(c.Checks) == 0 {
		return AllChecks
	}
	return c.Checks
}

// HasCheck reports whether check is enabled.
func (c Config) HasCheck(check Check) bool {
	for _, enabled := range c.EnabledChecks() {
		if enabled == check {
			return true
		}
	}
	return false
}

type ComplianceEvaluation struct {
	AccountId        string           `json:"accountId"`
	ResourceType     ResourceType     `json:"resourceType"`
	Arn              string           `json:"arn"`
	ComplianceResult ComplianceResult `json:"complianceResult"`
	ErrMsg           string           `json:"errMsg"`
	Timestamp        time.Time        `json:"timestamp"`
}

// ComplianceResult is the outcome of one check against one document or
// setting of a resource.
type ComplianceResult struct {
	Compliance         configServiceTypes.ComplianceType   `json:"compliance"`
	Reasons            []accessAnalyzerTypes.ReasonSummary `json:"reasons"`
	Message            string                              `json:"message"`
	PolicyDocumentName string                              `json:"policyDocumentName"`
	ResourceArn        string                              `json:"resourceArn"`
}

type ExecutionLogEntry struct {
	Timestamp    string `json:"timestamp"`
	Compliance   string `json:"compliance"`
	Arn          string `json:"arn"`
	ResourceType string `json:"resourceType"`
	Reasons      string `json:"reasons"`
	Message      string `json:"message"`
	ErrMsg       string `json:"errMsg"`
	AccountId    string `json:"accountId"`
}
