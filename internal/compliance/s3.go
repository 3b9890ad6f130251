package compliance

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/errormgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

const (
	noEncryptionCode        = "ServerSideEncryptionConfigurationNotFoundError"
	noPublicAccessBlockCode = "NoSuchPublicAccessBlockConfiguration"

	// ListBuckets only reports BucketRegion when a paginated field is set
	maxBucketsPerPage = 1000
)

type bucket struct {
	name   string
	region string
}

// options routes per-bucket calls to the bucket's own region. The
// client region is used when ListBuckets did not report one.
func (b bucket) options() []func(*s3.Options) {
	if b.region == "" {
		return nil
	}
	region := b.region
	return []func(*s3.Options){func(o *s3.Options) { o.Region = region }}
}

func (r *run) processBuckets(ctx context.Context, accountId string) {
	sos := r.logger
	client, ok := r.awsClientMgr.S3(accountId)
	if !ok {
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(shared.AwsS3Bucket), Message: "s3 client is not loaded"})
		return
	}
	buckets, err := listBuckets(ctx, client, r.policy)
	if err != nil {
		sos.Errorf("error listing buckets in account [%s] : %v", accountId, err)
		r.metricMgr.IncrementMetric(metricmgr.TotalFailedBuckets, 1)
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(shared.AwsS3Bucket), Message: err.Error()})
		return
	}

	for _, b := range buckets {
		r.metricMgr.IncrementMetric(metricmgr.TotalBuckets, 1)
		bucketArn := "arn:aws:s3:::" + b.name
		var results []shared.ComplianceResult
		if r.config.HasCheck(shared.CheckS3Encryption) {
			results = append(results, r.bucketResult(accountId, bucketArn, shared.CheckS3Encryption, checkBucketEncryption(ctx, client, r.policy, b)))
		}
		if r.config.HasCheck(shared.CheckS3PublicAccess) {
			results = append(results, r.bucketResult(accountId, bucketArn, shared.CheckS3PublicAccess, checkBucketPublicAccess(ctx, client, r.policy, b)))
		}
		r.emit(createComplianceEvaluation(accountId, shared.AwsS3Bucket, bucketArn, r.eventTime, results))
	}
}

type checkOutcome struct {
	result shared.ComplianceResult
	err    error
}

func (r *run) bucketResult(accountId, bucketArn string, check shared.Check, outcome checkOutcome) shared.ComplianceResult {
	if outcome.err != nil {
		r.logger.Errorf("error checking [%v] for [%v] : %v", check, bucketArn, outcome.err)
		r.metricMgr.IncrementMetric(metricmgr.TotalFailedBuckets, 1)
		r.addError(errormgr.Error{
			AccountId:          accountId,
			ResourceType:       string(shared.AwsS3Bucket),
			PolicyDocumentName: string(check),
			Message:            outcome.err.Error(),
			ResourceArn:        bucketArn,
		})
		return notApplicable(string(check), bucketArn, outcome.err)
	}
	outcome.result.PolicyDocumentName = string(check)
	outcome.result.ResourceArn = bucketArn
	return outcome.result
}

func listBuckets(ctx context.Context, client awsclientmgr.S3API, policy retry.Policy) ([]bucket, error) {
	var (
		buckets []bucket
		token   *string
	)
	for {
		input := &s3.ListBucketsInput{ContinuationToken: token, MaxBuckets: aws.Int32(maxBucketsPerPage)}
		output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*s3.ListBucketsOutput, error) {
			return client.ListBuckets(ctx, input)
		})
		if err != nil {
			return nil, GeneralError{Service: S3, Message: err.Error()}
		}
		for _, b := range output.Buckets {
			buckets = append(buckets, bucket{name: aws.ToString(b.Name), region: aws.ToString(b.BucketRegion)})
		}
		if aws.ToString(output.ContinuationToken) == "" {
			return buckets, nil
		}
		token = output.ContinuationToken
	}
}

func checkBucketEncryption(ctx context.Context, client awsclientmgr.S3API, policy retry.Policy, b bucket) checkOutcome {
	output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*s3.GetBucketEncryptionOutput, error) {
		return client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(b.name)}, b.options()...)
	})
	if err != nil {
		if errorCode(err) == noEncryptionCode {
			return checkOutcome{result: nonCompliant("default encryption is not enabled")}
		}
		return checkOutcome{err: GeneralError{Service: S3, Message: err.Error()}}
	}
	if output.ServerSideEncryptionConfiguration != nil {
		for _, rule := range output.ServerSideEncryptionConfiguration.Rules {
			if rule.ApplyServerSideEncryptionByDefault != nil && rule.ApplyServerSideEncryptionByDefault.SSEAlgorithm != "" {
				return checkOutcome{result: compliant()}
			}
		}
	}
	return checkOutcome{result: nonCompliant("default encryption is not enabled")}
}

func checkBucketPublicAccess(ctx context.Context, client awsclientmgr.S3API, policy retry.Policy, b bucket) checkOutcome {
	output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*s3.GetPublicAccessBlockOutput, error) {
		return client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(b.name)}, b.options()...)
	})
	if err != nil {
		if errorCode(err) == noPublicAccessBlockCode {
			return checkOutcome{result: nonCompliant("public access block is not configured")}
		}
		return checkOutcome{err: GeneralError{Service: S3, Message: err.Error()}}
	}
	if missing := disabledPublicAccessSettings(output.PublicAccessBlockConfiguration); len(missing) > 0 {
		return checkOutcome{result: nonCompliant("public access block settings disabled: " + strings.Join(missing, ","))}
	}
	return checkOutcome{result: compliant()}
}

func disabledPublicAccessSettings(config *s3Types.PublicAccessBlockConfiguration) []string {
	if config == nil {
		return []string{"BlockPublicAcls", "IgnorePublicAcls", "BlockPublicPolicy", "RestrictPublicBuckets"}
	}
	var missing []string
	if !aws.ToBool(config.BlockPublicAcls) {
		missing = append(missing, "BlockPublicAcls")
	}
	if !aws.ToBool(config.IgnorePublicAcls) {
		missing = append(missing, "IgnorePublicAcls")
	}
	if !aws.ToBool(config.BlockPublicPolicy) {
		missing = append(missing, "BlockPublicPolicy")
	}
	if !aws.ToBool(config.RestrictPublicBuckets) {
		missing = append(missing, "RestrictPublicBuckets")
	}
	return missing
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func compliant() shared.ComplianceResult {
	return shared.ComplianceResult{Compliance: configServiceTypes.ComplianceTypeCompliant}
}

func nonCompliant(message string) shared.ComplianceResult {
	return shared.ComplianceResult{Compliance: configServiceTypes.ComplianceTypeNonCompliant, Message: message}
}
