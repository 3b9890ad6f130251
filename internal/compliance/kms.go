package compliance

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmsTypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/outofoffice3/tap-handlers/internal/errormgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

// processKeys checks rotation on customer managed keys. AWS managed keys
// are rotated by AWS and skipped.
func (r *run) processKeys(ctx context.Context, accountId string) {
	sos := r.logger
	client, ok := r.awsClientMgr.KMS(accountId)
	if !ok {
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(shared.AwsKmsKey), Message: "kms client is not loaded"})
		return
	}

	paginator := kms.NewListKeysPaginator(client, &kms.ListKeysInput{})
	for paginator.HasMorePages() {
		page, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*kms.ListKeysOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			sos.Errorf("error listing keys in account [%s] : %v", accountId, err)
			r.metricMgr.IncrementMetric(metricmgr.TotalFailedKeys, 1)
			r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(shared.AwsKmsKey), Message: err.Error()})
			return
		}
		for _, key := range page.Keys {
			keyArn := aws.ToString(key.KeyArn)
			keyId := key.KeyId
			describeKeyOutput, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*kms.DescribeKeyOutput, error) {
				return client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: keyId})
			})
			if err != nil {
				r.keyFailure(accountId, keyArn, err)
				continue
			}
			metadata := describeKeyOutput.KeyMetadata
			if metadata == nil || metadata.KeyManager != kmsTypes.KeyManagerTypeCustomer {
				continue
			}
			r.metricMgr.IncrementMetric(metricmgr.TotalKeys, 1)
			if keyArn == "" {
				keyArn = aws.ToString(metadata.Arn)
			}

			var result shared.ComplianceResult
			switch {
			case metadata.KeyState != kmsTypes.KeyStateEnabled:
				result = shared.ComplianceResult{
					Compliance: configServiceTypes.ComplianceTypeNotApplicable,
					Message:    "key state is " + string(metadata.KeyState),
				}
			case metadata.KeySpec != kmsTypes.KeySpecSymmetricDefault:
				result = shared.ComplianceResult{
					Compliance: configServiceTypes.ComplianceTypeNotApplicable,
					Message:    "rotation is not supported for " + string(metadata.KeySpec),
				}
			default:
				rotation, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*kms.GetKeyRotationStatusOutput, error) {
					return client.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: keyId})
				})
				if err != nil {
					result = r.keyFailure(accountId, keyArn, err)
					break
				}
				result = compliant()
				if !rotation.KeyRotationEnabled {
					result = nonCompliant("key rotation is disabled")
				}
			}
			result.ResourceArn = keyArn
			r.emit(createComplianceEvaluation(accountId, shared.AwsKmsKey, keyArn, r.eventTime, []shared.ComplianceResult{result}))
		}
	}
}

func (r *run) keyFailure(accountId, keyArn string, err error) shared.ComplianceResult {
	err = GeneralError{Service: KMS, Message: err.Error()}
	r.logger.Errorf("error checking key [%v] : %v", keyArn, err)
	r.metricMgr.IncrementMetric(metricmgr.TotalFailedKeys, 1)
	r.addError(errormgr.Error{
		AccountId:    accountId,
		ResourceType: string(shared.AwsKmsKey),
		Message:      err.Error(),
		ResourceArn:  keyArn,
	})
	return notApplicable("", keyArn, err)
}
