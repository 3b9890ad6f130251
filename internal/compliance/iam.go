package compliance

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamTypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/cache"
	"github.com/outofoffice3/tap-handlers/internal/errormgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

// identityKind ties an IAM identity type to its resource type and counters.
type identityKind struct {
	resourceType         shared.ResourceType
	totalMetric          metricmgr.Metric
	failedMetric         metricmgr.Metric
	policiesMetric       metricmgr.Metric
	failedPoliciesMetric metricmgr.Metric
}

var (
	roleKind = identityKind{
		resourceType:         shared.AwsIamRole,
		totalMetric:          metricmgr.TotalRoles,
		failedMetric:         metricmgr.TotalFailedRoles,
		policiesMetric:       metricmgr.TotalRolePolicies,
		failedPoliciesMetric: metricmgr.TotalFailedRolePolicies,
	}
	userKind = identityKind{
		resourceType:         shared.AwsIamUser,
		totalMetric:          metricmgr.TotalUsers,
		failedMetric:         metricmgr.TotalFailedUsers,
		policiesMetric:       metricmgr.TotalUserPolicies,
		failedPoliciesMetric: metricmgr.TotalFailedUserPolicies,
	}
)

type identity struct {
	name string
	arn  string
	kind identityKind
}

// processIdentities evaluates every role or user in the account.
func (r *run) processIdentities(ctx context.Context, accountId string, kind identityKind) {
	sos := r.logger
	iamClient, ok := r.awsClientMgr.IAM(accountId)
	if !ok {
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(kind.resourceType), Message: "iam client is not loaded"})
		return
	}
	aaClient, ok := r.awsClientMgr.AccessAnalyzer(accountId)
	if !ok {
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(kind.resourceType), Message: "access analyzer client is not loaded"})
		return
	}

	identities, err := listIdentities(ctx, iamClient, r.policy, kind)
	if err != nil {
		sos.Errorf("error listing [%v] in account [%s] : %v", kind.resourceType, accountId, err)
		r.metricMgr.IncrementMetric(kind.failedMetric, 1)
		r.addError(errormgr.Error{AccountId: accountId, ResourceType: string(kind.resourceType), Message: err.Error()})
		return
	}
	for _, id := range identities {
		r.metricMgr.IncrementMetric(kind.totalMetric, 1)
		sos.Debugf("processing [%v]", id.arn)
		results := r.processIdentity(ctx, accountId, iamClient, aaClient, id)
		r.emit(createComplianceEvaluation(accountId, kind.resourceType, id.arn, r.eventTime, results))
	}
}

func listIdentities(ctx context.Context, client awsclientmgr.IAMAPI, policy retry.Policy, kind identityKind) ([]identity, error) {
	var identities []identity
	if kind == roleKind {
		paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
		for paginator.HasMorePages() {
			page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListRolesOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return nil, GeneralError{Service: IAM, Message: err.Error()}
			}
			for _, role := range page.Roles {
				identities = append(identities, identity{name: aws.ToString(role.RoleName), arn: aws.ToString(role.Arn), kind: kind})
			}
		}
		return identities, nil
	}
	paginator := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
	for paginator.HasMorePages() {
		page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListUsersOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, GeneralError{Service: IAM, Message: err.Error()}
		}
		for _, user := range page.Users {
			identities = append(identities, identity{name: aws.ToString(user.UserName), arn: aws.ToString(user.Arn), kind: kind})
		}
	}
	return identities, nil
}

// processIdentity checks managed and inline policies concurrently.
func (r *run) processIdentity(ctx context.Context, accountId string, iamClient awsclientmgr.IAMAPI, aaClient awsclientmgr.AccessAnalyzerAPI, id identity) []shared.ComplianceResult {
	var managed, inline []shared.ComplianceResult
	identityWg := &sync.WaitGroup{}
	identityWg.Add(2)
	go func() {
		defer identityWg.Done()
		managed = r.managedPolicyResults(ctx, accountId, iamClient, aaClient, id)
	}()
	go func() {
		defer identityWg.Done()
		inline = r.inlinePolicyResults(ctx, accountId, iamClient, aaClient, id)
	}()
	identityWg.Wait()
	return append(managed, inline...)
}

func (r *run) policyFailure(accountId string, id identity, policyName string, err error) shared.ComplianceResult {
	r.logger.Errorf("error evaluating policy [%v] for [%v] : %v", policyName, id.arn, err)
	r.metricMgr.IncrementMetric(id.kind.failedPoliciesMetric, 1)
	r.addError(errormgr.Error{
		AccountId:          accountId,
		ResourceType:       string(id.kind.resourceType),
		PolicyDocumentName: policyName,
		Message:            err.Error(),
		ResourceArn:        id.arn,
	})
	return notApplicable(policyName, id.arn, err)
}

func (r *run) managedPolicyResults(ctx context.Context, accountId string, iamClient awsclientmgr.IAMAPI, aaClient awsclientmgr.AccessAnalyzerAPI, id identity) []shared.ComplianceResult {
	attached, err := listAttachedPolicies(ctx, iamClient, r.policy, id)
	if err != nil {
		return []shared.ComplianceResult{r.policyFailure(accountId, id, "", err)}
	}
	var results []shared.ComplianceResult
	for _, policy := range attached {
		r.metricMgr.IncrementMetric(id.kind.policiesMetric, 1)
		policyName := aws.ToString(policy.PolicyName)
		result, err := r.managedPolicyResult(ctx, accountId, iamClient, aaClient, aws.ToString(policy.PolicyArn))
		if err != nil {
			results = append(results, r.policyFailure(accountId, id, policyName, err))
			continue
		}
		result.PolicyDocumentName = policyName
		result.ResourceArn = id.arn
		results = append(results, result)
	}
	return results
}

// managedPolicyResult evaluates the default version of a managed policy once
// per account and version.
func (r *run) managedPolicyResult(ctx context.Context, accountId string, iamClient awsclientmgr.IAMAPI, aaClient awsclientmgr.AccessAnalyzerAPI, policyArn string) (shared.ComplianceResult, error) {
	getPolicyOutput, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*iam.GetPolicyOutput, error) {
		return iamClient.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyArn)})
	})
	if err != nil {
		return shared.ComplianceResult{}, GeneralError{Service: IAM, Message: err.Error()}
	}
	if getPolicyOutput.Policy == nil || getPolicyOutput.Policy.DefaultVersionId == nil {
		return shared.ComplianceResult{}, GeneralError{Service: IAM, Message: "policy [" + policyArn + "] has no default version"}
	}
	versionId := aws.ToString(getPolicyOutput.Policy.DefaultVersionId)

	key := cache.CacheKey{PK: accountId, SK: policyArn + "@" + versionId}
	if result, ok := r.cache.Get(key); ok {
		r.metricMgr.IncrementMetric(metricmgr.TotalCacheHits, 1)
		return result, nil
	}

	getPolicyVersionOutput, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*iam.GetPolicyVersionOutput, error) {
		return iamClient.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
			PolicyArn: aws.String(policyArn),
			VersionId: aws.String(versionId),
		})
	})
	if err != nil {
		return shared.ComplianceResult{}, GeneralError{Service: IAM, Message: err.Error()}
	}
	if getPolicyVersionOutput.PolicyVersion == nil {
		return shared.ComplianceResult{}, GeneralError{Service: IAM, Message: "policy version [" + versionId + "] is empty"}
	}
	result, err := r.evaluateDocument(ctx, aaClient, aws.ToString(getPolicyVersionOutput.PolicyVersion.Document))
	if err != nil {
		return shared.ComplianceResult{}, err
	}
	r.cache.Set(key, result)
	return result, nil
}

func (r *run) inlinePolicyResults(ctx context.Context, accountId string, iamClient awsclientmgr.IAMAPI, aaClient awsclientmgr.AccessAnalyzerAPI, id identity) []shared.ComplianceResult {
	policyNames, err := listInlinePolicies(ctx, iamClient, r.policy, id)
	if err != nil {
		return []shared.ComplianceResult{r.policyFailure(accountId, id, "", err)}
	}
	var results []shared.ComplianceResult
	for _, policyName := range policyNames {
		r.metricMgr.IncrementMetric(id.kind.policiesMetric, 1)
		document, err := getInlinePolicy(ctx, iamClient, r.policy, id, policyName)
		if err != nil {
			results = append(results, r.policyFailure(accountId, id, policyName, err))
			continue
		}
		result, err := r.evaluateDocument(ctx, aaClient, document)
		if err != nil {
			results = append(results, r.policyFailure(accountId, id, policyName, err))
			continue
		}
		result.PolicyDocumentName = policyName
		result.ResourceArn = id.arn
		results = append(results, result)
	}
	return results
}

// IAM returns policy documents URL-encoded.
func (r *run) evaluateDocument(ctx context.Context, aaClient awsclientmgr.AccessAnalyzerAPI, document string) (shared.ComplianceResult, error) {
	if document == "" {
		return shared.ComplianceResult{}, errors.New("policy document is empty")
	}
	decodedPolicyDocument, err := url.QueryUnescape(document)
	if err != nil {
		return shared.ComplianceResult{}, err
	}
	return isCompliant(ctx, aaClient, r.policy, decodedPolicyDocument, r.config.RestrictedActions)
}

func listAttachedPolicies(ctx context.Context, client awsclientmgr.IAMAPI, policy retry.Policy, id identity) ([]iamTypes.AttachedPolicy, error) {
	var attached []iamTypes.AttachedPolicy
	if id.kind == roleKind {
		paginator := iam.NewListAttachedRolePoliciesPaginator(client, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(id.name)})
		for paginator.HasMorePages() {
			page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListAttachedRolePoliciesOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return nil, GeneralError{Service: IAM, Message: err.Error()}
			}
			attached = append(attached, page.AttachedPolicies...)
		}
		return attached, nil
	}
	paginator := iam.NewListAttachedUserPoliciesPaginator(client, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(id.name)})
	for paginator.HasMorePages() {
		page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListAttachedUserPoliciesOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, GeneralError{Service: IAM, Message: err.Error()}
		}
		attached = append(attached, page.AttachedPolicies...)
	}
	return attached, nil
}

func listInlinePolicies(ctx context.Context, client awsclientmgr.IAMAPI, policy retry.Policy, id identity) ([]string, error) {
	var names []string
	if id.kind == roleKind {
		paginator := iam.NewListRolePoliciesPaginator(client, &iam.ListRolePoliciesInput{RoleName: aws.String(id.name)})
		for paginator.HasMorePages() {
			page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListRolePoliciesOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return nil, GeneralError{Service: IAM, Message: err.Error()}
			}
			names = append(names, page.PolicyNames...)
		}
		return names, nil
	}
	paginator := iam.NewListUserPoliciesPaginator(client, &iam.ListUserPoliciesInput{UserName: aws.String(id.name)})
	for paginator.HasMorePages() {
		page, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.ListUserPoliciesOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, GeneralError{Service: IAM, Message: err.Error()}
		}
		names = append(names, page.PolicyNames...)
	}
	return names, nil
}

func getInlinePolicy(ctx context.Context, client awsclientmgr.IAMAPI, policy retry.Policy, id identity, policyName string) (string, error) {
	if id.kind == roleKind {
		output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.GetRolePolicyOutput, error) {
			return client.GetRolePolicy(ctx, &iam.GetRolePolicyInput{RoleName: aws.String(id.name), PolicyName: aws.String(policyName)})
		})
		if err != nil {
			return "", GeneralError{Service: IAM, Message: err.Error()}
		}
		return aws.ToString(output.PolicyDocument), nil
	}
	output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*iam.GetUserPolicyOutput, error) {
		return client.GetUserPolicy(ctx, &iam.GetUserPolicyInput{UserName: aws.String(id.name), PolicyName: aws.String(policyName)})
	})
	if err != nil {
		return "", GeneralError{Service: IAM, Message: err.Error()}
	}
	return aws.ToString(output.PolicyDocument), nil
}
