package compliance

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

// isCompliant asks access analyzer whether policyDocument grants any of
// restrictedActions.
func isCompliant(ctx context.Context, client awsclientmgr.AccessAnalyzerAPI, policy retry.Policy, policyDocument string, restrictedActions []string) (shared.ComplianceResult, error) {
	input := &accessanalyzer.CheckAccessNotGrantedInput{
		Access: []accessAnalyzerTypes.Access{
			{
				Actions: restrictedActions,
			},
		},
		PolicyDocument: aws.String(policyDocument),
		PolicyType:     accessAnalyzerTypes.AccessCheckPolicyTypeIdentityPolicy,
	}
	output, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*accessanalyzer.CheckAccessNotGrantedOutput, error) {
		return client.CheckAccessNotGranted(ctx, input)
	})
	if err != nil {
		return shared.ComplianceResult{}, GeneralError{Service: ACCESS_ANALYZER, Message: err.Error()}
	}
	compliance := configServiceTypes.ComplianceTypeNonCompliant
	if output.Result == accessAnalyzerTypes.CheckAccessNotGrantedResultPass {
		compliance = configServiceTypes.ComplianceTypeCompliant
	}
	return shared.ComplianceResult{
		Compliance: compliance,
		Reasons:    output.Reasons,
		Message:    aws.ToString(output.Message),
	}, nil
}

// createComplianceEvaluation folds every result for one resource into a
// single evaluation. Any NON_COMPLIANT result wins, then NOT_APPLICABLE,
// otherwise the resource is COMPLIANT.
func createComplianceEvaluation(accountId string, resourceType shared.ResourceType, resourceArn string, timestamp time.Time, complianceResults []shared.ComplianceResult) shared.ComplianceEvaluation {
	var (
		violations []string
		messages   []string
		reasons    []accessAnalyzerTypes.ReasonSummary
	)
	currentComplianceType := configServiceTypes.ComplianceTypeCompliant

	for _, complianceResult := range complianceResults {
		switch complianceResult.Compliance {
		case configServiceTypes.ComplianceTypeNonCompliant:
			currentComplianceType = configServiceTypes.ComplianceTypeNonCompliant
			reasons = append(reasons, complianceResult.Reasons...)
			detail := shared.JoinReasons(complianceResult.Reasons, ";")
			if detail == "" {
				detail = complianceResult.Message
			}
			violations = append(violations, annotationBlock(complianceResult.PolicyDocumentName, detail))
		case configServiceTypes.ComplianceTypeNotApplicable:
			if currentComplianceType != configServiceTypes.ComplianceTypeNonCompliant {
				currentComplianceType = configServiceTypes.ComplianceTypeNotApplicable
			}
			if complianceResult.Message != "" {
				messages = append(messages, annotationBlock(complianceResult.PolicyDocumentName, complianceResult.Message))
			}
		}
	}

	annotations := messages
	if currentComplianceType == configServiceTypes.ComplianceTypeNonCompliant {
		annotations = violations
	}
	return shared.ComplianceEvaluation{
		AccountId:    accountId,
		ResourceType: resourceType,
		Arn:          resourceArn,
		ComplianceResult: shared.ComplianceResult{
			Compliance:  currentComplianceType,
			Reasons:     reasons,
			Message:     strings.Join(annotations, "\n"),
			ResourceArn: resourceArn,
		},
		Timestamp: timestamp,
	}
}

func annotationBlock(name, detail string) string {
	if name == "" {
		return detail
	}
	return name + " : " + detail
}

func notApplicable(name, resourceArn string, err error) shared.ComplianceResult {
	return shared.ComplianceResult{
		Compliance:         configServiceTypes.ComplianceTypeNotApplicable,
		Message:            err.Error(),
		PolicyDocumentName: name,
		ResourceArn:        resourceArn,
	}
}
