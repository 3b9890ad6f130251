package shared

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
)

func CreateAWSConfigEvaluation(evaluation ComplianceEvaluation) configServiceTypes.Evaluation {
	reasons := JoinReasons(evaluation.ComplianceResult.Reasons, ";")
	e := configServiceTypes.Evaluation{
		ComplianceResourceType: aws.String(string(evaluation.ResourceType)),
		ComplianceResourceId:   aws.String(evaluation.Arn),
		ComplianceType:         evaluation.ComplianceResult.Compliance,
		OrderingTimestamp:      aws.Time(evaluation.Timestamp),
	}
	// first non-empty of message, reasons, error message
	switch {
	case evaluation.ComplianceResult.Message != "":
		e.Annotation = aws.String(ValidateAnnotation(evaluation.ComplianceResult.Message, MaxAnnotationLength))
	case reasons != "":
		e.Annotation = aws.String(ValidateAnnotation(reasons, MaxAnnotationLength))
	case evaluation.ErrMsg != "":
		e.Annotation = aws.String(ValidateAnnotation(evaluation.ErrMsg, MaxAnnotationLength))
	}
	return e
}

func JoinReasons(reasons []accessAnalyzerTypes.ReasonSummary, separator string) string {
	var reasonsStrs []string
	for _, reason := range reasons {
		if reason.Description == nil {
			continue
		}
		reasonsStrs = append(reasonsStrs, *reason.Description)
	}
	return strings.Join(reasonsStrs, separator)
}
