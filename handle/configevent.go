package handle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/compliance"
	"github.com/tidwall/gjson"
)

// HandleConfigEvent runs the checker for an AWS Config periodic rule
// invocation.
func HandleConfigEvent(ctx context.Context, event events.ConfigEvent, checker compliance.Checker) (compliance.Summary, error) {
	sos := checker.GetLogger()
	logRequest(ctx, sos)
	sos.Debugf("config rule [%s] invoked, left scope [%v]", event.ConfigRuleName, event.EventLeftScope)

	input := compliance.RunInput{
		ResultToken:    event.ResultToken,
		EventTime:      notificationTime(event.InvokingEvent),
		EventLeftScope: event.EventLeftScope,
	}
	summary, err := checker.Run(ctx, input)
	if err != nil {
		sos.Errorf("compliance run failed : %v", err)
		return summary, err
	}
	sos.Infof("all accounts completed : [%+v]", summary)
	return summary, nil
}

// HandleScheduledCompliance runs the checker from a scheduled CloudWatch
// event. A detail carrying a config event is handled as one.
func HandleScheduledCompliance(ctx context.Context, event events.CloudWatchEvent, checker compliance.Checker) (compliance.Summary, error) {
	sos := checker.GetLogger()
	sos.Debugf("cloudwatch event [%s] from [%s]", event.ID, event.Source)

	if len(event.Detail) > 0 && gjson.GetBytes(event.Detail, "resultToken").Exists() {
		var configEvent events.ConfigEvent
		if err := json.Unmarshal(event.Detail, &configEvent); err != nil {
			sos.Errorf("failed to unmarshal config event : %v", err)
			return compliance.Summary{}, errors.New("failed to unmarshal config event: " + err.Error())
		}
		return HandleConfigEvent(ctx, configEvent, checker)
	}

	logRequest(ctx, sos)
	summary, err := checker.Run(ctx, compliance.RunInput{EventTime: event.Time})
	if err != nil {
		sos.Errorf("compliance run failed : %v", err)
		return summary, err
	}
	sos.Infof("all accounts completed : [%+v]", summary)
	return summary, nil
}

// notificationTime reads notificationCreationTime from a config invoking
// event. Zero when missing or unparseable.
func notificationTime(invokingEvent string) time.Time {
	if invokingEvent == "" {
		return time.Time{}
	}
	return gjson.Get(invokingEvent, "notificationCreationTime").Time()
}

func logRequest(ctx context.Context, sos logger.Logger) {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		sos.Infof("request id [%s] function [%s]", lc.AwsRequestID, lambdacontext.FunctionName)
	}
}
