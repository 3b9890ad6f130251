package handle

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/outofoffice3/tap-handlers/internal/rightsizing"
)

func HandleRightSizing(ctx context.Context, event events.CloudWatchEvent, analyzer rightsizing.Analyzer) (rightsizing.Report, error) {
	sos := analyzer.GetLogger()
	logRequest(ctx, sos)
	sos.Debugf("cloudwatch event [%s] from [%s]", event.ID, event.Source)
	report, err := analyzer.Run(ctx, event.Time)
	if err != nil {
		sos.Errorf("rightsizing run failed : %v", err)
		return report, err
	}
	return report, nil
}
