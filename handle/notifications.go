package handle

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/outofoffice3/tap-handlers/internal/notifier"
)

// HandleNotifications delivers a batch of queued notifications and reports
// partial batch failures back to SQS.
func HandleNotifications(ctx context.Context, event events.SQSEvent, n notifier.Notifier) (events.SQSEventResponse, error) {
	sos := n.GetLogger()
	logRequest(ctx, sos)
	response, deliveries := n.HandleEvent(ctx, event)
	for _, delivery := range deliveries {
		if delivery.Err != nil {
			sos.Errorf("[%s] not delivered : %v", delivery.ID, delivery.Err)
			continue
		}
		sos.Infof("[%s] delivered by [%s] as [%s]", delivery.ID, delivery.Channel, delivery.MessageID)
	}
	return response, nil
}
