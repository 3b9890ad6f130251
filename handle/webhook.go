package handle

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/outofoffice3/tap-handlers/internal/router"
)

// HandleWebhook routes an API Gateway request. Failures are returned in the
// response envelope, never as an invocation error.
func HandleWebhook(ctx context.Context, request events.APIGatewayProxyRequest, r router.Router) (events.APIGatewayProxyResponse, error) {
	sos := r.GetLogger()
	logRequest(ctx, sos)
	sos.Debugf("[%s] %s %s", request.RequestContext.RequestID, request.HTTPMethod, request.Path)
	return r.Handle(ctx, request), nil
}
