package router

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/tidwall/gjson"
)

const (
	SignatureHeader     = "X-Signature-256"
	EventTypeHeader     = "X-Event-Type"
	CorrelationIdHeader = "X-Correlation-Id"

	signaturePrefix = "sha256="
	fifoSuffix      = ".fifo"
)

// Router validates webhook requests and forwards them to SQS or SNS.
type Router interface {
	Handle(ctx context.Context, request events.APIGatewayProxyRequest) events.APIGatewayProxyResponse
	GetMetricMgr() metricmgr.MetricMgr
	GetLogger() logger.Logger
}

type _Router struct {
	config    Config
	secret    []byte
	sqsClient awsclientmgr.SQSAPI
	snsClient awsclientmgr.SNSAPI
	metricMgr metricmgr.MetricMgr
	policy    retry.Policy
	newId     func() string
	logger    logger.Logger
}

type RouterInitConfig struct {
	Config    Config
	// HMAC key for X-Signature-256, signatures are not checked when empty
	Secret    string
	SQSClient awsclientmgr.SQSAPI
	SNSClient awsclientmgr.SNSAPI
	MetricMgr metricmgr.MetricMgr
	Retry     *retry.Policy
	NewId     func() string
	Logger    logger.Logger
}

type Accepted struct {
	CorrelationId string `json:"correlationId"`
	EventType     string `json:"eventType"`
	MessageId     string `json:"messageId"`
	Target        string `json:"target"`
}

func Init(config RouterInitConfig) (Router, error) {
	if err := config.Config.Validate(); err != nil {
		return nil, err
	}
	for _, route := range config.Config.Routes {
		switch TargetKind(strings.ToLower(string(route.Kind))) {
		case KindSQS:
			if config.SQSClient == nil {
				return nil, errors.New("sqs route configured without an sqs client")
			}
		case KindSNS:
			if config.SNSClient == nil {
				return nil, errors.New("sns route configured without an sns client")
			}
		}
	}
	sos := config.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	mm := config.MetricMgr
	if mm == nil {
		mm = metricmgr.Init(metricmgr.RouterMetrics...)
	}
	policy := retry.DefaultPolicy()
	if config.Retry != nil {
		policy = *config.Retry
	}
	newId := config.NewId
	if newId == nil {
		newId = uuid.NewString
	}
	return &_Router{
		config:    config.Config,
		secret:    []byte(config.Secret),
		sqsClient: config.SQSClient,
		snsClient: config.SNSClient,
		metricMgr: mm,
		policy:    policy,
		newId:     newId,
		logger:    sos,
	}, nil
}

func (r *_Router) GetMetricMgr() metricmgr.MetricMgr {
	return r.metricMgr
}

func (r *_Router) GetLogger() logger.Logger {
	return r.logger
}

// Handle never returns an error, failures are reported in the envelope.
func (r *_Router) Handle(ctx context.Context, request events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	sos := r.logger
	r.metricMgr.IncrementMetric(metricmgr.TotalRequests, 1)

	correlationId := header(request.Headers, CorrelationIdHeader)
	if correlationId == "" {
		correlationId = r.newId()
	}

	accepted, err := r.route(ctx, request, correlationId)
	if err != nil {
		var routeErr RouteError
		if !errors.As(err, &routeErr) {
			routeErr = RouteError{StatusCode: http.StatusInternalServerError, Message: err.Error()}
		}
		if routeErr.StatusCode == http.StatusBadGateway {
			r.metricMgr.IncrementMetric(metricmgr.TotalDeliveryErrors, 1)
		} else {
			r.metricMgr.IncrementMetric(metricmgr.TotalRejected, 1)
		}
		sos.Errorf("[%s] request rejected : %v", correlationId, routeErr)
		return respond(routeErr.StatusCode, correlationId, map[string]string{"message": routeErr.Message})
	}

	r.metricMgr.IncrementMetric(metricmgr.TotalRouted, 1)
	sos.Infof("[%s] event [%s] delivered to [%s] as [%s]", correlationId, accepted.EventType, accepted.Target, accepted.MessageId)
	return respond(http.StatusAccepted, correlationId, accepted)
}

func (r *_Router) route(ctx context.Context, request events.APIGatewayProxyRequest, correlationId string) (Accepted, error) {
	if request.HTTPMethod != http.MethodPost {
		return Accepted{}, RouteError{StatusCode: http.StatusMethodNotAllowed, Message: "method " + request.HTTPMethod + " not allowed"}
	}
	if request.Body == "" {
		return Accepted{}, badRequest("request body is empty")
	}
	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return Accepted{}, badRequest("request body is not valid base64")
		}
		body = decoded
	}
	if len(r.secret) > 0 && !r.validSignature(body, header(request.Headers, SignatureHeader)) {
		return Accepted{}, RouteError{StatusCode: http.StatusUnauthorized, Message: "invalid signature"}
	}
	if !gjson.ValidBytes(body) {
		return Accepted{}, badRequest("request body is not valid json")
	}

	eventType := gjson.GetBytes(body, r.config.typePath()).String()
	if eventType == "" {
		eventType = header(request.Headers, EventTypeHeader)
	}
	if eventType == "" {
		return Accepted{}, badRequest("event type not found at [" + r.config.typePath() + "]")
	}
	route, ok := r.config.Lookup(eventType)
	if !ok {
		return Accepted{}, RouteError{StatusCode: http.StatusNotFound, Message: "no route for event type [" + eventType + "]"}
	}
	r.logger.Debugf("[%s] routing [%s] to [%+v]", correlationId, eventType, route)

	messageId, err := r.deliver(ctx, route, eventType, correlationId, string(body))
	if err != nil {
		return Accepted{}, RouteError{StatusCode: http.StatusBadGateway, Message: "delivery to [" + route.Target + "] failed"}
	}
	return Accepted{
		CorrelationId: correlationId,
		EventType:     eventType,
		MessageId:     messageId,
		Target:        route.Target,
	}, nil
}

func (r *_Router) validSignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	return hmac.Equal(given, mac.Sum(nil))
}

// deliver sends body to the route target, retrying throttled calls.
func (r *_Router) deliver(ctx context.Context, route Route, eventType, correlationId, body string) (string, error) {
	fifo := strings.HasSuffix(route.Target, fifoSuffix)
	dedupId := r.newId()

	switch TargetKind(strings.ToLower(string(route.Kind))) {
	case KindSQS:
		input := &sqs.SendMessageInput{
			QueueUrl:    aws.String(route.Target),
			MessageBody: aws.String(body),
			MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
				"eventType":     {DataType: aws.String("String"), StringValue: aws.String(eventType)},
				"correlationId": {DataType: aws.String("String"), StringValue: aws.String(correlationId)},
			},
		}
		if fifo {
			input.MessageGroupId = aws.String(eventType)
			input.MessageDeduplicationId = aws.String(dedupId)
		}
		output, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*sqs.SendMessageOutput, error) {
			return r.sqsClient.SendMessage(ctx, input)
		})
		if err != nil {
			r.logger.Errorf("[%s] error sending to queue [%s] : %v", correlationId, route.Target, err)
			return "", err
		}
		return aws.ToString(output.MessageId), nil
	case KindSNS:
		input := &sns.PublishInput{
			TopicArn: aws.String(route.Target),
			Message:  aws.String(body),
			MessageAttributes: map[string]snsTypes.MessageAttributeValue{
				"eventType":     {DataType: aws.String("String"), StringValue: aws.String(eventType)},
				"correlationId": {DataType: aws.String("String"), StringValue: aws.String(correlationId)},
			},
		}
		if fifo {
			input.MessageGroupId = aws.String(eventType)
			input.MessageDeduplicationId = aws.String(dedupId)
		}
		output, err := retry.DoValue(ctx, r.policy, func(ctx context.Context) (*sns.PublishOutput, error) {
			return r.snsClient.Publish(ctx, input)
		})
		if err != nil {
			r.logger.Errorf("[%s] error publishing to topic [%s] : %v", correlationId, route.Target, err)
			return "", err
		}
		return aws.ToString(output.MessageId), nil
	}
	return "", errors.New("unknown target kind [" + string(route.Kind) + "]")
}

// header looks name up case-insensitively.
func header(headers map[string]string, name string) string {
	if value, ok := headers[name]; ok {
		return value
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

func respond(statusCode int, correlationId string, payload interface{}) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		statusCode = http.StatusInternalServerError
		body = []byte(`{"message":"error encoding response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			CorrelationIdHeader: correlationId,
		},
		Body: string(body),
	}
}
