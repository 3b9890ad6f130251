package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sesTypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	// record was dropped without a delivery attempt
	ChannelNone  Channel = "none"

	PriorityHigh = "high"

	SMSTypeAttribute = "AWS.SNS.SMS.SMSType"
	SMSTransactional = "Transactional"
	SMSPromotional   = "Promotional"

	MaxSMSLength = 1600
)

// Notification is the body of one queued record.
type Notification struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	Priority    string `json:"priority"`
}

// Delivery is the outcome for one record.
type Delivery struct {
	ID        string
	Channel   Channel
	MessageID string
	Err       error
}

// DeliveryError records every channel that failed for a notification.
type DeliveryError struct {
	ID     string
	Causes map[Channel]error
}

func (e DeliveryError) Error() string {
	parts := []string{}
	for _, channel := range []Channel{ChannelSMS, ChannelEmail} {
		if err, ok := e.Causes[channel]; ok {
			parts = append(parts, string(channel)+": "+err.Error())
		}
	}
	return "[" + e.ID + "] delivery failed : " + strings.Join(parts, " | ")
}

var (
	ErrMalformed     = errors.New("notification is not valid json")
	ErrNoDestination = errors.New("notification has no phone number or email")
)

type Notifier interface {
	HandleEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, []Delivery)
	Deliver(ctx context.Context, notification Notification) Delivery
	GetMetricMgr() metricmgr.MetricMgr
	GetLogger() logger.Logger
}

type _Notifier struct {
	snsClient   awsclientmgr.SNSAPI
	sesClient   awsclientmgr.SESAPI
	senderEmail string
	metricMgr   metricmgr.MetricMgr
	policy      retry.Policy
	logger      logger.Logger
}

type NotifierInitConfig struct {
	SNSClient   awsclientmgr.SNSAPI
	SESClient   awsclientmgr.SESAPI
	SenderEmail string
	MetricMgr   metricmgr.MetricMgr
	Retry       *retry.Policy
	Logger      logger.Logger
}

func Init(config NotifierInitConfig) (Notifier, error) {
	if config.SNSClient == nil {
		return nil, errors.New("sns client is nil")
	}
	if config.SESClient == nil {
		return nil, errors.New("ses client is nil")
	}
	if config.SenderEmail == "" {
		return nil, errors.New("sender email is not set")
	}
	sos := config.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	mm := config.MetricMgr
	if mm == nil {
		mm = metricmgr.Init(metricmgr.NotifierMetrics...)
	}
	policy := retry.DefaultPolicy()
	if config.Retry != nil {
		policy = *config.Retry
	}
	return &_Notifier{
		snsClient:   config.SNSClient,
		sesClient:   config.SESClient,
		senderEmail: config.SenderEmail,
		metricMgr:   mm,
		policy:      policy,
		logger:      sos,
	}, nil
}

func (n *_Notifier) GetMetricMgr() metricmgr.MetricMgr {
	return n.metricMgr
}

func (n *_Notifier) GetLogger() logger.Logger {
	return n.logger
}

// HandleEvent delivers every record. Only records where every channel failed
// are reported back to SQS for redelivery.
func (n *_Notifier) HandleEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, []Delivery) {
	response := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	deliveries := make([]Delivery, 0, len(event.Records))

	for _, record := range event.Records {
		n.metricMgr.IncrementMetric(metricmgr.TotalNotifications, 1)

		var notification Notification
		if err := json.Unmarshal([]byte(record.Body), &notification); err != nil {
			n.logger.Errorf("[%s] dropping malformed record : %v", record.MessageId, err)
			deliveries = append(deliveries, Delivery{ID: record.MessageId, Channel: ChannelNone, Err: ErrMalformed})
			continue
		}
		if notification.ID == "" {
			notification.ID = record.MessageId
		}

		delivery := n.Deliver(ctx, notification)
		deliveries = append(deliveries, delivery)

		var deliveryErr DeliveryError
		if errors.As(delivery.Err, &deliveryErr) {
			response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	n.logger.Infof("[%d] records processed, [%d] returned for retry", len(event.Records), len(response.BatchItemFailures))
	return response, deliveries
}

// Deliver tries SMS first and falls back to email.
func (n *_Notifier) Deliver(ctx context.Context, notification Notification) Delivery {
	sos := n.logger
	delivery := Delivery{ID: notification.ID, Channel: ChannelNone}

	if notification.PhoneNumber == "" && notification.Email == "" {
		sos.Errorf("[%s] dropping notification : %v", notification.ID, ErrNoDestination)
		delivery.Err = ErrNoDestination
		return delivery
	}

	causes := make(map[Channel]error)
	if notification.PhoneNumber != "" {
		messageId, err := n.sendSMS(ctx, notification)
		if err == nil {
			n.metricMgr.IncrementMetric(metricmgr.TotalSMSSent, 1)
			sos.Debugf("[%s] sms sent as [%s]", notification.ID, messageId)
			delivery.Channel = ChannelSMS
			delivery.MessageID = messageId
			return delivery
		}
		sos.Errorf("[%s] sms failed : %v", notification.ID, err)
		causes[ChannelSMS] = err
		if notification.Email != "" {
			n.metricMgr.IncrementMetric(metricmgr.TotalFallbacks, 1)
		}
	}

	if notification.Email != "" {
		messageId, err := n.sendEmail(ctx, notification)
		if err == nil {
			n.metricMgr.IncrementMetric(metricmgr.TotalEmailSent, 1)
			sos.Debugf("[%s] email sent as [%s]", notification.ID, messageId)
			delivery.Channel = ChannelEmail
			delivery.MessageID = messageId
			return delivery
		}
		sos.Errorf("[%s] email failed : %v", notification.ID, err)
		causes[ChannelEmail] = err
	}

	n.metricMgr.IncrementMetric(metricmgr.TotalUndelivered, 1)
	delivery.Err = DeliveryError{ID: notification.ID, Causes: causes}
	return delivery
}

func (n *_Notifier) sendSMS(ctx context.Context, notification Notification) (string, error) {
	smsType := SMSPromotional
	if strings.EqualFold(notification.Priority, PriorityHigh) {
		smsType = SMSTransactional
	}
	input := &sns.PublishInput{
		PhoneNumber: aws.String(notification.PhoneNumber),
		Message:     aws.String(truncate(notification.Message, MaxSMSLength)),
		MessageAttributes: map[string]snsTypes.MessageAttributeValue{
			SMSTypeAttribute: {DataType: aws.String("String"), StringValue: aws.String(smsType)},
		},
	}
	output, err := retry.DoValue(ctx, n.policy, func(ctx context.Context) (*sns.PublishOutput, error) {
		return n.snsClient.Publish(ctx, input)
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(output.MessageId), nil
}

func (n *_Notifier) sendEmail(ctx context.Context, notification Notification) (string, error) {
	subject := notification.Subject
	if subject == "" {
		subject = "Notification"
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.senderEmail),
		Destination:      &sesTypes.Destination{ToAddresses: []string{notification.Email}},
		Content: &sesTypes.EmailContent{
			Simple: &sesTypes.Message{
				Subject: &sesTypes.Content{Data: aws.String(subject)},
				Body: &sesTypes.Body{
					Text: &sesTypes.Content{Data: aws.String(notification.Message)},
				},
			},
		},
	}
	output, err := retry.DoValue(ctx, n.policy, func(ctx context.Context) (*sesv2.SendEmailOutput, error) {
		return n.sesClient.SendEmail(ctx, input)
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(output.MessageId), nil
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
