package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/outofoffice3/tap-handlers/handle"
	"github.com/outofoffice3/tap-handlers/internal/notifier"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

var (
	dispatcher notifier.Notifier
)

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	return handle.HandleNotifications(ctx, event, dispatcher)
}

func main() {
	lambda.Start(handler)
}

func init() {
	ctx := context.Background()
	sos := shared.NewLogger()
	sos.Infof("notifier init started")
	cfg, err := shared.LoadAWSConfig(ctx)
	if err != nil {
		sos.Errorf("failed to load SDK config, %v", err)
		panic("failed to load sdk config")
	}

	senderEmail := shared.Getenv(shared.EnvSenderEmail)
	sos.Debugf("sender email : [%s]", senderEmail)
	dispatcher, err = notifier.Init(notifier.NotifierInitConfig{
		SNSClient:   sns.NewFromConfig(cfg),
		SESClient:   sesv2.NewFromConfig(cfg),
		SenderEmail: senderEmail,
		Logger:      sos,
	})
	if err != nil {
		sos.Errorf("failed to init notifier, %v", err)
		panic("failed to init notifier: " + err.Error())
	}
}
