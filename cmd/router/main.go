package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/outofoffice3/tap-handlers/handle"
	"github.com/outofoffice3/tap-handlers/internal/router"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

var (
	eventRouter router.Router
)

func handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return handle.HandleWebhook(ctx, request, eventRouter)
}

func main() {
	lambda.Start(handler)
}

func init() {
	ctx := context.Background()
	sos := shared.NewLogger()
	sos.Infof("router init started")
	cfg, err := shared.LoadAWSConfig(ctx)
	if err != nil {
		sos.Errorf("failed to load SDK config, %v", err)
		panic("failed to load sdk config")
	}

	configBucketName := shared.Getenv(shared.EnvBucketName)
	configObjKey := shared.Getenv(shared.EnvConfigFileKey)
	sos.Debugf("route table : [%s/%s]", configBucketName, configObjKey)
	if configBucketName == "" || configObjKey == "" {
		sos.Errorf("env vars not set")
		panic("env vars not set")
	}

	var config router.Config
	if err := shared.LoadDocument(ctx, s3.NewFromConfig(cfg), configBucketName, configObjKey, &config); err != nil {
		sos.Errorf("failed to load route table, %v", err)
		panic("failed to load route table")
	}

	secret := shared.Getenv(shared.EnvWebhookSecret)
	if secret == "" {
		sos.Infof("webhook secret not set, signatures will not be checked")
	}
	eventRouter, err = router.Init(router.RouterInitConfig{
		Config:    config,
		Secret:    secret,
		SQSClient: sqs.NewFromConfig(cfg),
		SNSClient: sns.NewFromConfig(cfg),
		Logger:    sos,
	})
	if err != nil {
		sos.Errorf("failed to init router, %v", err)
		panic("failed to init router: " + err.Error())
	}
	sos.Infof("[%d] routes loaded", len(config.Routes))
}
