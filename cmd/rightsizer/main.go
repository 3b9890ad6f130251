package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/outofoffice3/tap-handlers/handle"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/rightsizing"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/outofoffice3/tap-handlers/internal/writer"
)

var (
	analyzer rightsizing.Analyzer
)

func handler(ctx context.Context, event events.CloudWatchEvent) (rightsizing.Report, error) {
	return handle.HandleRightSizing(ctx, event, analyzer)
}

func main() {
	lambda.Start(handler)
}

func init() {
	ctx := context.Background()
	sos := shared.NewLogger()
	sos.Infof("rightsizer init started")
	cfg, err := shared.LoadAWSConfig(ctx)
	if err != nil {
		sos.Errorf("failed to load SDK config, %v", err)
		panic("failed to load sdk config")
	}

	configBucketName := shared.Getenv(shared.EnvBucketName)
	configObjKey := shared.Getenv(shared.EnvConfigFileKey)
	accountId := shared.Getenv(shared.EnvAWSAccountID)
	sos.Debugf("config [%s/%s] account id [%s]", configBucketName, configObjKey, accountId)
	if configBucketName == "" || configObjKey == "" || accountId == "" {
		sos.Errorf("env vars not set")
		panic("env vars not set")
	}

	s3Client := s3.NewFromConfig(cfg)
	var config rightsizing.Config
	if err := shared.LoadDocument(ctx, s3Client, configBucketName, configObjKey, &config); err != nil {
		sos.Errorf("failed to load config file, %v", err)
		panic("failed to load config file")
	}

	awscm, err := awsclientmgr.Init(awsclientmgr.AWSClientMgrInitConfig{
		Ctx:       ctx,
		Cfg:       cfg,
		AccountId: accountId,
		Accounts:  config.AWSAccounts,
		Services:  []awsclientmgr.AWSServiceName{awsclientmgr.EC2, awsclientmgr.CLOUDWATCH, awsclientmgr.SNS},
		Logger:    sos,
	})
	if err != nil {
		sos.Errorf("failed to load sdk clients, %v", err)
		panic("failed to load sdk clients")
	}

	var reportWriter writer.Writer
	if config.ReportBucket != "" {
		reportWriter, err = writer.Init(writer.WriterInitConfig{S3Client: s3Client})
		if err != nil {
			sos.Errorf("failed to init writer, %v", err)
			panic("failed to init writer")
		}
	}

	analyzer, err = rightsizing.Init(rightsizing.AnalyzerInitConfig{
		Config:           config,
		AWSClientMgr:     awscm,
		Writer:           reportWriter,
		MetricsNamespace: shared.Getenv(shared.EnvMetricsNamespace),
		Logger:           sos,
	})
	if err != nil {
		sos.Errorf("failed to init analyzer, %v", err)
		panic("failed to init analyzer: " + err.Error())
	}
}
