package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/outofoffice3/tap-handlers/handle"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/compliance"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/outofoffice3/tap-handlers/internal/writer"
	"github.com/tidwall/gjson"
)

var (
	checker compliance.Checker
)

// handler accepts either a config rule invocation or a scheduled event.
func handler(ctx context.Context, payload json.RawMessage) (compliance.Summary, error) {
	sos := checker.GetLogger()
	if gjson.GetBytes(payload, "detail").Exists() {
		var event events.CloudWatchEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			sos.Errorf("failed to unmarshal cloudwatch event : %v", err)
			return compliance.Summary{}, err
		}
		return handle.HandleScheduledCompliance(ctx, event, checker)
	}
	var event events.ConfigEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		sos.Errorf("failed to unmarshal config event : %v", err)
		return compliance.Summary{}, err
	}
	return handle.HandleConfigEvent(ctx, event, checker)
}

func main() {
	lambda.Start(handler)
}

func init() {
	ctx := context.Background()
	sos := shared.NewLogger()
	sos.Infof("compliance init started")
	cfg, err := shared.LoadAWSConfig(ctx)
	if err != nil {
		sos.Errorf("failed to load SDK config, %v", err)
		panic("failed to load sdk config")
	}
	sos.Infof("SDK config loaded for region [%s]", cfg.Region)

	// read env vars for config file location
	configBucketName := shared.Getenv(shared.EnvBucketName)
	sos.Debugf("config bucket name : [%s]", configBucketName)
	configObjKey := shared.Getenv(shared.EnvConfigFileKey)
	sos.Debugf("config object key : [%s]", configObjKey)
	accountId := shared.Getenv(shared.EnvAWSAccountID)
	sos.Debugf("account id : [%s]", accountId)

	if configBucketName == "" || configObjKey == "" || accountId == "" {
		sos.Errorf("env vars not set")
		panic("env vars not set")
	}

	s3Client := s3.NewFromConfig(cfg)
	var config shared.Config
	if err := shared.LoadDocument(ctx, s3Client, configBucketName, configObjKey, &config); err != nil {
		sos.Errorf("failed to load config file, %v", err)
		panic("failed to load config file")
	}
	if err := config.Validate(); err != nil {
		sos.Errorf("invalid config file, %v", err)
		panic("invalid config file: " + err.Error())
	}
	sos.Infof("config file parsed")

	awscm, err := awsclientmgr.Init(awsclientmgr.AWSClientMgrInitConfig{
		Ctx:       ctx,
		Cfg:       cfg,
		AccountId: accountId,
		Accounts:  config.AWSAccounts,
		Services: []awsclientmgr.AWSServiceName{
			awsclientmgr.IAM, awsclientmgr.AA, awsclientmgr.S3, awsclientmgr.KMS,
			awsclientmgr.CLOUDWATCH, awsclientmgr.CONFIG, awsclientmgr.SNS,
		},
		Logger: sos,
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

	checker, err = compliance.Init(compliance.CheckerInitConfig{
		Config:           config,
		AWSClientMgr:     awscm,
		Writer:           reportWriter,
		MetricsNamespace: shared.Getenv(shared.EnvMetricsNamespace),
		Logger:           sos,
	})
	if err != nil {
		sos.Errorf("failed to init checker, %v", err)
		panic("failed to init checker")
	}
}
