package compliance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/cache"
	"github.com/outofoffice3/tap-handlers/internal/errormgr"
	"github.com/outofoffice3/tap-handlers/internal/evaluationmgr"
	"github.com/outofoffice3/tap-handlers/internal/exporter"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/outofoffice3/tap-handlers/internal/writer"
)

// number of non-compliant resources listed in an alert
const maxAlertResources = 20

// Checker evaluates every configured account against the enabled checks and
// reports the results to AWS Config.
type Checker interface {
	Run(ctx context.Context, input RunInput) (Summary, error)
	GetConfig() shared.Config
	GetAWSClientMgr() awsclientmgr.AWSClientMgr
	GetLogger() logger.Logger
}

// RunInput carries the per-invocation values from the triggering event.
type RunInput struct {
	ResultToken    string
	EventTime      time.Time
	EventLeftScope bool
}

type Summary struct {
	Evaluated     int      `json:"evaluated"`
	Compliant     int      `json:"compliant"`
	NonCompliant  int      `json:"nonCompliant"`
	NotApplicable int      `json:"notApplicable"`
	Errors        int      `json:"errors"`
	ReportKeys    []string `json:"reportKeys,omitempty"`
}

type _Checker struct {
	config           shared.Config
	awsClientMgr     awsclientmgr.AWSClientMgr
	writer           writer.Writer
	policy           retry.Policy
	metricsNamespace string
	now              func() time.Time
	logger           logger.Logger
}

type CheckerInitConfig struct {
	Config           shared.Config
	AWSClientMgr     awsclientmgr.AWSClientMgr
	// required when Config.ReportBucket is set
	Writer           writer.Writer
	Retry            *retry.Policy
	MetricsNamespace string
	Now              func() time.Time
	Logger           logger.Logger
}

func Init(config CheckerInitConfig) (Checker, error) {
	if config.AWSClientMgr == nil {
		return nil, InitError{Message: "aws client mgr is not set"}
	}
	if err := config.Config.Validate(); err != nil {
		return nil, InitError{Message: err.Error()}
	}
	if config.Config.ReportBucket != "" && config.Writer == nil {
		return nil, InitError{Message: "report bucket set without a writer"}
	}
	sos := config.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	policy := retry.DefaultPolicy()
	if config.Retry != nil {
		policy = *config.Retry
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &_Checker{
		config:           config.Config,
		awsClientMgr:     config.AWSClientMgr,
		writer:           config.Writer,
		policy:           policy,
		metricsNamespace: config.MetricsNamespace,
		now:              now,
		logger:           sos,
	}, nil
}

func (c *_Checker) GetConfig() shared.Config {
	return c.config
}

func (c *_Checker) GetAWSClientMgr() awsclientmgr.AWSClientMgr {
	return c.awsClientMgr
}

func (c *_Checker) GetLogger() logger.Logger {
	return c.logger
}

// run holds the state of one invocation.
type run struct {
	*_Checker
	eventTime time.Time
	metricMgr metricmgr.MetricMgr
	cache     cache.Cache
	exporter  exporter.Exporter
	evalChan  chan configServiceTypes.Evaluation
	errorChan chan error

	mu               sync.Mutex
	summary          Summary
	nonCompliantArns []string
}

// Run evaluates every account concurrently and waits for all of them. Errors
// from individual resources are collected and counted, not returned.
func (c *_Checker) Run(ctx context.Context, input RunInput) (Summary, error) {
	sos := c.logger
	if input.EventLeftScope {
		sos.Infof("event left scope, nothing to evaluate")
		return Summary{}, nil
	}
	eventTime := input.EventTime
	if eventTime.IsZero() {
		eventTime = c.now()
	}

	r := &run{
		_Checker:  c,
		eventTime: eventTime.UTC(),
		metricMgr: metricmgr.Init(metricmgr.ComplianceMetrics...),
		cache:     cache.NewCache(),
		evalChan:  make(chan configServiceTypes.Evaluation, evaluationmgr.MaxBatchSize+5),
		errorChan: make(chan error, 100),
	}

	configClient, _ := c.awsClientMgr.Config()
	evaluationMgr, err := evaluationmgr.Init(evaluationmgr.EvaluationMgrInitConfig{
		ResultToken: input.ResultToken,
		DryRun:      c.config.DryRun,
		Client:      configClient,
		MetricMgr:   r.metricMgr,
		Retry:       &c.policy,
		Logger:      sos,
	})
	if err != nil {
		return Summary{}, GeneralError{Service: AWS_CONFIG, Message: err.Error()}
	}

	errorMgr := errormgr.NewErrorMgr()
	if c.config.ReportBucket != "" {
		r.exporter, err = exporter.Init(exporter.ExporterInitConfig{
			Writer:   c.writer,
			ErrorMgr: errorMgr,
			Now:      c.now,
			Logger:   sos,
		})
		if err != nil {
			return Summary{}, err
		}
	}

	errorsDone := make(chan struct{})
	go func() {
		defer close(errorsDone)
		errorMgr.ListenForErrors(r.errorChan)
	}()
	evalsDone := make(chan struct{})
	go func() {
		defer close(evalsDone)
		evaluationMgr.ListenForEvaluations(ctx, r.evalChan, r.errorChan)
	}()

	accountIds := c.awsClientMgr.GetAccountIds()
	sos.Infof("evaluating checks [%v] for accounts [%v]", c.config.EnabledChecks(), accountIds)
	accountWg := &sync.WaitGroup{}
	for _, accountId := range accountIds {
		accountWg.Add(1)
		go func(accountId string) {
			defer accountWg.Done()
			r.processAccount(ctx, accountId)
		}(accountId)
	}
	accountWg.Wait()
	close(r.evalChan)
	<-evalsDone
	close(r.errorChan)
	<-errorsDone

	summary := r.summary
	summary.Errors = len(errorMgr.GetErrors())
	sos.Infof("compliance run completed : [%+v]", summary)

	if r.exporter != nil {
		keys, err := r.exporter.Export(ctx, c.config.ReportBucket, c.config.ReportPrefix)
		if err != nil {
			sos.Errorf("error exporting execution log : %v", err)
		}
		summary.ReportKeys = keys
	}
	if err := r.alert(ctx, summary); err != nil {
		sos.Errorf("error publishing alert : %v", err)
	}
	r.publishMetrics(ctx)
	return summary, nil
}

func (r *run) processAccount(ctx context.Context, accountId string) {
	sos := r.logger
	checksWg := &sync.WaitGroup{}
	if r.config.HasCheck(shared.CheckIAMRestrictedActions) {
		scope := shared.Scope(strings.ToLower(r.config.Scope))
		if scope == shared.ScopeRoles || scope == shared.ScopeAll {
			checksWg.Add(1)
			go func() {
				defer checksWg.Done()
				r.processIdentities(ctx, accountId, roleKind)
			}()
		}
		if scope == shared.ScopeUsers || scope == shared.ScopeAll {
			checksWg.Add(1)
			go func() {
				defer checksWg.Done()
				r.processIdentities(ctx, accountId, userKind)
			}()
		}
	}
	if r.config.HasCheck(shared.CheckS3Encryption) || r.config.HasCheck(shared.CheckS3PublicAccess) {
		checksWg.Add(1)
		go func() {
			defer checksWg.Done()
			r.processBuckets(ctx, accountId)
		}()
	}
	if r.config.HasCheck(shared.CheckKMSRotation) {
		checksWg.Add(1)
		go func() {
			defer checksWg.Done()
			r.processKeys(ctx, accountId)
		}()
	}
	checksWg.Wait()
	sos.Debugf("account [%s] completed", accountId)
}

// emit records evaluation and queues it for AWS Config.
func (r *run) emit(evaluation shared.ComplianceEvaluation) {
	r.mu.Lock()
	r.summary.Evaluated++
	switch evaluation.ComplianceResult.Compliance {
	case configServiceTypes.ComplianceTypeCompliant:
		r.summary.Compliant++
	case configServiceTypes.ComplianceTypeNonCompliant:
		r.summary.NonCompliant++
		r.nonCompliantArns = append(r.nonCompliantArns, evaluation.Arn)
	case configServiceTypes.ComplianceTypeNotApplicable:
		r.summary.NotApplicable++
	}
	r.mu.Unlock()

	if r.exporter != nil {
		if err := r.exporter.Add(evaluation); err != nil {
			r.errorChan <- err
		}
	}
	r.logger.Debugf("evaluated [%v] as [%v]", evaluation.Arn, evaluation.ComplianceResult.Compliance)
	r.evalChan <- shared.CreateAWSConfigEvaluation(evaluation)
}

func (r *run) addError(err errormgr.Error) {
	r.errorChan <- err
}

func (r *run) alert(ctx context.Context, summary Summary) error {
	if r.config.AlertTopicArn == "" || summary.NonCompliant == 0 {
		return nil
	}
	client, ok := r.awsClientMgr.SNS()
	if !ok {
		return GeneralError{Service: SNS, Message: "sns client is not loaded"}
	}

	r.mu.Lock()
	arns := append([]string(nil), r.nonCompliantArns...)
	r.mu.Unlock()

	var body strings.Builder
	body.WriteString(strconv.Itoa(summary.NonCompliant) + " of " + strconv.Itoa(summary.Evaluated) + " resources are NON_COMPLIANT\n\n")
	for i, arn := range arns {
		if i == maxAlertResources {
			body.WriteString("... and " + strconv.Itoa(len(arns)-maxAlertResources) + " more\n")
			break
		}
		body.WriteString(arn + "\n")
	}
	for _, key := range summary.ReportKeys {
		body.WriteString("\nreport: s3://" + r.config.ReportBucket + "/" + key)
	}

	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(r.config.AlertTopicArn),
			Subject:  aws.String("compliance: " + strconv.Itoa(summary.NonCompliant) + " non-compliant resources"),
			Message:  aws.String(body.String()),
		})
		return err
	})
}

func (r *run) publishMetrics(ctx context.Context) {
	if r.metricsNamespace == "" {
		return
	}
	client, ok := r.awsClientMgr.CloudWatch(r.awsClientMgr.GetHomeAccountId())
	if !ok {
		r.logger.Errorf("cloudwatch client is not loaded, metrics not published")
		return
	}
	err := r.metricMgr.Publish(ctx, client, r.metricsNamespace, map[string]string{"Function": "compliance"})
	if err != nil {
		r.logger.Errorf("error publishing metrics : %v", err)
	}
}
