package evaluationmgr

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
)

// PutEvaluations accepts at most this many evaluations per call.
const MaxBatchSize = 100

// EvaluationMgr batches evaluations and reports them to AWS Config.
type EvaluationMgr interface {
	// listen for evaluations until evalChan is closed
	ListenForEvaluations(ctx context.Context, evalChan <-chan configServiceTypes.Evaluation, errorChan chan<- error)
	// send one batch
	SendEvaluations(ctx context.Context, evaluations []configServiceTypes.Evaluation) error
	// every evaluation received so far
	GetEvaluations() []configServiceTypes.Evaluation
}

type _EvaluationMgr struct {
	mu          sync.Mutex
	resultToken string
	dryRun      bool
	client      awsclientmgr.ConfigAPI
	metricMgr   metricmgr.MetricMgr
	policy      retry.Policy
	entries     []configServiceTypes.Evaluation
	logger      logger.Logger
}

type EvaluationMgrInitConfig struct {
	ResultToken string
	DryRun      bool
	Client      awsclientmgr.ConfigAPI
	MetricMgr   metricmgr.MetricMgr
	Retry       *retry.Policy
	Logger      logger.Logger
}

func Init(config EvaluationMgrInitConfig) (EvaluationMgr, error) {
	sendable := !config.DryRun && config.ResultToken != ""
	if sendable && config.Client == nil {
		return nil, errors.New("aws config client is not set")
	}
	sos := config.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	mm := config.MetricMgr
	if mm == nil {
		mm = metricmgr.Init(metricmgr.ComplianceMetrics...)
	}
	policy := retry.DefaultPolicy()
	if config.Retry != nil {
		policy = *config.Retry
	}
	if !sendable {
		sos.Infof("evaluations will not be sent to aws config [dryRun=%v]", config.DryRun)
	}
	return &_EvaluationMgr{
		resultToken: config.ResultToken,
		dryRun:      !sendable,
		client:      config.Client,
		metricMgr:   mm,
		policy:      policy,
		entries:     make([]configServiceTypes.Evaluation, 0),
		logger:      sos,
	}, nil
}

func (em *_EvaluationMgr) GetEvaluations() []configServiceTypes.Evaluation {
	em.mu.Lock()
	defer em.mu.Unlock()
	entries := make([]configServiceTypes.Evaluation, len(em.entries))
	copy(entries, em.entries)
	return entries
}

// SendEvaluations puts one batch, retrying throttled calls. Evaluations the
// service rejects are counted as failed.
func (em *_EvaluationMgr) SendEvaluations(ctx context.Context, evaluations []configServiceTypes.Evaluation) error {
	sos := em.logger
	if len(evaluations) == 0 {
		return nil
	}
	if len(evaluations) > MaxBatchSize {
		return errors.New("batch of " + strconv.Itoa(len(evaluations)) + " exceeds " + strconv.Itoa(MaxBatchSize))
	}
	em.metricMgr.IncrementMetric(metricmgr.TotalEvaluations, int32(len(evaluations)))
	if em.dryRun {
		sos.Debugf("[dry run] skipped sending [%v] evaluations", len(evaluations))
		return nil
	}

	output, err := retry.DoValue(ctx, em.policy, func(ctx context.Context) (*configservice.PutEvaluationsOutput, error) {
		return em.client.PutEvaluations(ctx, &configservice.PutEvaluationsInput{
			ResultToken: aws.String(em.resultToken),
			Evaluations: evaluations,
		})
	})
	if err != nil {
		em.metricMgr.IncrementMetric(metricmgr.TotalFailedEvaluations, int32(len(evaluations)))
		sos.Errorf("error sending [%v] evaluations : %v", len(evaluations), err)
		return err
	}
	if len(output.FailedEvaluations) > 0 {
		em.metricMgr.IncrementMetric(metricmgr.TotalFailedEvaluations, int32(len(output.FailedEvaluations)))
		sos.Errorf("[%v] evaluations rejected by aws config", len(output.FailedEvaluations))
		return errors.New(strconv.Itoa(len(output.FailedEvaluations)) + " evaluations rejected by aws config")
	}
	sos.Debugf("sent [%v] evaluations", len(evaluations))
	return nil
}

// ListenForEvaluations sends evaluations in batches of MaxBatchSize as they
// arrive and flushes the remainder when evalChan closes.
func (em *_EvaluationMgr) ListenForEvaluations(ctx context.Context, evalChan <-chan configServiceTypes.Evaluation, errorChan chan<- error) {
	batch := make([]configServiceTypes.Evaluation, 0, MaxBatchSize)
	for eval := range evalChan {
		em.mu.Lock()
		em.entries = append(em.entries, eval)
		em.mu.Unlock()

		batch = append(batch, eval)
		if len(batch) < MaxBatchSize {
			continue
		}
		if err := em.SendEvaluations(ctx, batch); err != nil {
			errorChan <- err
		}
		batch = make([]configServiceTypes.Evaluation, 0, MaxBatchSize)
	}
	if err := em.SendEvaluations(ctx, batch); err != nil {
		errorChan <- err
	}
}
