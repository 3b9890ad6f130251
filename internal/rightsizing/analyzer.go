package rightsizing

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/dustin/go-humanize"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/shared"
	"github.com/outofoffice3/tap-handlers/internal/writer"
)

const (
	IgnoreTagKey   = "rightsizing:ignore"
	IgnoreTagValue = "true"

	cpuNamespace  = "AWS/EC2"
	cpuMetricName = "CPUUtilization"
	cpuPeriod     = 3600
)

// Header is the column order of the report csv.
var Header = []string{
	"AccountId", "InstanceId", "Name", "InstanceType", "Action",
	"RecommendedType", "AverageCPU", "MaximumCPU", "Datapoints", "MonthlySavings",
}

// Recommendation is the analysis result for one running instance.
type Recommendation struct {
	AccountId       string   `json:"accountId"`
	InstanceId      string   `json:"instanceId"`
	Name            string   `json:"name,omitempty"`
	InstanceType    string   `json:"instanceType"`
	Action          Action   `json:"action"`
	RecommendedType string   `json:"recommendedType"`
	Stats           CPUStats `json:"stats"`
	MonthlySavings  float64  `json:"monthlySavings"`
	// false when the price table has no entry for either type
	Priced          bool     `json:"priced"`
}

type Report struct {
	Recommendations []Recommendation `json:"recommendations"`
	Skipped         int              `json:"skipped"`
	Errors          int              `json:"errors"`
	ReportKey       string           `json:"reportKey,omitempty"`
}

// Actionable returns the recommendations that change the instance type.
func (r Report) Actionable() []Recommendation {
	actionable := []Recommendation{}
	for _, rec := range r.Recommendations {
		if rec.Action == ActionDownsize || rec.Action == ActionUpsize {
			actionable = append(actionable, rec)
		}
	}
	return actionable
}

type Analyzer interface {
	Run(ctx context.Context, eventTime time.Time) (Report, error)
	// counters of the most recent run
	GetMetricMgr() metricmgr.MetricMgr
	GetLogger() logger.Logger
}

type _Analyzer struct {
	config           Config
	awsClientMgr     awsclientmgr.AWSClientMgr
	writer           writer.Writer
	mu               sync.Mutex
	metricMgr        metricmgr.MetricMgr
	policy           retry.Policy
	metricsNamespace string
	now              func() time.Time
	logger           logger.Logger
}

type AnalyzerInitConfig struct {
	Config           Config
	AWSClientMgr     awsclientmgr.AWSClientMgr
	// required when Config.ReportBucket is set
	Writer           writer.Writer
	Retry            *retry.Policy
	MetricsNamespace string
	Now              func() time.Time
	Logger           logger.Logger
}

func Init(config AnalyzerInitConfig) (Analyzer, error) {
	if config.AWSClientMgr == nil {
		return nil, errors.New("aws client mgr is not set")
	}
	cfg := config.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReportBucket != "" && config.Writer == nil {
		return nil, errors.New("report bucket set without a writer")
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
	return &_Analyzer{
		config:           cfg,
		awsClientMgr:     config.AWSClientMgr,
		writer:           config.Writer,
		metricMgr:        metricmgr.Init(metricmgr.RightSizingMetrics...),
		policy:           policy,
		metricsNamespace: config.MetricsNamespace,
		now:              now,
		logger:           sos,
	}, nil
}

func (a *_Analyzer) GetMetricMgr() metricmgr.MetricMgr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricMgr
}

func (a *_Analyzer) GetLogger() logger.Logger {
	return a.logger
}

// Run analyzes every account concurrently. Per-instance failures are counted
// in Report.Errors; the returned error covers report upload and the summary.
func (a *_Analyzer) Run(ctx context.Context, eventTime time.Time) (Report, error) {
	sos := a.logger
	if eventTime.IsZero() {
		eventTime = a.now()
	}
	end := eventTime.UTC()
	start := end.AddDate(0, 0, -a.config.LookbackDays)

	// fresh counters for every run
	mm := metricmgr.Init(metricmgr.RightSizingMetrics...)
	a.mu.Lock()
	a.metricMgr = mm
	a.mu.Unlock()

	var (
		mu     sync.Mutex
		report = Report{Recommendations: []Recommendation{}}
	)
	accountIds := a.awsClientMgr.GetAccountIds()
	sos.Infof("analyzing instances in accounts [%v] from [%v] to [%v]", accountIds, start, end)

	wg := &sync.WaitGroup{}
	for _, accountId := range accountIds {
		wg.Add(1)
		go func(accountId string) {
			defer wg.Done()
			recs, skipped, errCount := a.processAccount(ctx, mm, accountId, start, end)
			mu.Lock()
			defer mu.Unlock()
			report.Recommendations = append(report.Recommendations, recs...)
			report.Skipped += skipped
			report.Errors += errCount
		}(accountId)
	}
	wg.Wait()

	sort.Slice(report.Recommendations, func(i, j int) bool {
		left, right := report.Recommendations[i], report.Recommendations[j]
		if left.AccountId != right.AccountId {
			return left.AccountId < right.AccountId
		}
		return left.InstanceId < right.InstanceId
	})
	sos.Infof("[%d] instances analyzed, [%d] actionable, [%d] skipped, [%d] errors",
		len(report.Recommendations), len(report.Actionable()), report.Skipped, report.Errors)

	var runErr error
	if a.config.ReportBucket != "" {
		key, err := a.export(ctx, report, end)
		if err != nil {
			sos.Errorf("error exporting report : %v", err)
			runErr = err
		}
		report.ReportKey = key
	}
	if err := a.notify(ctx, report); err != nil {
		sos.Errorf("error publishing summary : %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.publishMetrics(ctx, mm)
	return report, runErr
}

func (a *_Analyzer) processAccount(ctx context.Context, mm metricmgr.MetricMgr, accountId string, start, end time.Time) ([]Recommendation, int, int) {
	sos := a.logger
	ec2Client, ok := a.awsClientMgr.EC2(accountId)
	if !ok {
		sos.Errorf("ec2 client not loaded for account [%s]", accountId)
		return nil, 0, 1
	}
	cwClient, ok := a.awsClientMgr.CloudWatch(accountId)
	if !ok {
		sos.Errorf("cloudwatch client not loaded for account [%s]", accountId)
		return nil, 0, 1
	}

	instances, err := a.listRunningInstances(ctx, ec2Client)
	if err != nil {
		sos.Errorf("error listing instances in account [%s] : %v", accountId, err)
		return nil, 0, 1
	}

	recs := []Recommendation{}
	skipped, errCount := 0, 0
	for _, instance := range instances {
		instanceId := aws.ToString(instance.InstanceId)
		if ignored(instance.Tags) {
			sos.Debugf("skipping [%s] tagged [%s]", instanceId, IgnoreTagKey)
			skipped++
			continue
		}
		mm.IncrementMetric(metricmgr.TotalInstances, 1)

		stats, err := a.cpuStats(ctx, cwClient, instanceId, start, end)
		if err != nil {
			sos.Errorf("error reading cpu for [%s] : %v", instanceId, err)
			errCount++
			continue
		}
		rec := a.recommend(accountId, instance, stats)
		switch rec.Action {
		case ActionInsufficientData:
			mm.IncrementMetric(metricmgr.TotalInsufficientData, 1)
		case ActionDownsize, ActionUpsize:
			mm.IncrementMetric(metricmgr.TotalRecommendations, 1)
		}
		sos.Debugf("[%s] [%s] avg [%.2f] max [%.2f] -> [%s]", accountId, instanceId, stats.Average, stats.Maximum, rec.Action)
		recs = append(recs, rec)
	}
	return recs, skipped, errCount
}

func (a *_Analyzer) listRunningInstances(ctx context.Context, client awsclientmgr.EC2API) ([]ec2Types.Instance, error) {
	instances := []ec2Types.Instance{}
	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	})
	for paginator.HasMorePages() {
		page, err := retry.DoValue(ctx, a.policy, func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, reservation := range page.Reservations {
			instances = append(instances, reservation.Instances...)
		}
	}
	return instances, nil
}

// cpuStats averages the hourly averages and keeps the highest maximum.
func (a *_Analyzer) cpuStats(ctx context.Context, client awsclientmgr.CloudWatchAPI, instanceId string, start, end time.Time) (CPUStats, error) {
	output, err := retry.DoValue(ctx, a.policy, func(ctx context.Context) (*cloudwatch.GetMetricStatisticsOutput, error) {
		return client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
			Namespace:  aws.String(cpuNamespace),
			MetricName: aws.String(cpuMetricName),
			Dimensions: []cwTypes.Dimension{{Name: aws.String("InstanceId"), Value: aws.String(instanceId)}},
			StartTime:  aws.Time(start),
			EndTime:    aws.Time(end),
			Period:     aws.Int32(cpuPeriod),
			Statistics: []cwTypes.Statistic{cwTypes.StatisticAverage, cwTypes.StatisticMaximum},
		})
	})
	if err != nil {
		return CPUStats{}, err
	}
	stats := CPUStats{}
	sum := 0.0
	for _, datapoint := range output.Datapoints {
		if datapoint.Average == nil {
			continue
		}
		sum += *datapoint.Average
		stats.Datapoints++
		if maximum := aws.ToFloat64(datapoint.Maximum); maximum > stats.Maximum {
			stats.Maximum = maximum
		}
	}
	if stats.Datapoints > 0 {
		stats.Average = sum / float64(stats.Datapoints)
	}
	return stats, nil
}

func (a *_Analyzer) recommend(accountId string, instance ec2Types.Instance, stats CPUStats) Recommendation {
	instanceType := string(instance.InstanceType)
	action := Classify(stats, a.config)
	rec := Recommendation{
		AccountId:       accountId,
		InstanceId:      aws.ToString(instance.InstanceId),
		Name:            tagValue(instance.Tags, "Name"),
		InstanceType:    instanceType,
		Action:          action,
		RecommendedType: RecommendType(instanceType, action),
		Stats:           stats,
	}
	if rec.RecommendedType != instanceType {
		rec.MonthlySavings, rec.Priced = MonthlySavings(a.config.HourlyPrices, instanceType, rec.RecommendedType)
	}
	return rec
}

func (a *_Analyzer) export(ctx context.Context, report Report, end time.Time) (string, error) {
	filename := string(shared.RightSizingFileName)
	fullPath, err := a.writer.WriteCSV(filename, Header, Rows(report.Recommendations))
	if err != nil {
		return "", err
	}
	defer func() {
		if err := a.writer.DeleteTempFile(filename); err != nil {
			a.logger.Errorf("error deleting temp file [%s] : %v", filename, err)
		}
	}()
	prefix := path.Join(a.config.ReportPrefix, end.Format(time.RFC3339))
	key, err := a.writer.ExportFileToS3(ctx, a.config.ReportBucket, prefix, fullPath)
	if err != nil {
		return "", err
	}
	a.logger.Infof("[%d] recommendations written to [%s/%s]", len(report.Recommendations), a.config.ReportBucket, key)
	return key, nil
}

// Rows renders recommendations as csv records in Header order.
func Rows(recs []Recommendation) [][]string {
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		savings := ""
		if rec.Priced {
			savings = strconv.FormatFloat(rec.MonthlySavings, 'f', 2, 64)
		}
		rows = append(rows, []string{
			rec.AccountId,
			rec.InstanceId,
			rec.Name,
			rec.InstanceType,
			string(rec.Action),
			rec.RecommendedType,
			strconv.FormatFloat(rec.Stats.Average, 'f', 2, 64),
			strconv.FormatFloat(rec.Stats.Maximum, 'f', 2, 64),
			strconv.Itoa(rec.Stats.Datapoints),
			savings,
		})
	}
	return rows
}

func (a *_Analyzer) notify(ctx context.Context, report Report) error {
	actionable := report.Actionable()
	if a.config.TopicArn == "" || len(actionable) == 0 {
		return nil
	}
	client, ok := a.awsClientMgr.SNS()
	if !ok {
		return errors.New("sns client is not loaded")
	}
	subject, message := Summarize(report, a.config.ReportBucket)
	return retry.Do(ctx, a.policy, func(ctx context.Context) error {
		_, err := client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(a.config.TopicArn),
			Subject:  aws.String(subject),
			Message:  aws.String(message),
		})
		return err
	})
}

// Summarize formats the SNS subject and body for report.
func Summarize(report Report, bucket string) (string, string) {
	actionable := report.Actionable()
	subject := "rightsizing: " + humanize.Comma(int64(len(actionable))) + " recommendations"

	var body strings.Builder
	body.WriteString(humanize.Comma(int64(len(report.Recommendations))) + " instances analyzed, " +
		humanize.Comma(int64(len(actionable))) + " can be resized\n\n")
	total := 0.0
	for _, rec := range actionable {
		line := rec.AccountId + " " + rec.InstanceId
		if rec.Name != "" {
			line += " (" + rec.Name + ")"
		}
		line += " " + string(rec.Action) + " " + rec.InstanceType + " -> " + rec.RecommendedType +
			" avg " + humanize.FormatFloat("#.#", rec.Stats.Average) + "% max " + humanize.FormatFloat("#.#", rec.Stats.Maximum) + "%"
		if rec.Priced {
			line += " monthly savings $" + humanize.FormatFloat("#,###.##", rec.MonthlySavings)
			total += rec.MonthlySavings
		}
		body.WriteString(line + "\n")
	}
	body.WriteString("\nestimated monthly savings: $" + humanize.FormatFloat("#,###.##", total) + "\n")
	if report.ReportKey != "" {
		body.WriteString("report: s3://" + bucket + "/" + report.ReportKey + "\n")
	}
	return subject, body.String()
}

func (a *_Analyzer) publishMetrics(ctx context.Context, mm metricmgr.MetricMgr) {
	if a.metricsNamespace == "" {
		return
	}
	client, ok := a.awsClientMgr.CloudWatch(a.awsClientMgr.GetHomeAccountId())
	if !ok {
		a.logger.Errorf("cloudwatch client is not loaded, metrics not published")
		return
	}
	err := mm.Publish(ctx, client, a.metricsNamespace, map[string]string{"Function": "rightsizing"})
	if err != nil {
		a.logger.Errorf("error publishing metrics : %v", err)
	}
}

func ignored(tags []ec2Types.Tag) bool {
	return strings.EqualFold(tagValue(tags, IgnoreTagKey), IgnoreTagValue)
}

func tagValue(tags []ec2Types.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
