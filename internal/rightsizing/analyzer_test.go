package rightsizing

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/metricmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/outofoffice3/tap-handlers/internal/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	homeAccount  = "111111111111"
	otherAccount = "222222222222"
)

type fakeEC2 struct {
	// one reservation per page
	pages  [][]ec2Types.Instance
	inputs []*ec2.DescribeInstancesInput
	err    error
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	page := 0
	if params.NextToken != nil {
		page = int((*params.NextToken)[0] - '0')
	}
	output := &ec2.DescribeInstancesOutput{
		Reservations: []ec2Types.Reservation{{Instances: f.pages[page]}},
	}
	if page+1 < len(f.pages) {
		output.NextToken = aws.String(string(rune('0' + page + 1)))
	}
	return output, nil
}

type fakeCloudWatch struct {
	mu         sync.Mutex
	datapoints map[string][]cwTypes.Datapoint
	errFor     map[string]error
	inputs     []*cloudwatch.GetMetricStatisticsInput
	published  []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	instanceId := aws.ToString(params.Dimensions[0].Value)
	if err, ok := f.errFor[instanceId]; ok {
		return nil, err
	}
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: f.datapoints[instanceId]}, nil
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sns.PublishOutput{MessageId: aws.String("summary-1")}, nil
}

type fakeStore struct {
	objects map[string]string
}

func (f *fakeStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Bucket+"/"+*params.Key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *params.Bucket+"/"+*params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func instance(id, instanceType string, tags ...ec2Types.Tag) ec2Types.Instance {
	return ec2Types.Instance{
		InstanceId:   aws.String(id),
		InstanceType: ec2Types.InstanceType(instanceType),
		Tags:         tags,
	}
}

func tag(key, value string) ec2Types.Tag {
	return ec2Types.Tag{Key: aws.String(key), Value: aws.String(value)}
}

// hourly datapoints with a constant average and one peak
func usage(hours int, average, peak float64) []cwTypes.Datapoint {
	datapoints := make([]cwTypes.Datapoint, 0, hours)
	for i := 0; i < hours; i++ {
		maximum := average
		if i == 0 {
			maximum = peak
		}
		datapoints = append(datapoints, cwTypes.Datapoint{
			Average: aws.Float64(average),
			Maximum: aws.Float64(maximum),
		})
	}
	return datapoints
}

type fakes struct {
	ec2        *fakeEC2
	cloudwatch *fakeCloudWatch
	sns        *fakeSNS
	store      *fakeStore
}

func newFakes() *fakes {
	return &fakes{
		ec2: &fakeEC2{pages: [][]ec2Types.Instance{
			{
				instance("i-idle", "m5.xlarge", tag("Name", "batch")),
				instance("i-busy", "c5.large"),
			},
			{
				instance("i-steady", "t3.medium"),
				instance("i-new", "t3.small"),
				instance("i-pinned", "m5.4xlarge", tag(IgnoreTagKey, "TRUE")),
			},
		}},
		cloudwatch: &fakeCloudWatch{datapoints: map[string][]cwTypes.Datapoint{
			"i-idle":   usage(336, 3, 12),
			"i-busy":   usage(336, 92, 100),
			"i-steady": usage(336, 45, 70),
		}},
		sns:   &fakeSNS{},
		store: &fakeStore{objects: map[string]string{}},
	}
}

func (f *fakes) clientMgr(t *testing.T) awsclientmgr.AWSClientMgr {
	awscm := awsclientmgr.NewAWSClientMgr(homeAccount)
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.EC2, f.ec2))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.CLOUDWATCH, f.cloudwatch))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.SNS, f.sns))
	return awscm
}

func testPolicy() *retry.Policy {
	return &retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

var eventTime = time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)

func TestRun(t *testing.T) {
	assertion := assert.New(t)
	f := newFakes()
	baseDir := t.TempDir()
	w, err := writer.Init(writer.WriterInitConfig{S3Client: f.store, BaseDir: baseDir})
	require.NoError(t, err)

	analyzer, err := Init(AnalyzerInitConfig{
		Config: Config{
			HourlyPrices: map[string]float64{"m5.xlarge": 0.192, "m5.large": 0.096, "c5.large": 0.085, "c5.xlarge": 0.17},
			ReportBucket: "reports",
			ReportPrefix: "rightsizing",
			TopicArn:     "arn:aws:sns:us-east-1:111111111111:finops",
		},
		AWSClientMgr:     f.clientMgr(t),
		Writer:           w,
		Retry:            testPolicy(),
		MetricsNamespace: "TapHandlers",
		Logger:           logger.NewConsoleLogger(logger.LogLevelDebug),
	})
	require.NoError(t, err)

	report, err := analyzer.Run(context.Background(), eventTime)
	assertion.NoError(err)
	assertion.Equal(1, report.Skipped)
	assertion.Equal(0, report.Errors)
	assertion.Len(report.Recommendations, 4)

	byId := map[string]Recommendation{}
	for _, rec := range report.Recommendations {
		byId[rec.InstanceId] = rec
	}
	idle := byId["i-idle"]
	assertion.Equal(ActionDownsize, idle.Action)
	assertion.Equal("m5.large", idle.RecommendedType)
	assertion.Equal("batch", idle.Name)
	assertion.True(idle.Priced)
	assertion.InDelta(70.08, idle.MonthlySavings, 0.0001)
	assertion.InDelta(3.0, idle.Stats.Average, 0.0001)
	assertion.InDelta(12.0, idle.Stats.Maximum, 0.0001)
	assertion.Equal(336, idle.Stats.Datapoints)

	busy := byId["i-busy"]
	assertion.Equal(ActionUpsize, busy.Action)
	assertion.Equal("c5.xlarge", busy.RecommendedType)
	assertion.InDelta(-62.05, busy.MonthlySavings, 0.0001)

	assertion.Equal(ActionOptimal, byId["i-steady"].Action)
	assertion.Equal("t3.medium", byId["i-steady"].RecommendedType)
	assertion.False(byId["i-steady"].Priced)
	assertion.Equal(ActionInsufficientData, byId["i-new"].Action)
	assertion.Len(report.Actionable(), 2)

	// request shape
	assertion.Len(f.ec2.inputs, 2)
	assertion.Equal("instance-state-name", *f.ec2.inputs[0].Filters[0].Name)
	assertion.Equal([]string{"running"}, f.ec2.inputs[0].Filters[0].Values)
	cpuInput := f.cloudwatch.inputs[0]
	assertion.Equal("AWS/EC2", *cpuInput.Namespace)
	assertion.Equal("CPUUtilization", *cpuInput.MetricName)
	assertion.Equal(int32(3600), *cpuInput.Period)
	assertion.Equal(eventTime, *cpuInput.EndTime)
	assertion.Equal(eventTime.AddDate(0, 0, -14), *cpuInput.StartTime)
	assertion.Equal([]cwTypes.Statistic{cwTypes.StatisticAverage, cwTypes.StatisticMaximum}, cpuInput.Statistics)

	// report
	assertion.Equal("rightsizing/2024-03-15T06:00:00Z/rightsizing-report.csv", report.ReportKey)
	csv, ok := f.store.objects["reports/"+report.ReportKey]
	assertion.True(ok)
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	assertion.Len(lines, 5)
	assertion.Equal(strings.Join(Header, ","), lines[0])
	assertion.Contains(csv, "111111111111,i-idle,batch,m5.xlarge,DOWNSIZE,m5.large,3.00,12.00,336,70.08")
	assertion.Contains(csv, "111111111111,i-new,,t3.small,INSUFFICIENT_DATA,t3.small,0.00,0.00,0,")

	leftover, err := os.ReadDir(baseDir)
	assertion.NoError(err)
	assertion.Empty(leftover)

	// summary
	assertion.Len(f.sns.inputs, 1)
	assertion.Equal("rightsizing: 2 recommendations", *f.sns.inputs[0].Subject)
	message := *f.sns.inputs[0].Message
	assertion.Contains(message, "4 instances analyzed, 2 can be resized")
	assertion.Contains(message, "i-idle (batch) DOWNSIZE m5.xlarge -> m5.large avg 3.0% max 12.0% monthly savings $70.08")
	assertion.Contains(message, "estimated monthly savings: $8.03")
	assertion.Contains(message, "report: s3://reports/"+report.ReportKey)

	// metrics
	mm := analyzer.GetMetricMgr()
	instances, _ := mm.GetMetric(metricmgr.TotalInstances)
	assertion.Equal(int32(4), instances)
	recommendations, _ := mm.GetMetric(metricmgr.TotalRecommendations)
	assertion.Equal(int32(2), recommendations)
	insufficient, _ := mm.GetMetric(metricmgr.TotalInsufficientData)
	assertion.Equal(int32(1), insufficient)
	assertion.Len(f.cloudwatch.published, 1)
	assertion.Equal("TapHandlers", *f.cloudwatch.published[0].Namespace)
}

func TestRunMetricsArePerRun(t *testing.T) {
	assertion := assert.New(t)
	f := newFakes()
	analyzer, err := Init(AnalyzerInitConfig{
		AWSClientMgr:     f.clientMgr(t),
		Retry:            testPolicy(),
		MetricsNamespace: "TapHandlers",
	})
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		_, err := analyzer.Run(context.Background(), eventTime)
		assertion.NoError(err)
		instances, _ := analyzer.GetMetricMgr().GetMetric(metricmgr.TotalInstances)
		assertion.Equal(int32(4), instances)
	}

	assertion.Len(f.cloudwatch.published, 2)
	for _, input := range f.cloudwatch.published {
		for _, datum := range input.MetricData {
			if *datum.MetricName == string(metricmgr.TotalInstances) {
				assertion.Equal(4.0, *datum.Value)
			}
		}
	}
	assertion.Equal(f.cloudwatch.published[0].MetricData, f.cloudwatch.published[1].MetricData)
}

// stubWriter keeps uploads in memory and fails to delete temp files.
type stubWriter struct {
	writer.Writer
	deletes []string
}

func (w *stubWriter) WriteCSV(filename string, header []string, records [][]string) (string, error) {
	return "/tmp/" + filename, nil
}

func (w *stubWriter) ExportFileToS3(ctx context.Context, bucket, prefix, fullPath string) (string, error) {
	return prefix + "/report.csv", nil
}

func (w *stubWriter) DeleteTempFile(filename string) error {
	w.deletes = append(w.deletes, filename)
	return errors.New("file not found")
}

func TestRunTempFileCleanupFailure(t *testing.T) {
	assertion := assert.New(t)
	w := &stubWriter{}
	analyzer, err := Init(AnalyzerInitConfig{
		Config:       Config{ReportBucket: "reports"},
		AWSClientMgr: newFakes().clientMgr(t),
		Writer:       w,
		Retry:        testPolicy(),
	})
	require.NoError(t, err)

	report, err := analyzer.Run(context.Background(), eventTime)
	assertion.NoError(err)
	assertion.Equal("2024-03-15T06:00:00Z/report.csv", report.ReportKey)
	assertion.Equal([]string{"rightsizing-report.csv"}, w.deletes)
}

func TestRunWithoutOutputs(t *testing.T) {
	assertion := assert.New(t)
	f := newFakes()
	f.cloudwatch.datapoints = map[string][]cwTypes.Datapoint{"i-steady": usage(10, 45, 70)}
	f.cloudwatch.errFor = map[string]error{"i-busy": errors.New("AccessDenied")}

	analyzer, err := Init(AnalyzerInitConfig{
		Config:       Config{TopicArn: "arn:aws:sns:us-east-1:111111111111:finops"},
		AWSClientMgr: f.clientMgr(t),
		Retry:        testPolicy(),
	})
	require.NoError(t, err)

	report, err := analyzer.Run(context.Background(), eventTime)
	assertion.NoError(err)
	assertion.Equal(1, report.Errors)
	assertion.Len(report.Recommendations, 3)
	assertion.Empty(report.Actionable())
	assertion.Empty(report.ReportKey)
	// nothing actionable, no summary
	assertion.Empty(f.sns.inputs)
	assertion.Empty(f.cloudwatch.published)
}

func TestRunAccountErrors(t *testing.T) {
	assertion := assert.New(t)
	f := newFakes()
	awscm := f.clientMgr(t)
	// ec2 only in the second account, cloudwatch missing
	require.NoError(t, awscm.SetSDKClient(otherAccount, awsclientmgr.EC2, &fakeEC2{err: errors.New("UnauthorizedOperation")}))

	analyzer, err := Init(AnalyzerInitConfig{AWSClientMgr: awscm, Retry: testPolicy()})
	require.NoError(t, err)
	report, err := analyzer.Run(context.Background(), eventTime)
	assertion.NoError(err)
	assertion.Equal(1, report.Errors)
	assertion.Len(report.Recommendations, 4)
	assertion.Equal(homeAccount, report.Recommendations[0].AccountId)

	failing := newFakes()
	failing.ec2.err = errors.New("UnauthorizedOperation")
	analyzer, err = Init(AnalyzerInitConfig{AWSClientMgr: failing.clientMgr(t), Retry: testPolicy()})
	require.NoError(t, err)
	report, err = analyzer.Run(context.Background(), eventTime)
	assertion.NoError(err)
	assertion.Equal(1, report.Errors)
	assertion.Empty(report.Recommendations)
}

func TestInitErrors(t *testing.T) {
	assertion := assert.New(t)
	awscm := newFakes().clientMgr(t)

	_, err := Init(AnalyzerInitConfig{})
	assertion.Error(err)
	_, err = Init(AnalyzerInitConfig{AWSClientMgr: awscm, Config: Config{ReportBucket: "reports"}})
	assertion.Error(err)
	_, err = Init(AnalyzerInitConfig{AWSClientMgr: awscm, Config: Config{LowCPU: 90, HighCPU: 50}})
	assertion.Error(err)
	_, err = Init(AnalyzerInitConfig{AWSClientMgr: awscm, Config: Config{LookbackDays: 90}})
	assertion.Error(err)
}

func TestSummarize(t *testing.T) {
	assertion := assert.New(t)
	report := Report{Recommendations: []Recommendation{
		{AccountId: homeAccount, InstanceId: "i-1", InstanceType: "m5.24xlarge", RecommendedType: "m5.16xlarge",
			Action: ActionDownsize, Stats: CPUStats{Average: 2.25, Maximum: 9.5, Datapoints: 2}, MonthlySavings: 1752, Priced: true},
		{AccountId: homeAccount, InstanceId: "i-2", InstanceType: "x1.large", RecommendedType: "x1.xlarge",
			Action: ActionUpsize, Stats: CPUStats{Average: 90, Maximum: 99, Datapoints: 2}},
	}}
	subject, message := Summarize(report, "reports")
	assertion.Equal("rightsizing: 2 recommendations", subject)
	assertion.Contains(message, "monthly savings $1,752.00")
	assertion.Contains(message, "i-2 UPSIZE x1.large -> x1.xlarge avg 90.0% max 99.0%\n")
	assertion.Contains(message, "estimated monthly savings: $1,752.00")
	assertion.NotContains(message, "report:")

	rows := Rows(report.Recommendations)
	assertion.Equal("1752.00", rows[0][9])
	assertion.Equal("", rows[1][9])
	assertion.Contains(strings.Join(rows[0], ","), "2.25,9.50,2")
}
