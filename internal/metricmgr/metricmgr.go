package metricmgr

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cloudwatchTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// MetricPublisher is the CloudWatch call used to flush counters.
type MetricPublisher interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type MetricMgr interface {
	// Increment metric
	IncrementMetric(metric Metric, value int32) error
	// Decrement metric
	DecrementMetric(metric Metric, value int32) error
	// Retreive Metric
	GetMetric(metric Metric) (int32, bool)
	// copy of every metric value
	Snapshot() map[Metric]int32
	// send every metric to cloudwatch as a Count datum
	Publish(ctx context.Context, client MetricPublisher, namespace string, dimensions map[string]string) error
	// set metric
	setMetric(metric Metric, ptr *int32) error
}

type _MetricMgr struct {
	metrics map[Metric]*int32
}

// Init registers each metric with a zero value. Metrics cannot be added
// after Init, so the map is only read afterwards.
func Init(metrics ...Metric) MetricMgr {
	metricMgr := NewMetricMgr()
	for _, metric := range metrics {
		value := int32(0)
		metricMgr.setMetric(metric, &value)
	}
	return metricMgr
}

func NewMetricMgr() MetricMgr {
	return &_MetricMgr{
		metrics: make(map[Metric]*int32),
	}
}

func (m *_MetricMgr) IncrementMetric(metric Metric, value int32) error {
	ptr, ok := m.metrics[metric]
	if !ok {
		return errors.New("metric " + string(metric) + " not found")
	}
	atomic.AddInt32(ptr, value)
	return nil
}

func (m *_MetricMgr) DecrementMetric(metric Metric, value int32) error {
	ptr, ok := m.metrics[metric]
	if !ok {
		return errors.New("metric " + string(metric) + " not found")
	}
	atomic.AddInt32(ptr, -value)
	return nil
}

func (m *_MetricMgr) GetMetric(metric Metric) (int32, bool) {
	ptr, ok := m.metrics[metric]
	if !ok {
		return int32(0), false
	}
	return atomic.LoadInt32(ptr), true
}

func (m *_MetricMgr) Snapshot() map[Metric]int32 {
	snapshot := make(map[Metric]int32, len(m.metrics))
	for metric, ptr := range m.metrics {
		snapshot[metric] = atomic.LoadInt32(ptr)
	}
	return snapshot
}

func (m *_MetricMgr) Publish(ctx context.Context, client MetricPublisher, namespace string, dimensions map[string]string) error {
	if client == nil || namespace == "" {
		return errors.New("metric publisher and namespace are required")
	}
	var dims []cloudwatchTypes.Dimension
	for name, value := range dimensions {
		dims = append(dims, cloudwatchTypes.Dimension{Name: aws.String(name), Value: aws.String(value)})
	}
	sort.Slice(dims, func(i, j int) bool { return *dims[i].Name < *dims[j].Name })

	snapshot := m.Snapshot()
	names := make([]string, 0, len(snapshot))
	for metric := range snapshot {
		names = append(names, string(metric))
	}
	sort.Strings(names)

	data := make([]cloudwatchTypes.MetricDatum, 0, len(names))
	for _, name := range names {
		data = append(data, cloudwatchTypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(snapshot[Metric(name)])),
			Unit:       cloudwatchTypes.StandardUnitCount,
			Dimensions: dims,
		})
	}
	if len(data) == 0 {
		return nil
	}
	_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	})
	return err
}

func (m *_MetricMgr) setMetric(metric Metric, ptr *int32) error {
	if _, ok := m.metrics[metric]; ok {
		return errors.New("metric " + string(metric) + " already exists")
	}
	m.metrics[metric] = ptr
	return nil
}
