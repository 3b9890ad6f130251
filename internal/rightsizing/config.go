package rightsizing

import (
	"errors"
	"strconv"

	"github.com/outofoffice3/tap-handlers/internal/shared"
)

const (
	DefaultLookbackDays = 14
	DefaultLowCPU       = 10.0
	DefaultPeakCPU      = 40.0
	DefaultHighCPU      = 80.0

	// hours used to turn an hourly price into a monthly one
	HoursPerMonth = 730

	// GetMetricStatistics returns at most 1440 hourly datapoints per call
	MaxLookbackDays = 60
)

// Config is the right-sizing configuration document.
type Config struct {
	AWSAccounts  []shared.AWSAccount `json:"awsAccounts" yaml:"awsAccounts"`
	LookbackDays int                 `json:"lookbackDays" yaml:"lookbackDays"`
	LowCPU       float64             `json:"lowCpu" yaml:"lowCpu"`
	PeakCPU      float64             `json:"peakCpu" yaml:"peakCpu"`
	HighCPU      float64             `json:"highCpu" yaml:"highCpu"`
	// on-demand USD per hour keyed by instance type
	HourlyPrices map[string]float64  `json:"hourlyPrices" yaml:"hourlyPrices"`
	ReportBucket string              `json:"reportBucket" yaml:"reportBucket"`
	ReportPrefix string              `json:"reportPrefix" yaml:"reportPrefix"`
	TopicArn     string              `json:"topicArn" yaml:"topicArn"`
}

// WithDefaults fills unset thresholds.
func (c Config) WithDefaults() Config {
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.LowCPU <= 0 {
		c.LowCPU = DefaultLowCPU
	}
	if c.PeakCPU <= 0 {
		c.PeakCPU = DefaultPeakCPU
	}
	if c.HighCPU <= 0 {
		c.HighCPU = DefaultHighCPU
	}
	return c
}

func (c Config) Validate() error {
	if c.LookbackDays > MaxLookbackDays {
		return errors.New("lookbackDays must be at most " + strconv.Itoa(MaxLookbackDays))
	}
	if c.LowCPU > c.HighCPU {
		return errors.New("lowCpu must not be greater than highCpu")
	}
	if c.LowCPU > 100 || c.PeakCPU > 100 || c.HighCPU > 100 {
		return errors.New("cpu thresholds are percentages and must be at most 100")
	}
	for _, account := range c.AWSAccounts {
		if account.AccountID == "" || account.RoleName == "" {
			return errors.New("aws accounts need an account id and a role name")
		}
	}
	for instanceType, price := range c.HourlyPrices {
		if price < 0 {
			return errors.New("negative price for [" + instanceType + "]")
		}
	}
	return nil
}
