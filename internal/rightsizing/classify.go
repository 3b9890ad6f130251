package rightsizing

import "strings"

type Action string

const (
	ActionInsufficientData Action = "INSUFFICIENT_DATA"
	ActionDownsize         Action = "DOWNSIZE"
	ActionUpsize           Action = "UPSIZE"
	ActionOptimal          Action = "OPTIMAL"
)

// sizes ordered smallest to largest within a family
var sizeLadder = []string{
	"nano", "micro", "small", "medium", "large", "xlarge",
	"2xlarge", "4xlarge", "8xlarge", "12xlarge", "16xlarge", "24xlarge",
}

// CPUStats summarizes CPUUtilization over the lookback window.
type CPUStats struct {
	Average    float64
	Maximum    float64
	Datapoints int
}

// Classify maps utilization onto an action using the configured thresholds.
func Classify(stats CPUStats, config Config) Action {
	switch {
	case stats.Datapoints == 0:
		return ActionInsufficientData
	case stats.Average < config.LowCPU && stats.Maximum < config.PeakCPU:
		return ActionDownsize
	case stats.Average > config.HighCPU:
		return ActionUpsize
	}
	return ActionOptimal
}

// RecommendType returns the next size down or up within the family of
// instanceType. The current type is kept at either end of the ladder and for
// sizes not on it.
func RecommendType(instanceType string, action Action) string {
	family, size, ok := strings.Cut(instanceType, ".")
	if !ok {
		return instanceType
	}
	index := -1
	for i, s := range sizeLadder {
		if s == size {
			index = i
			break
		}
	}
	if index < 0 {
		return instanceType
	}
	switch action {
	case ActionDownsize:
		index--
	case ActionUpsize:
		index++
	default:
		return instanceType
	}
	if index < 0 || index >= len(sizeLadder) {
		return instanceType
	}
	return family + "." + sizeLadder[index]
}

// MonthlySavings estimates the monthly cost difference between the two types.
// Upsizing yields a negative value. ok is false when either price is unknown.
func MonthlySavings(prices map[string]float64, current, recommended string) (float64, bool) {
	currentPrice, ok := prices[current]
	if !ok {
		return 0, false
	}
	recommendedPrice, ok := prices[recommended]
	if !ok {
		return 0, false
	}
	return (currentPrice - recommendedPrice) * HoursPerMonth, true
}
