package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts  int           // total calls, including the first one
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // upper bound for any single delay
	Multiplier   float64       // growth factor between delays
	Jitter       float64       // randomization factor in [0,1]
}

// Notify is called before each wait with the error that triggered it.
type Notify func(err error, attempt int, wait time.Duration)

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.5,
	}
}

// throttle codes recognised on top of the SDK's own table
var extraThrottleCodes = map[string]struct{}{
	"Throttled":       {},
	"TooManyRequests": {},
}

// IsThrottle reports whether err is a throttling-class error: an API error
// whose code is a known throttle code, or an HTTP 429 response.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if awsretry.IsErrorThrottles(awsretry.DefaultThrottles).IsErrorThrottle(err) == aws.TrueTernary {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := extraThrottleCodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

// Do calls op until it succeeds, returns a non-throttling error, or the
// policy runs out of attempts. The last error is returned.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	return DoNotify(ctx, policy, op, nil)
}

// DoNotify is Do with a callback invoked before every wait.
func DoNotify(ctx context.Context, policy Policy, op func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsThrottle(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}
	}
	return backoff.RetryNotify(operation, policy.backOff(ctx), n)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = DefaultPolicy().InitialDelay
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 || eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.RandomizationFactor = p.Jitter
	if eb.RandomizationFactor < 0 || eb.RandomizationFactor > 1 {
		eb.RandomizationFactor = 0
	}
	// attempts bound the loop, not wall time
	eb.MaxElapsedTime = 0
	eb.Reset()

	capped := cappedBackOff{BackOff: eb, max: eb.MaxInterval}
	return backoff.WithContext(backoff.WithMaxRetries(capped, uint64(attempts-1)), ctx)
}

// cappedBackOff bounds each delay after jitter has been applied.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c cappedBackOff) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next != backoff.Stop && next > c.max {
		return c.max
	}
	return next
}
