package shared

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/outofoffice3/common/logger"
)

type awsConfigOptions struct {
	profile     string
	region      string
	maxAttempts int
}

// AWSConfigOption customizes how the SDK config is loaded.
type AWSConfigOption func(*awsConfigOptions)

func WithProfile(profile string) AWSConfigOption {
	return func(o *awsConfigOptions) { o.profile = profile }
}

func WithRegion(region string) AWSConfigOption {
	return func(o *awsConfigOptions) { o.region = region }
}

// WithMaxAttempts replaces the SDK's standard retryer attempt limit.
func WithMaxAttempts(n int) AWSConfigOption {
	return func(o *awsConfigOptions) { o.maxAttempts = n }
}

// LoadAWSConfig loads the default SDK config (env, shared config, execution
// role) with the given overrides applied.
func LoadAWSConfig(ctx context.Context, opts ...AWSConfigOption) (aws.Config, error) {
	var o awsConfigOptions
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(o.profile))
	}
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	if o.maxAttempts > 0 {
		maxAttempts := o.maxAttempts
		loadOpts = append(loadOpts, config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), maxAttempts)
		}))
	}
	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// NewLogger returns a console logger at debug level when LOG_LEVEL=debug,
// info level otherwise.
func NewLogger() logger.Logger {
	if strings.EqualFold(os.Getenv(string(EnvLogLevel)), "debug") {
		return logger.NewConsoleLogger(logger.LogLevelDebug)
	}
	return logger.NewConsoleLogger(logger.LogLevelInfo)
}

// Getenv returns the value of an env var.
func Getenv(name EnvVar) string {
	return os.Getenv(string(name))
}
