package compliance

type AwsServiceName string

const (
	S3              AwsServiceName = "s3"
	IAM             AwsServiceName = "iam"
	KMS             AwsServiceName = "kms"
	ACCESS_ANALYZER AwsServiceName = "access analyzer"
	AWS_CONFIG      AwsServiceName = "aws config"
	SNS             AwsServiceName = "sns"
)

// errors that occur while building the checker
type InitError struct {
	Message string
}

func (e InitError) Error() string {
	return e.Message
}

// default error type, carries the service that failed
type GeneralError struct {
	Service AwsServiceName
	Message string
}

func (e GeneralError) Error() string {
	if e.Service != "" {
		return "[" + string(e.Service) + "] : " + e.Message
	}
	return e.Message
}
