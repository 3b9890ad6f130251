package awsclientmgr

type AWSServiceName string

const (
	IAM        AWSServiceName = "IAM"
	AA         AWSServiceName = "AccessAnalyzer"
	S3         AWSServiceName = "S3"
	KMS        AWSServiceName = "KMS"
	EC2        AWSServiceName = "EC2"
	CLOUDWATCH AWSServiceName = "CloudWatch"
	CONFIG     AWSServiceName = "AWS Config"
	SNS        AWSServiceName = "SNS"
	SQS        AWSServiceName = "SQS"
	SES        AWSServiceName = "SES"
)

// services that are only ever used from the home account
var homeOnly = map[AWSServiceName]bool{
	CONFIG: true,
	SNS:    true,
	SQS:    true,
	SES:    true,
}
