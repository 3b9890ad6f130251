package shared

const (
	ExecutionLogFileName S3ObjectKey = "compliance-execution-log.csv"
	ErrorLogFileName     S3ObjectKey = "compliance-errors.csv"
	RightSizingFileName  S3ObjectKey = "rightsizing-report.csv"

	EnvBucketName       EnvVar = "CONFIG_FILE_BUCKET_NAME"
	EnvConfigFileKey    EnvVar = "CONFIG_FILE_KEY"
	EnvAWSAccountID     EnvVar = "AWS_ACCOUNT_ID"
	EnvLogLevel         EnvVar = "LOG_LEVEL"
	EnvWebhookSecret    EnvVar = "WEBHOOK_SECRET"
	EnvSenderEmail      EnvVar = "SENDER_EMAIL"
	EnvMetricsNamespace EnvVar = "METRICS_NAMESPACE"

	NotSpecified ResourceType = "NOT_SPECIFIED"
	AwsIamRole   ResourceType = "AWS::IAM::Role"
	AwsIamUser   ResourceType = "AWS::IAM::User"
	AwsS3Bucket  ResourceType = "AWS::S3::Bucket"
	AwsKmsKey    ResourceType = "AWS::KMS::Key"
	AwsEc2Inst   ResourceType = "AWS::EC2::Instance"

	CheckIAMRestrictedActions Check = "iam-restricted-actions"
	CheckS3Encryption         Check = "s3-encryption"
	CheckS3PublicAccess       Check = "s3-public-access"
	CheckKMSRotation          Check = "kms-rotation"

	ScopeRoles Scope = "roles"
	ScopeUsers Scope = "users"
	ScopeAll   Scope = "all"

	// AWS Config rejects annotations longer than this
	MaxAnnotationLength = 256
)

// AllChecks is the check set used when a configuration does not name any.
var AllChecks = []Check{
	CheckIAMRestrictedActions,
	CheckS3Encryption,
	CheckS3PublicAccess,
	CheckKMSRotation,
}
