package exporter

const (
	TIMESTAMP     string = "Timestamp"
	COMPLIANCE    string = "Compliance"
	ARN           string = "Arn"
	RESOURCE_TYPE string = "ResourceType"
	REASONS       string = "Reasons"
	MESSAGE       string = "Message"
	ERR_MSG       string = "ErrMsg"
	ACCOUNT_ID    string = "AccountId"
)

var Header = []string{TIMESTAMP, COMPLIANCE, ARN, RESOURCE_TYPE, REASONS, MESSAGE, ERR_MSG, ACCOUNT_ID}
