package awsclientmgr

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/outofoffice3/common/logger"
	"github.com/outofoffice3/tap-handlers/internal/shared"
)

type AWSClientMgr interface {
	// set aws sdk client
	SetSDKClient(accountId string, name AWSServiceName, client interface{}) error
	// get aws sdk client
	GetSDKClient(accountId string, name AWSServiceName) (interface{}, bool)
	// return account ids with at least one client
	GetAccountIds() []string
	// return the account the function runs in
	GetHomeAccountId() string

	IAM(accountId string) (IAMAPI, bool)
	AccessAnalyzer(accountId string) (AccessAnalyzerAPI, bool)
	S3(accountId string) (S3API, bool)
	KMS(accountId string) (KMSAPI, bool)
	EC2(accountId string) (EC2API, bool)
	CloudWatch(accountId string) (CloudWatchAPI, bool)
	Config() (ConfigAPI, bool)
	SNS() (SNSAPI, bool)
	SQS() (SQSAPI, bool)
	SES() (SESAPI, bool)
}

type _AWSClientMgr struct {
	mu            sync.RWMutex
	homeAccountId string
	clients       map[AWSServiceName]map[string]interface{}
}

type AWSClientMgrInitConfig struct {
	Ctx       context.Context
	Cfg       aws.Config
	AccountId string
	Accounts  []shared.AWSAccount
	Services  []AWSServiceName
	Logger    logger.Logger
}

// Init creates clients for the home account and, for every configured
// account, clients that use credentials from assuming that account's role.
func Init(pkgConfig AWSClientMgrInitConfig) (AWSClientMgr, error) {
	sos := pkgConfig.Logger
	if sos == nil {
		sos = logger.NewConsoleLogger(logger.LogLevelInfo)
	}
	if pkgConfig.AccountId == "" {
		return nil, errors.New("home account id is not set")
	}
	ctx := pkgConfig.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	services := pkgConfig.Services
	if len(services) == 0 {
		return nil, errors.New("no aws services requested")
	}

	awsclient := NewAWSClientMgr(pkgConfig.AccountId)
	sdkConfig := pkgConfig.Cfg.Copy()
	for _, service := range services {
		if err := awsclient.SetSDKClient(pkgConfig.AccountId, service, newSDKClient(service, sdkConfig)); err != nil {
			return nil, err
		}
		sos.Debugf("[%s] client loaded for account id [%v]", service, pkgConfig.AccountId)
	}

	// create channel for collecting errors from go routines
	errorChan := make(chan error, len(pkgConfig.Accounts))
	initWg := &sync.WaitGroup{}
	stsClient := sts.NewFromConfig(sdkConfig)
	for _, awsAccount := range pkgConfig.Accounts {
		if awsAccount.AccountID == pkgConfig.AccountId {
			continue
		}
		initWg.Add(1)
		go func(account shared.AWSAccount) {
			defer initWg.Done()
			roleArn := RoleArn(account)
			sos.Infof("assuming role [%s] for account id [%s]", roleArn, account.AccountID)

			cfgCopy := pkgConfig.Cfg.Copy()
			cfgCopy.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleArn))

			// fail fast on a bad trust policy instead of on first use
			_, err := sts.NewFromConfig(cfgCopy).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
			if err != nil {
				sos.Errorf("error assuming role [%s] : %v", roleArn, err)
				errorChan <- errors.New("error assuming role [" + roleArn + "] : " + err.Error())
				return
			}
			for _, service := range services {
				if homeOnly[service] {
					continue
				}
				if err := awsclient.SetSDKClient(account.AccountID, service, newSDKClient(service, cfgCopy)); err != nil {
					errorChan <- err
					return
				}
			}
			sos.Debugf("sdk clients added for account id [%s]", account.AccountID)
		}(awsAccount)
	}

	initWg.Wait()
	close(errorChan)

	errMsgs := []string{}
	for err := range errorChan {
		errMsgs = append(errMsgs, err.Error())
	}
	if len(errMsgs) > 0 {
		return nil, errors.New("error loading sdk clients: " + strings.Join(errMsgs, " | "))
	}

	sos.Infof("sdk clients loaded for accounts [%v]", awsclient.GetAccountIds())
	return awsclient, nil
}

// RoleArn returns the role to assume for account. Role names are expanded to
// full ARNs in that account.
func RoleArn(account shared.AWSAccount) string {
	if strings.HasPrefix(account.RoleName, "arn:") {
		return account.RoleName
	}
	return "arn:aws:iam::" + account.AccountID + ":role/" + strings.TrimPrefix(account.RoleName, "/")
}

func newSDKClient(service AWSServiceName, cfg aws.Config) interface{} {
	switch service {
	case IAM:
		return iam.NewFromConfig(cfg)
	case AA:
		return accessanalyzer.NewFromConfig(cfg)
	case S3:
		return s3.NewFromConfig(cfg)
	case KMS:
		return kms.NewFromConfig(cfg)
	case EC2:
		return ec2.NewFromConfig(cfg)
	case CLOUDWATCH:
		return cloudwatch.NewFromConfig(cfg)
	case CONFIG:
		return configservice.NewFromConfig(cfg)
	case SNS:
		return sns.NewFromConfig(cfg)
	case SQS:
		return sqs.NewFromConfig(cfg)
	case SES:
		return sesv2.NewFromConfig(cfg)
	}
	return nil
}

func NewAWSClientMgr(homeAccountId string) AWSClientMgr {
	return &_AWSClientMgr{
		homeAccountId: homeAccountId,
		clients:       make(map[AWSServiceName]map[string]interface{}),
	}
}

// set aws sdk client
func (a *_AWSClientMgr) SetSDKClient(accountId string, serviceName AWSServiceName, client interface{}) error {
	if client == nil {
		return errors.New("client is nil")
	}
	var ok bool
	switch serviceName {
	case IAM:
		_, ok = client.(IAMAPI)
	case AA:
		_, ok = client.(AccessAnalyzerAPI)
	case S3:
		_, ok = client.(S3API)
	case KMS:
		_, ok = client.(KMSAPI)
	case EC2:
		_, ok = client.(EC2API)
	case CLOUDWATCH:
		_, ok = client.(CloudWatchAPI)
	case CONFIG:
		_, ok = client.(ConfigAPI)
	case SNS:
		_, ok = client.(SNSAPI)
	case SQS:
		_, ok = client.(SQSAPI)
	case SES:
		_, ok = client.(SESAPI)
	default:
		return errors.New("invalid service name [" + string(serviceName) + "]")
	}
	if !ok {
		return errors.New("client does not implement [" + string(serviceName) + "] api")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.clients[serviceName]; !exists {
		a.clients[serviceName] = make(map[string]interface{})
	}
	a.clients[serviceName][accountId] = client
	return nil
}

// get aws sdk client
func (a *_AWSClientMgr) GetSDKClient(accountId string, serviceName AWSServiceName) (interface{}, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byAccount, ok := a.clients[serviceName]
	if !ok {
		return nil, false
	}
	client, ok := byAccount[accountId]
	return client, ok
}

// get account ids
func (a *_AWSClientMgr) GetAccountIds() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, byAccount := range a.clients {
		for accountId := range byAccount {
			seen[accountId] = struct{}{}
		}
	}
	accountIds := make([]string, 0, len(seen))
	for accountId := range seen {
		accountIds = append(accountIds, accountId)
	}
	sort.Strings(accountIds)
	return accountIds
}

func (a *_AWSClientMgr) GetHomeAccountId() string {
	return a.homeAccountId
}

func (a *_AWSClientMgr) IAM(accountId string) (IAMAPI, bool) {
	client, ok := a.GetSDKClient(accountId, IAM)
	if !ok {
		return nil, false
	}
	return client.(IAMAPI), true
}

func (a *_AWSClientMgr) AccessAnalyzer(accountId string) (AccessAnalyzerAPI, bool) {
	client, ok := a.GetSDKClient(accountId, AA)
	if !ok {
		return nil, false
	}
	return client.(AccessAnalyzerAPI), true
}

func (a *_AWSClientMgr) S3(accountId string) (S3API, bool) {
	client, ok := a.GetSDKClient(accountId, S3)
	if !ok {
		return nil, false
	}
	return client.(S3API), true
}

func (a *_AWSClientMgr) KMS(accountId string) (KMSAPI, bool) {
	client, ok := a.GetSDKClient(accountId, KMS)
	if !ok {
		return nil, false
	}
	return client.(KMSAPI), true
}

func (a *_AWSClientMgr) EC2(accountId string) (EC2API, bool) {
	client, ok := a.GetSDKClient(accountId, EC2)
	if !ok {
		return nil, false
	}
	return client.(EC2API), true
}

func (a *_AWSClientMgr) CloudWatch(accountId string) (CloudWatchAPI, bool) {
	client, ok := a.GetSDKClient(accountId, CLOUDWATCH)
	if !ok {
		return nil, false
	}
	return client.(CloudWatchAPI), true
}

func (a *_AWSClientMgr) Config() (ConfigAPI, bool) {
	client, ok := a.GetSDKClient(a.homeAccountId, CONFIG)
	if !ok {
		return nil, false
	}
	return client.(ConfigAPI), true
}

func (a *_AWSClientMgr) SNS() (SNSAPI, bool) {
	client, ok := a.GetSDKClient(a.homeAccountId, SNS)
	if !ok {
		return nil, false
	}
	return client.(SNSAPI), true
}

func (a *_AWSClientMgr) SQS() (SQSAPI, bool) {
	client, ok := a.GetSDKClient(a.homeAccountId, SQS)
	if !ok {
		return nil, false
	}
	return client.(SQSAPI), true
}

func (a *_AWSClientMgr) SES() (SESAPI, bool) {
	client, ok := a.GetSDKClient(a.homeAccountId, SES)
	if !ok {
		return nil, false
	}
	return client.(SESAPI), true
}
