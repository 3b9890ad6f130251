package compliance

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	accessAnalyzerTypes "github.com/aws/aws-sdk-go-v2/service/accessanalyzer/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	configServiceTypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamTypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmsTypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/outofoffice3/tap-handlers/internal/awsclientmgr"
	"github.com/outofoffice3/tap-handlers/internal/retry"
	"github.com/stretchr/testify/require"
)

const homeAccount = "111111111111"

func testPolicy() *retry.Policy {
	return &retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

// ---------------------------------------------------------------- iam

type fakeIAM struct {
	mu                sync.Mutex
	roles             []iamTypes.Role
	users             []iamTypes.User
	attached          map[string][]iamTypes.AttachedPolicy // identity name -> policies
	inline            map[string]map[string]string         // identity name -> policy name -> document
	versions          map[string]string                    // policy arn -> default version document
	attachedErr       map[string]error
	getPolicyVersions int
	roleThrottles     int // ListRoles calls answered with a throttle first
}

func (f *fakeIAM) ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	if err := throttled(&f.mu, &f.roleThrottles); err != nil {
		return nil, err
	}
	return &iam.ListRolesOutput{Roles: f.roles}, nil
}

func (f *fakeIAM) ListUsers(ctx context.Context, params *iam.ListUsersInput, optFns ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	return &iam.ListUsersOutput{Users: f.users}, nil
}

func (f *fakeIAM) listAttached(name string) ([]iamTypes.AttachedPolicy, error) {
	if err, ok := f.attachedErr[name]; ok {
		return nil, err
	}
	return f.attached[name], nil
}

func (f *fakeIAM) ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	policies, err := f.listAttached(*params.RoleName)
	if err != nil {
		return nil, err
	}
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: policies}, nil
}

func (f *fakeIAM) ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	policies, err := f.listAttached(*params.UserName)
	if err != nil {
		return nil, err
	}
	return &iam.ListAttachedUserPoliciesOutput{AttachedPolicies: policies}, nil
}

func (f *fakeIAM) inlineNames(name string) []string {
	var names []string
	for policyName := range f.inline[name] {
		names = append(names, policyName)
	}
	return names
}

func (f *fakeIAM) ListRolePolicies(ctx context.Context, params *iam.ListRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return &iam.ListRolePoliciesOutput{PolicyNames: f.inlineNames(*params.RoleName)}, nil
}

func (f *fakeIAM) ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error) {
	return &iam.ListUserPoliciesOutput{PolicyNames: f.inlineNames(*params.UserName)}, nil
}

func (f *fakeIAM) GetRolePolicy(ctx context.Context, params *iam.GetRolePolicyInput, optFns ...func(*iam.Options)) (*iam.GetRolePolicyOutput, error) {
	document, ok := f.inline[*params.RoleName][*params.PolicyName]
	if !ok {
		return nil, errors.New("NoSuchEntity")
	}
	return &iam.GetRolePolicyOutput{PolicyDocument: aws.String(url.QueryEscape(document))}, nil
}

func (f *fakeIAM) GetUserPolicy(ctx context.Context, params *iam.GetUserPolicyInput, optFns ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error) {
	document, ok := f.inline[*params.UserName][*params.PolicyName]
	if !ok {
		return nil, errors.New("NoSuchEntity")
	}
	return &iam.GetUserPolicyOutput{PolicyDocument: aws.String(url.QueryEscape(document))}, nil
}

func (f *fakeIAM) GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	if _, ok := f.versions[*params.PolicyArn]; !ok {
		return nil, errors.New("NoSuchEntity")
	}
	return &iam.GetPolicyOutput{Policy: &iamTypes.Policy{Arn: params.PolicyArn, DefaultVersionId: aws.String("v2")}}, nil
}

func (f *fakeIAM) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	f.mu.Lock()
	f.getPolicyVersions++
	f.mu.Unlock()
	return &iam.GetPolicyVersionOutput{PolicyVersion: &iamTypes.PolicyVersion{
		Document:  aws.String(url.QueryEscape(f.versions[*params.PolicyArn])),
		VersionId: params.VersionId,
	}}, nil
}

// ---------------------------------------------------------------- access analyzer

// fails any document that mentions a requested action
type fakeAccessAnalyzer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAccessAnalyzer) CheckAccessNotGranted(ctx context.Context, params *accessanalyzer.CheckAccessNotGrantedInput, optFns ...func(*accessanalyzer.Options)) (*accessanalyzer.CheckAccessNotGrantedOutput, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var reasons []accessAnalyzerTypes.ReasonSummary
	for _, access := range params.Access {
		for _, action := range access.Actions {
			if strings.Contains(*params.PolicyDocument, action) {
				reasons = append(reasons, accessAnalyzerTypes.ReasonSummary{Description: aws.String("grants " + action)})
			}
		}
	}
	if len(reasons) > 0 {
		return &accessanalyzer.CheckAccessNotGrantedOutput{
			Result:  accessAnalyzerTypes.CheckAccessNotGrantedResultFail,
			Message: aws.String("The policy document grants access to perform one or more of the listed actions."),
			Reasons: reasons,
		}, nil
	}
	return &accessanalyzer.CheckAccessNotGrantedOutput{
		Result:  accessAnalyzerTypes.CheckAccessNotGrantedResultPass,
		Message: aws.String("The policy document does not grant access to perform the listed actions."),
	}, nil
}

// ---------------------------------------------------------------- s3

const clientRegion = "us-east-1"

type fakeS3 struct {
	mu                  sync.Mutex
	buckets             []string
	regions             map[string]string // bucket -> region, clientRegion when absent
	encryption          map[string]error  // nil entry = encrypted
	encryptionThrottles int
	publicAccess        map[string]*s3Types.PublicAccessBlockConfiguration
	publicErr           map[string]error
	objects             map[string]string
}

func (f *fakeS3) region(bucket string) string {
	if region, ok := f.regions[bucket]; ok {
		return region
	}
	return clientRegion
}

// redirect answers like S3 does when a bucket is addressed through the
// wrong regional endpoint.
func (f *fakeS3) redirect(bucket string, optFns []func(*s3.Options)) error {
	options := s3.Options{Region: clientRegion}
	for _, fn := range optFns {
		fn(&options)
	}
	if options.Region != f.region(bucket) {
		return apiError("PermanentRedirect")
	}
	return nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	var buckets []s3Types.Bucket
	for _, name := range f.buckets {
		bucket := s3Types.Bucket{Name: aws.String(name)}
		// BucketRegion is only returned on paginated requests
		if params.MaxBuckets != nil {
			bucket.BucketRegion = aws.String(f.region(name))
		}
		buckets = append(buckets, bucket)
	}
	return &s3.ListBucketsOutput{Buckets: buckets}, nil
}

func (f *fakeS3) GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	if err := throttled(&f.mu, &f.encryptionThrottles); err != nil {
		return nil, err
	}
	if err := f.redirect(*params.Bucket, optFns); err != nil {
		return nil, err
	}
	if err := f.encryption[*params.Bucket]; err != nil {
		return nil, err
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: &s3Types.ServerSideEncryptionConfiguration{
		Rules: []s3Types.ServerSideEncryptionRule{{
			ApplyServerSideEncryptionByDefault: &s3Types.ServerSideEncryptionByDefault{SSEAlgorithm: s3Types.ServerSideEncryptionAes256},
		}},
	}}, nil
}

func (f *fakeS3) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	if err := f.redirect(*params.Bucket, optFns); err != nil {
		return nil, err
	}
	if err := f.publicErr[*params.Bucket]; err != nil {
		return nil, err
	}
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: f.publicAccess[*params.Bucket]}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("NoSuchKey")
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(params.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[*params.Bucket+"/"+*params.Key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

func allBlocked() *s3Types.PublicAccessBlockConfiguration {
	return &s3Types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(true),
		IgnorePublicAcls:      aws.Bool(true),
		BlockPublicPolicy:     aws.Bool(true),
		RestrictPublicBuckets: aws.Bool(true),
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// throttled consumes one pending throttle from remaining.
func throttled(mu *sync.Mutex, remaining *int) error {
	mu.Lock()
	defer mu.Unlock()
	if *remaining > 0 {
		*remaining--
		return apiError("ThrottlingException")
	}
	return nil
}

// ---------------------------------------------------------------- kms

type fakeKMS struct {
	mu            sync.Mutex
	keys          []kmsTypes.KeyMetadata
	rotation      map[string]bool
	listThrottles int
}

func (f *fakeKMS) ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error) {
	if err := throttled(&f.mu, &f.listThrottles); err != nil {
		return nil, err
	}
	var entries []kmsTypes.KeyListEntry
	for _, key := range f.keys {
		entries = append(entries, kmsTypes.KeyListEntry{KeyId: key.KeyId, KeyArn: key.Arn})
	}
	return &kms.ListKeysOutput{Keys: entries}, nil
}

func (f *fakeKMS) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	for _, key := range f.keys {
		if *key.KeyId == *params.KeyId {
			metadata := key
			return &kms.DescribeKeyOutput{KeyMetadata: &metadata}, nil
		}
	}
	return nil, errors.New("NotFoundException")
}

func (f *fakeKMS) GetKeyRotationStatus(ctx context.Context, params *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error) {
	return &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: f.rotation[*params.KeyId]}, nil
}

func customerKey(id string, state kmsTypes.KeyState, spec kmsTypes.KeySpec) kmsTypes.KeyMetadata {
	return kmsTypes.KeyMetadata{
		KeyId:      aws.String(id),
		Arn:        aws.String("arn:aws:kms:us-east-1:" + homeAccount + ":key/" + id),
		KeyManager: kmsTypes.KeyManagerTypeCustomer,
		KeyState:   state,
		KeySpec:    spec,
	}
}

// ---------------------------------------------------------------- config, sns, cloudwatch

type fakeConfig struct {
	mu          sync.Mutex
	evaluations map[string]configServiceTypes.Evaluation
	calls       int
}

func (f *fakeConfig) PutEvaluations(ctx context.Context, params *configservice.PutEvaluationsInput, optFns ...func(*configservice.Options)) (*configservice.PutEvaluationsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.evaluations == nil {
		f.evaluations = map[string]configServiceTypes.Evaluation{}
	}
	for _, evaluation := range params.Evaluations {
		f.evaluations[*evaluation.ComplianceResourceId] = evaluation
	}
	return &configservice.PutEvaluationsOutput{}, nil
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	return &cloudwatch.GetMetricStatisticsOutput{}, nil
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type fakes struct {
	iam    *fakeIAM
	aa     *fakeAccessAnalyzer
	s3     *fakeS3
	kms    *fakeKMS
	config *fakeConfig
	sns    *fakeSNS
	cw     *fakeCloudWatch
}

func newFakes() fakes {
	return fakes{
		iam:    &fakeIAM{},
		aa:     &fakeAccessAnalyzer{},
		s3:     &fakeS3{},
		kms:    &fakeKMS{},
		config: &fakeConfig{},
		sns:    &fakeSNS{},
		cw:     &fakeCloudWatch{},
	}
}

func (f fakes) clientMgr(t *testing.T) awsclientmgr.AWSClientMgr {
	awscm := awsclientmgr.NewAWSClientMgr(homeAccount)
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.IAM, f.iam))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.AA, f.aa))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.S3, f.s3))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.KMS, f.kms))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.CLOUDWATCH, f.cw))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.CONFIG, f.config))
	require.NoError(t, awscm.SetSDKClient(homeAccount, awsclientmgr.SNS, f.sns))
	return awscm
}
