package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// ErrPropagationTimeout is returned when a newly created role does not
// become visible within the wait budget. The whole workflow can be
// re-invoked safely; every step is idempotent.
var ErrPropagationTimeout = errors.New("role did not propagate in time")

// LambdaTrustPolicy lets the compute service assume the execution role.
const LambdaTrustPolicy = `{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Principal": {"Service": "lambda.amazonaws.com"},
		"Action": "sts:AssumeRole"
	}]
}`

// SchedulerTrustPolicy lets the scheduler service assume the warm-up role.
const SchedulerTrustPolicy = `{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Principal": {"Service": "scheduler.amazonaws.com"},
		"Action": "sts:AssumeRole"
	}]
}`

// LogWritePolicy scopes log-stream creation and writes to the
// function's own log group.
func LogWritePolicy(region, accountID, logGroup string) string {
	return fmt.Sprintf(`{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Action": [
			"logs:CreateLogGroup",
			"logs:CreateLogStream",
			"logs:PutLogEvents"
		],
		"Resource": "arn:aws:logs:%s:%s:log-group:%s:*"
	}]
}`, region, accountID, logGroup)
}

// InvokeFunctionPolicy grants invocation of a single function.
func InvokeFunctionPolicy(functionArn string) string {
	return fmt.Sprintf(`{
	"Version": "2012-10-17",
	"Statement": [{
		"Effect": "Allow",
		"Action": ["lambda:InvokeFunction"],
		"Resource": "%s"
	}]
}`, functionArn)
}

type iamAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error)
	CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
}

// Provisioner creates and verifies execution identities. Every
// operation is a non-destructive upsert keyed by name: an existing
// role is reused unmodified and only missing attachments are added.
type Provisioner struct {
	client    iamAPI
	accountID string
	logger    *slog.Logger

	// pollInterval/pollBudget bound the propagation wait.
	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewProvisioner creates a provisioner for the given account.
func NewProvisioner(client iamAPI, accountID string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		client:       client,
		accountID:    accountID,
		logger:       logger,
		pollInterval: 2 * time.Second,
		pollBudget:   30 * time.Second,
	}
}

// EnsureRole looks the role up by name and creates it with the given
// trust policy if absent. The trust policy of an existing role is not
// reconciled.
func (p *Provisioner) EnsureRole(ctx context.Context, roleName, trustPolicy string) (string, error) {
	out, err := p.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
	if err == nil {
		p.logger.InfoContext(ctx, "reusing existing role", slog.String("role", roleName))
		return aws.ToString(out.Role.Arn), nil
	}

	var notFound *types.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("failed to look up role %s: %w", roleName, err)
	}

	created, err := p.client.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(trustPolicy),
		Description:              aws.String("Execution identity managed by pdfdeploy"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create role %s: %w", roleName, err)
	}

	p.logger.InfoContext(ctx, "created role", slog.String("role", roleName))

	if err := p.waitForRole(ctx, roleName); err != nil {
		return "", err
	}
	return aws.ToString(created.Role.Arn), nil
}

// EnsurePolicy looks the managed policy up by its deterministic name
// and creates it with the given document if absent.
func (p *Provisioner) EnsurePolicy(ctx context.Context, policyName, document string) (string, error) {
	policyArn := fmt.Sprintf("arn:aws:iam::%s:policy/%s", p.accountID, policyName)

	_, err := p.client.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyArn)})
	if err == nil {
		p.logger.InfoContext(ctx, "reusing existing policy", slog.String("policy", policyName))
		return policyArn, nil
	}

	var notFound *types.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("failed to look up policy %s: %w", policyName, err)
	}

	created, err := p.client.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(document),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create policy %s: %w", policyName, err)
	}

	p.logger.InfoContext(ctx, "created policy", slog.String("policy", policyName))
	return aws.ToString(created.Policy.Arn), nil
}

// Attach attaches the policy to the role. Attaching an already
// attached policy succeeds, so the call is a no-op on re-runs.
func (p *Provisioner) Attach(ctx context.Context, roleName, policyArn string) error {
	_, err := p.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyArn),
	})
	if err != nil {
		return fmt.Errorf("failed to attach policy %s to role %s: %w", policyArn, roleName, err)
	}
	return nil
}

// waitForRole polls until the role is visible through the control
// plane, with a bounded budget instead of a fixed sleep. The dependent
// function-create call still retries on its own for the tail of the
// eventual-consistency window.
func (p *Provisioner) waitForRole(ctx context.Context, roleName string) error {
	deadline := time.Now().Add(p.pollBudget)
	for {
		_, err := p.client.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName)})
		if err == nil {
			return nil
		}
		var notFound *types.NoSuchEntityException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed while waiting for role %s: %w", roleName, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrPropagationTimeout, roleName)
		}

		p.logger.DebugContext(ctx, "waiting for role propagation", slog.String("role", roleName))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}
