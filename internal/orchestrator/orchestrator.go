// Package orchestrator runs the deployment workflow: validate,
// identity, artifact, function, gateway, each step consuming
// identifiers produced by the previous one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphacure/pdfdeploy/internal/artifact"
	"github.com/raphacure/pdfdeploy/internal/deploy"
	"github.com/raphacure/pdfdeploy/internal/gateway"
	"github.com/raphacure/pdfdeploy/internal/identity"
	"github.com/raphacure/pdfdeploy/internal/lease"
	"github.com/raphacure/pdfdeploy/internal/messaging"
	"github.com/raphacure/pdfdeploy/internal/observability"
	"github.com/raphacure/pdfdeploy/internal/preflight"
	"github.com/raphacure/pdfdeploy/internal/secrets"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

// The orchestrator depends on narrow consumer-side contracts so every
// collaborator can be replaced in tests.

type Validator interface {
	Validate(ctx context.Context, env *config.Environment) (*preflight.Report, error)
}

type Identity interface {
	EnsureRole(ctx context.Context, roleName, trustPolicy string) (string, error)
	EnsurePolicy(ctx context.Context, policyName, document string) (string, error)
	Attach(ctx context.Context, roleName, policyArn string) error
}

type Builder interface {
	BuildBundle(ctx context.Context, env *config.Environment) (*artifact.Artifact, func(), error)
	BuildLayers(ctx context.Context, env *config.Environment, force bool) ([]artifact.LayerVersion, error)
	BuildImage(ctx context.Context, env *config.Environment) (*artifact.Artifact, error)
}

type FunctionDeployer interface {
	Deploy(ctx context.Context, env *config.Environment, art *artifact.Artifact, roleArn string, layers []artifact.LayerVersion, envVars map[string]string) (string, error)
}

type WarmupManager interface {
	Ensure(ctx context.Context, env *config.Environment, functionArn, warmupRoleArn string) error
}

type Gateway interface {
	EnsureAPI(ctx context.Context, name string) (string, error)
	WireProxy(ctx context.Context, apiID, functionArn string) error
	DeployStage(ctx context.Context, apiID, stageName string) (string, error)
}

type Observability interface {
	EnsureLogGroup(ctx context.Context, env *config.Environment) error
	EnsureDashboard(ctx context.Context, env *config.Environment, apiID string) error
	EnsureNotificationChannel(ctx context.Context, env *config.Environment, address string) (string, error)
	CreateAlarms(ctx context.Context, env *config.Environment, apiID, topicArn string) error
	RegisterSavedQueries(ctx context.Context, env *config.Environment) error
	EnableTracing(ctx context.Context, env *config.Environment) error
}

type LeaseStore interface {
	EnsureTable(ctx context.Context) error
	Acquire(ctx context.Context, environment string) (string, error)
	Release(ctx context.Context, environment, owner string) error
}

type SecretResolver interface {
	Resolve(ctx context.Context, envVars map[string]string) (map[string]string, error)
}

type Notifier interface {
	Publish(ctx context.Context, topicArn string, summary *messaging.Summary) error
}

// Result carries the identifiers produced by a successful run.
type Result struct {
	Report      *preflight.Report
	RoleArn     string
	FunctionArn string
	APIID       string
	Endpoint    string
	Layers      []artifact.LayerVersion
}

// Orchestrator wires the workflow components together.
type Orchestrator struct {
	Validator     Validator
	Identity      Identity
	Builder       Builder
	Deployer      FunctionDeployer
	Warmup        WarmupManager
	Gateway       Gateway
	Observability Observability
	Leases        LeaseStore
	Secrets       SecretResolver
	Notifier      Notifier

	Region    string
	AccountID string
	Logger    *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Deploy runs the whole workflow for one environment. Validation runs
// before anything else; no mutating call is issued when it fails. The
// deployment lease serializes concurrent runs against the same
// environment and is always released on exit.
func (o *Orchestrator) Deploy(ctx context.Context, env *config.Environment) (*Result, error) {
	result := &Result{}

	report, err := o.Validator.Validate(ctx, env)
	result.Report = report
	if err != nil {
		return result, err
	}

	if err := o.Leases.EnsureTable(ctx); err != nil {
		return result, err
	}
	owner, err := o.Leases.Acquire(ctx, env.Name)
	if err != nil {
		return result, err
	}
	defer func() {
		if releaseErr := o.Leases.Release(ctx, env.Name, owner); releaseErr != nil {
			o.logger().WarnContext(ctx, "failed to release deployment lease",
				slog.String("environment", env.Name),
				slog.String("error", releaseErr.Error()),
			)
		}
	}()

	if result.RoleArn, err = o.ensureIdentity(ctx, env); err != nil {
		return result, err
	}

	// The log group exists before the function so the managed runtime
	// never creates one with unbounded retention.
	if err := o.Observability.EnsureLogGroup(ctx, env); err != nil {
		return result, err
	}

	art, cleanup, err := o.buildArtifact(ctx, env, result)
	if err != nil {
		return result, err
	}
	defer cleanup()

	envVars, err := o.Secrets.Resolve(ctx, env.EnvVars)
	if err != nil {
		return result, err
	}

	if result.FunctionArn, err = o.Deployer.Deploy(ctx, env, art, result.RoleArn, result.Layers, envVars); err != nil {
		return result, err
	}

	if err := o.ensureWarmup(ctx, env, result.FunctionArn); err != nil {
		return result, err
	}

	if result.APIID, err = o.Gateway.EnsureAPI(ctx, env.APIName()); err != nil {
		return result, err
	}
	if err := o.Gateway.WireProxy(ctx, result.APIID, result.FunctionArn); err != nil {
		return result, err
	}
	if result.Endpoint, err = o.Gateway.DeployStage(ctx, result.APIID, env.StageName); err != nil {
		return result, err
	}

	if env.EnableTracing {
		if err := o.Observability.EnableTracing(ctx, env); err != nil {
			return result, err
		}
	}

	o.notify(ctx, env, art, result)

	o.logger().InfoContext(ctx, "deployment complete",
		slog.String("environment", env.Name),
		slog.String("function_arn", result.FunctionArn),
		slog.String("endpoint", result.Endpoint),
	)
	return result, nil
}

func (o *Orchestrator) ensureIdentity(ctx context.Context, env *config.Environment) (string, error) {
	roleArn, err := o.Identity.EnsureRole(ctx, env.RoleName(), identity.LambdaTrustPolicy)
	if err != nil {
		return "", err
	}

	document := identity.LogWritePolicy(env.Region, o.AccountID, env.LogGroupName())
	policyArn, err := o.Identity.EnsurePolicy(ctx, env.PolicyName(), document)
	if err != nil {
		return "", err
	}
	if err := o.Identity.Attach(ctx, env.RoleName(), policyArn); err != nil {
		return "", err
	}
	return roleArn, nil
}

func (o *Orchestrator) buildArtifact(ctx context.Context, env *config.Environment, result *Result) (*artifact.Artifact, func(), error) {
	if env.PackageType == config.PackageImage {
		art, err := o.Builder.BuildImage(ctx, env)
		if err != nil {
			return nil, nil, err
		}
		return art, func() {}, nil
	}

	layers, err := o.Builder.BuildLayers(ctx, env, false)
	if err != nil {
		return nil, nil, err
	}
	result.Layers = layers

	return o.Builder.BuildBundle(ctx, env)
}

func (o *Orchestrator) ensureWarmup(ctx context.Context, env *config.Environment, functionArn string) error {
	if !env.KeepWarm.Enabled {
		// Ensure still runs so a previously created schedule is removed.
		return o.Warmup.Ensure(ctx, env, functionArn, "")
	}

	warmupRoleArn, err := o.Identity.EnsureRole(ctx, env.WarmupRoleName(), identity.SchedulerTrustPolicy)
	if err != nil {
		return err
	}
	policyArn, err := o.Identity.EnsurePolicy(ctx, env.WarmupPolicyName(), identity.InvokeFunctionPolicy(functionArn))
	if err != nil {
		return err
	}
	if err := o.Identity.Attach(ctx, env.WarmupRoleName(), policyArn); err != nil {
		return err
	}
	return o.Warmup.Ensure(ctx, env, functionArn, warmupRoleArn)
}

// notify publishes the deployment summary to the environment's topic.
// The topic only exists once monitoring has been set up, so failures
// are advisory.
func (o *Orchestrator) notify(ctx context.Context, env *config.Environment, art *artifact.Artifact, result *Result) {
	topicArn := fmt.Sprintf("arn:aws:sns:%s:%s:%s", o.Region, o.AccountID, env.TopicName())
	summary := &messaging.Summary{
		Environment: env.Name,
		FunctionArn: result.FunctionArn,
		Endpoint:    result.Endpoint,
		Stage:       env.StageName,
		ArtifactSHA: art.SHA256,
		DeployedAt:  time.Now().UTC(),
	}
	if err := o.Notifier.Publish(ctx, topicArn, summary); err != nil {
		o.logger().WarnContext(ctx, "deployment notification not delivered",
			slog.String("topic_arn", topicArn),
			slog.String("error", err.Error()),
		)
	}
}

// Monitor applies the monitoring surface for an already deployed
// environment: dashboard, alarms, notification channel, saved queries
// and tracing.
func (o *Orchestrator) Monitor(ctx context.Context, env *config.Environment, notificationAddress string) error {
	apiID, err := o.Gateway.EnsureAPI(ctx, env.APIName())
	if err != nil {
		return err
	}

	topicArn, err := o.Observability.EnsureNotificationChannel(ctx, env, notificationAddress)
	if err != nil {
		return err
	}
	if err := o.Observability.EnsureDashboard(ctx, env, apiID); err != nil {
		return err
	}
	if err := o.Observability.CreateAlarms(ctx, env, apiID, topicArn); err != nil {
		return err
	}
	if err := o.Observability.RegisterSavedQueries(ctx, env); err != nil {
		return err
	}
	if env.EnableTracing {
		if err := o.Observability.EnableTracing(ctx, env); err != nil {
			return err
		}
	}

	o.logger().InfoContext(ctx, "monitoring applied",
		slog.String("environment", env.Name),
		slog.String("dashboard", env.DashboardName()),
	)
	return nil
}

// Compile-time checks that the concrete components the CLI wires in
// satisfy the workflow contracts.
var (
	_ Validator        = (*preflight.Validator)(nil)
	_ Identity         = (*identity.Provisioner)(nil)
	_ Builder          = (*artifact.Builder)(nil)
	_ FunctionDeployer = (*deploy.Deployer)(nil)
	_ WarmupManager    = (*deploy.Warmup)(nil)
	_ Gateway          = (*gateway.Provisioner)(nil)
	_ Observability    = (*observability.Provisioner)(nil)
	_ LeaseStore       = (*lease.Store)(nil)
	_ SecretResolver   = (*secrets.Resolver)(nil)
	_ Notifier         = (*messaging.Notifier)(nil)
)
