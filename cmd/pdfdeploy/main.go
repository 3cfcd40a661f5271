// pdfdeploy provisions and deploys the PDF generation service to its
// serverless runtime: identity, artifact, function, HTTP front door
// and monitoring.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/raphacure/pdfdeploy/internal/artifact"
	"github.com/raphacure/pdfdeploy/internal/deploy"
	"github.com/raphacure/pdfdeploy/internal/gateway"
	"github.com/raphacure/pdfdeploy/internal/identity"
	"github.com/raphacure/pdfdeploy/internal/lease"
	"github.com/raphacure/pdfdeploy/internal/logging"
	"github.com/raphacure/pdfdeploy/internal/messaging"
	"github.com/raphacure/pdfdeploy/internal/observability"
	"github.com/raphacure/pdfdeploy/internal/orchestrator"
	"github.com/raphacure/pdfdeploy/internal/preflight"
	"github.com/raphacure/pdfdeploy/internal/runner"
	"github.com/raphacure/pdfdeploy/internal/secrets"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "pdfdeploy",
		Short:        "Deploy the PDF generation service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "deploy.yaml", "environments file")

	root.AddCommand(
		newValidateCmd(),
		newDeployCmd(),
		newBuildLayersCmd(),
		newSetupMonitoringCmd(),
		newSmokeTestCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds one environment's fully wired component set.
type app struct {
	env    *config.Environment
	logger *slog.Logger

	validator *preflight.Validator
	builder   *artifact.Builder
	orch      *orchestrator.Orchestrator
}

// newApp loads the environment and wires every component against the
// shared AWS configuration. The caller identity is resolved up front
// because identity and gateway provisioning need the account id.
func newApp(ctx context.Context, envName string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	env, err := cfg.Environment(envName)
	if err != nil {
		return nil, err
	}

	logger := logging.New(env.Name)
	slog.SetDefault(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	ident, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve caller identity: %w", err)
	}
	accountID := *ident.Account

	run := runner.NewExec(logger)
	lambdaClient := lambda.NewFromConfig(awsCfg)
	builder := artifact.NewBuilder(run, s3.NewFromConfig(awsCfg), lambdaClient, ecr.NewFromConfig(awsCfg), logger)
	validator := preflight.NewValidator(stsClient, run, logger)

	orch := &orchestrator.Orchestrator{
		Validator: validator,
		Identity:  identity.NewProvisioner(iam.NewFromConfig(awsCfg), accountID, logger),
		Builder:   builder,
		Deployer:  deploy.NewDeployer(lambdaClient, logger),
		Warmup:    deploy.NewWarmup(scheduler.NewFromConfig(awsCfg), logger),
		Gateway:   gateway.NewProvisioner(apigatewayv2.NewFromConfig(awsCfg), lambdaClient, env.Region, accountID, logger),
		Observability: observability.NewProvisioner(
			cloudwatch.NewFromConfig(awsCfg),
			cloudwatchlogs.NewFromConfig(awsCfg),
			sns.NewFromConfig(awsCfg),
			lambdaClient,
			logger,
		),
		Leases:    lease.NewStore(dynamodb.NewFromConfig(awsCfg), config.LeaseTableName, logger),
		Secrets:   secrets.NewResolver(secretsmanager.NewFromConfig(awsCfg), logger),
		Notifier:  messaging.NewNotifier(sns.NewFromConfig(awsCfg), logger),
		Region:    env.Region,
		AccountID: accountID,
		Logger:    logger,
	}

	return &app{
		env:       env,
		logger:    logger,
		validator: validator,
		builder:   builder,
		orch:      orch,
	}, nil
}
