// Package gateway fronts the function with an HTTP API: a catch-all
// proxy route, an invoke permission and a deployed stage.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	apitypes "github.com/aws/aws-sdk-go-v2/service/apigatewayv2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

type apiGatewayAPI interface {
	GetApis(ctx context.Context, params *apigatewayv2.GetApisInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error)
	CreateApi(ctx context.Context, params *apigatewayv2.CreateApiInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateApiOutput, error)
	GetIntegrations(ctx context.Context, params *apigatewayv2.GetIntegrationsInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetIntegrationsOutput, error)
	CreateIntegration(ctx context.Context, params *apigatewayv2.CreateIntegrationInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateIntegrationOutput, error)
	GetRoutes(ctx context.Context, params *apigatewayv2.GetRoutesInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetRoutesOutput, error)
	CreateRoute(ctx context.Context, params *apigatewayv2.CreateRouteInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateRouteOutput, error)
	GetStage(ctx context.Context, params *apigatewayv2.GetStageInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetStageOutput, error)
	CreateStage(ctx context.Context, params *apigatewayv2.CreateStageInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateStageOutput, error)
	GetApi(ctx context.Context, params *apigatewayv2.GetApiInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApiOutput, error)
}

type lambdaPermissionAPI interface {
	AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
}

// Provisioner wires an HTTP API in front of a function. Lookups are
// name scans: the platform enforces no uniqueness, so cross-run races
// are serialized by the deployment lease, not here.
type Provisioner struct {
	api       apiGatewayAPI
	lambda    lambdaPermissionAPI
	region    string
	accountID string
	logger    *slog.Logger
}

// NewProvisioner creates a gateway provisioner scoped to one account
// and region.
func NewProvisioner(api apiGatewayAPI, lambdaClient lambdaPermissionAPI, region, accountID string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		api:       api,
		lambda:    lambdaClient,
		region:    region,
		accountID: accountID,
		logger:    logger,
	}
}

// EnsureAPI returns the id of the HTTP API with the given name,
// creating it when no API carries that name yet.
func (p *Provisioner) EnsureAPI(ctx context.Context, name string) (string, error) {
	var next *string
	for {
		out, err := p.api.GetApis(ctx, &apigatewayv2.GetApisInput{NextToken: next})
		if err != nil {
			return "", fmt.Errorf("failed to list apis: %w", err)
		}
		for _, api := range out.Items {
			if aws.ToString(api.Name) == name {
				p.logger.InfoContext(ctx, "reusing existing api",
					slog.String("api", name),
					slog.String("api_id", aws.ToString(api.ApiId)),
				)
				return aws.ToString(api.ApiId), nil
			}
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	created, err := p.api.CreateApi(ctx, &apigatewayv2.CreateApiInput{
		Name:         aws.String(name),
		ProtocolType: apitypes.ProtocolTypeHttp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create api %s: %w", name, err)
	}

	p.logger.InfoContext(ctx, "created api",
		slog.String("api", name),
		slog.String("api_id", aws.ToString(created.ApiId)),
	)
	return aws.ToString(created.ApiId), nil
}

// WireProxy integrates the function behind a single catch-all route
// and grants the gateway's service principal invoke permission scoped
// to this API. Every step tolerates already-existing resources.
func (p *Provisioner) WireProxy(ctx context.Context, apiID, functionArn string) error {
	integrationID, err := p.ensureIntegration(ctx, apiID, functionArn)
	if err != nil {
		return err
	}
	if err := p.ensureDefaultRoute(ctx, apiID, integrationID); err != nil {
		return err
	}
	return p.ensureInvokePermission(ctx, apiID, functionArn)
}

func (p *Provisioner) ensureIntegration(ctx context.Context, apiID, functionArn string) (string, error) {
	out, err := p.api.GetIntegrations(ctx, &apigatewayv2.GetIntegrationsInput{
		ApiId: aws.String(apiID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list integrations: %w", err)
	}
	for _, integration := range out.Items {
		if aws.ToString(integration.IntegrationUri) == functionArn {
			return aws.ToString(integration.IntegrationId), nil
		}
	}

	created, err := p.api.CreateIntegration(ctx, &apigatewayv2.CreateIntegrationInput{
		ApiId:                aws.String(apiID),
		IntegrationType:      apitypes.IntegrationTypeAwsProxy,
		IntegrationUri:       aws.String(functionArn),
		PayloadFormatVersion: aws.String("2.0"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create integration: %w", err)
	}

	p.logger.InfoContext(ctx, "created proxy integration",
		slog.String("api_id", apiID),
		slog.String("integration_id", aws.ToString(created.IntegrationId)),
	)
	return aws.ToString(created.IntegrationId), nil
}

func (p *Provisioner) ensureDefaultRoute(ctx context.Context, apiID, integrationID string) error {
	const routeKey = "$default"

	out, err := p.api.GetRoutes(ctx, &apigatewayv2.GetRoutesInput{ApiId: aws.String(apiID)})
	if err != nil {
		return fmt.Errorf("failed to list routes: %w", err)
	}
	for _, route := range out.Items {
		if aws.ToString(route.RouteKey) == routeKey {
			return nil
		}
	}

	_, err = p.api.CreateRoute(ctx, &apigatewayv2.CreateRouteInput{
		ApiId:    aws.String(apiID),
		RouteKey: aws.String(routeKey),
		Target:   aws.String("integrations/" + integrationID),
	})
	if err != nil {
		return fmt.Errorf("failed to create route: %w", err)
	}

	p.logger.InfoContext(ctx, "created catch-all route", slog.String("api_id", apiID))
	return nil
}

// ensureInvokePermission grants the gateway principal invoke on the
// function, scoped to any stage/route of this API. The statement id is
// deterministic so a re-run hits the conflict path instead of piling
// up statements.
func (p *Provisioner) ensureInvokePermission(ctx context.Context, apiID, functionArn string) error {
	sourceArn := fmt.Sprintf("arn:aws:execute-api:%s:%s:%s/*/*", p.region, p.accountID, apiID)

	_, err := p.lambda.AddPermission(ctx, &lambda.AddPermissionInput{
		FunctionName: aws.String(functionArn),
		StatementId:  aws.String("apigateway-invoke-" + apiID),
		Action:       aws.String("lambda:InvokeFunction"),
		Principal:    aws.String("apigateway.amazonaws.com"),
		SourceArn:    aws.String(sourceArn),
	})
	if err != nil {
		var conflict *lambdatypes.ResourceConflictException
		if errors.As(err, &conflict) {
			return nil
		}
		return fmt.Errorf("failed to grant invoke permission: %w", err)
	}

	p.logger.InfoContext(ctx, "granted gateway invoke permission",
		slog.String("api_id", apiID),
		slog.String("source_arn", sourceArn),
	)
	return nil
}

// DeployStage publishes the API under the named stage with
// auto-deploy, so newly wired routes become reachable, and returns the
// public base URL.
func (p *Provisioner) DeployStage(ctx context.Context, apiID, stageName string) (string, error) {
	_, err := p.api.GetStage(ctx, &apigatewayv2.GetStageInput{
		ApiId:     aws.String(apiID),
		StageName: aws.String(stageName),
	})
	if err != nil {
		var notFound *apitypes.NotFoundException
		if !errors.As(err, &notFound) {
			return "", fmt.Errorf("failed to look up stage %s: %w", stageName, err)
		}
		_, err = p.api.CreateStage(ctx, &apigatewayv2.CreateStageInput{
			ApiId:      aws.String(apiID),
			StageName:  aws.String(stageName),
			AutoDeploy: aws.Bool(true),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create stage %s: %w", stageName, err)
		}
		p.logger.InfoContext(ctx, "created stage",
			slog.String("api_id", apiID),
			slog.String("stage", stageName),
		)
	}

	api, err := p.api.GetApi(ctx, &apigatewayv2.GetApiInput{ApiId: aws.String(apiID)})
	if err != nil {
		return "", fmt.Errorf("failed to describe api %s: %w", apiID, err)
	}

	endpoint := strings.TrimSuffix(aws.ToString(api.ApiEndpoint), "/")
	if stageName != "$default" {
		endpoint = endpoint + "/" + stageName
	}

	p.logger.InfoContext(ctx, "stage deployed",
		slog.String("stage", stageName),
		slog.String("endpoint", endpoint),
	)
	return endpoint, nil
}
