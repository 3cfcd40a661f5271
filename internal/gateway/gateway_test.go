package gateway

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewayv2"
	apitypes "github.com/aws/aws-sdk-go-v2/service/apigatewayv2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

type fakeGateway struct {
	apis         []apitypes.Api
	integrations []apitypes.Integration
	routes       []apitypes.Route
	stages       map[string]bool

	createAPICalls         int
	createIntegrationCalls int
	createRouteCalls       int
	createStageCalls       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{stages: map[string]bool{}}
}

func (f *fakeGateway) GetApis(ctx context.Context, params *apigatewayv2.GetApisInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApisOutput, error) {
	return &apigatewayv2.GetApisOutput{Items: f.apis}, nil
}

func (f *fakeGateway) CreateApi(ctx context.Context, params *apigatewayv2.CreateApiInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateApiOutput, error) {
	f.createAPICalls++
	id := "api-1"
	f.apis = append(f.apis, apitypes.Api{
		ApiId:       aws.String(id),
		Name:        params.Name,
		ApiEndpoint: aws.String("https://api-1.execute-api.ap-south-1.amazonaws.com"),
	})
	return &apigatewayv2.CreateApiOutput{ApiId: aws.String(id)}, nil
}

func (f *fakeGateway) GetIntegrations(ctx context.Context, params *apigatewayv2.GetIntegrationsInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetIntegrationsOutput, error) {
	return &apigatewayv2.GetIntegrationsOutput{Items: f.integrations}, nil
}

func (f *fakeGateway) CreateIntegration(ctx context.Context, params *apigatewayv2.CreateIntegrationInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateIntegrationOutput, error) {
	f.createIntegrationCalls++
	id := "integration-1"
	f.integrations = append(f.integrations, apitypes.Integration{
		IntegrationId:  aws.String(id),
		IntegrationUri: params.IntegrationUri,
	})
	return &apigatewayv2.CreateIntegrationOutput{IntegrationId: aws.String(id)}, nil
}

func (f *fakeGateway) GetRoutes(ctx context.Context, params *apigatewayv2.GetRoutesInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetRoutesOutput, error) {
	return &apigatewayv2.GetRoutesOutput{Items: f.routes}, nil
}

func (f *fakeGateway) CreateRoute(ctx context.Context, params *apigatewayv2.CreateRouteInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateRouteOutput, error) {
	f.createRouteCalls++
	f.routes = append(f.routes, apitypes.Route{RouteKey: params.RouteKey})
	return &apigatewayv2.CreateRouteOutput{}, nil
}

func (f *fakeGateway) GetStage(ctx context.Context, params *apigatewayv2.GetStageInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetStageOutput, error) {
	if !f.stages[aws.ToString(params.StageName)] {
		return nil, &apitypes.NotFoundException{}
	}
	return &apigatewayv2.GetStageOutput{StageName: params.StageName}, nil
}

func (f *fakeGateway) CreateStage(ctx context.Context, params *apigatewayv2.CreateStageInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.CreateStageOutput, error) {
	f.createStageCalls++
	f.stages[aws.ToString(params.StageName)] = true
	return &apigatewayv2.CreateStageOutput{}, nil
}

func (f *fakeGateway) GetApi(ctx context.Context, params *apigatewayv2.GetApiInput, optFns ...func(*apigatewayv2.Options)) (*apigatewayv2.GetApiOutput, error) {
	return &apigatewayv2.GetApiOutput{
		ApiEndpoint: aws.String("https://api-1.execute-api.ap-south-1.amazonaws.com"),
	}, nil
}

type fakePermissions struct {
	calls    []lambda.AddPermissionInput
	conflict bool
}

func (f *fakePermissions) AddPermission(ctx context.Context, params *lambda.AddPermissionInput, optFns ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error) {
	f.calls = append(f.calls, *params)
	if f.conflict {
		return nil, &lambdatypes.ResourceConflictException{}
	}
	return &lambda.AddPermissionOutput{}, nil
}

func newTestProvisioner(gw *fakeGateway, perms *fakePermissions) *Provisioner {
	return NewProvisioner(gw, perms, "ap-south-1", "123456789012", nil)
}

const functionArn = "arn:aws:lambda:ap-south-1:123456789012:function:pdf-generation-service"

func TestEnsureAPICreatesWhenAbsent(t *testing.T) {
	gw := newFakeGateway()
	p := newTestProvisioner(gw, &fakePermissions{})

	id, err := p.EnsureAPI(context.Background(), "pdf-generation-service-api")
	if err != nil {
		t.Fatalf("EnsureAPI() error = %v", err)
	}
	if id != "api-1" {
		t.Errorf("id = %q", id)
	}
	if gw.createAPICalls != 1 {
		t.Errorf("createAPICalls = %d, want 1", gw.createAPICalls)
	}
}

func TestEnsureAPIReusesByName(t *testing.T) {
	gw := newFakeGateway()
	gw.apis = []apitypes.Api{
		{ApiId: aws.String("other"), Name: aws.String("unrelated-api")},
		{ApiId: aws.String("existing"), Name: aws.String("pdf-generation-service-api")},
	}
	p := newTestProvisioner(gw, &fakePermissions{})

	id, err := p.EnsureAPI(context.Background(), "pdf-generation-service-api")
	if err != nil {
		t.Fatalf("EnsureAPI() error = %v", err)
	}
	if id != "existing" {
		t.Errorf("id = %q, want existing", id)
	}
	if gw.createAPICalls != 0 {
		t.Errorf("createAPICalls = %d, want 0", gw.createAPICalls)
	}
}

func TestWireProxyCreatesEverything(t *testing.T) {
	gw := newFakeGateway()
	perms := &fakePermissions{}
	p := newTestProvisioner(gw, perms)

	if err := p.WireProxy(context.Background(), "api-1", functionArn); err != nil {
		t.Fatalf("WireProxy() error = %v", err)
	}

	if gw.createIntegrationCalls != 1 {
		t.Errorf("createIntegrationCalls = %d, want 1", gw.createIntegrationCalls)
	}
	if gw.createRouteCalls != 1 {
		t.Errorf("createRouteCalls = %d, want 1", gw.createRouteCalls)
	}
	if len(perms.calls) != 1 {
		t.Fatalf("AddPermission calls = %d, want 1", len(perms.calls))
	}

	call := perms.calls[0]
	wantSource := "arn:aws:execute-api:ap-south-1:123456789012:api-1/*/*"
	if aws.ToString(call.SourceArn) != wantSource {
		t.Errorf("SourceArn = %q, want %q", aws.ToString(call.SourceArn), wantSource)
	}
	if aws.ToString(call.Principal) != "apigateway.amazonaws.com" {
		t.Errorf("Principal = %q", aws.ToString(call.Principal))
	}
}

func TestWireProxyIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	perms := &fakePermissions{}
	p := newTestProvisioner(gw, perms)

	if err := p.WireProxy(context.Background(), "api-1", functionArn); err != nil {
		t.Fatal(err)
	}

	perms.conflict = true // the statement id now exists
	if err := p.WireProxy(context.Background(), "api-1", functionArn); err != nil {
		t.Fatalf("WireProxy() second run error = %v", err)
	}

	if gw.createIntegrationCalls != 1 || gw.createRouteCalls != 1 {
		t.Errorf("integration=%d route=%d, want 1/1 across both runs",
			gw.createIntegrationCalls, gw.createRouteCalls)
	}
}

func TestDeployStageCreatesAndReturnsEndpoint(t *testing.T) {
	gw := newFakeGateway()
	p := newTestProvisioner(gw, &fakePermissions{})

	endpoint, err := p.DeployStage(context.Background(), "api-1", "prod")
	if err != nil {
		t.Fatalf("DeployStage() error = %v", err)
	}
	want := "https://api-1.execute-api.ap-south-1.amazonaws.com/prod"
	if endpoint != want {
		t.Errorf("endpoint = %q, want %q", endpoint, want)
	}
	if gw.createStageCalls != 1 {
		t.Errorf("createStageCalls = %d, want 1", gw.createStageCalls)
	}
}

func TestDeployStageReusesExisting(t *testing.T) {
	gw := newFakeGateway()
	gw.stages["prod"] = true
	p := newTestProvisioner(gw, &fakePermissions{})

	if _, err := p.DeployStage(context.Background(), "api-1", "prod"); err != nil {
		t.Fatalf("DeployStage() error = %v", err)
	}
	if gw.createStageCalls != 0 {
		t.Errorf("createStageCalls = %d, want 0", gw.createStageCalls)
	}
}

func TestDeployStageDefaultStageOmitsSuffix(t *testing.T) {
	gw := newFakeGateway()
	p := newTestProvisioner(gw, &fakePermissions{})

	endpoint, err := p.DeployStage(context.Background(), "api-1", "$default")
	if err != nil {
		t.Fatalf("DeployStage() error = %v", err)
	}
	want := "https://api-1.execute-api.ap-south-1.amazonaws.com"
	if endpoint != want {
		t.Errorf("endpoint = %q, want %q", endpoint, want)
	}
}
