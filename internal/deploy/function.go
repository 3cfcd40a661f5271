package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/raphacure/pdfdeploy/internal/artifact"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

type lambdaAPI interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
}

// Deployer converges the function onto the desired state: create when
// absent, otherwise update code and configuration as two separate,
// independently retryable operations.
type Deployer struct {
	client lambdaAPI
	logger *slog.Logger

	// createRetries/retryDelay bound the create retry while a freshly
	// created role propagates.
	createRetries int
	retryDelay    time.Duration
	waitBudget    time.Duration
}

// NewDeployer creates a function deployer.
func NewDeployer(client lambdaAPI, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		client:        client,
		logger:        logger,
		createRetries: 6,
		retryDelay:    5 * time.Second,
		waitBudget:    3 * time.Minute,
	}
}

// Deploy creates or updates the function and returns its ARN. The
// envVars map carries fully resolved values; secret references must be
// expanded before this call so no reference syntax reaches the
// function configuration.
func (d *Deployer) Deploy(ctx context.Context, env *config.Environment, art *artifact.Artifact, roleArn string, layers []artifact.LayerVersion, envVars map[string]string) (string, error) {
	out, err := d.client.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(env.FunctionName),
	})
	if err == nil {
		return d.update(ctx, env, out, art, layers, envVars)
	}

	var notFound *lambdatypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("failed to look up function %s: %w", env.FunctionName, err)
	}
	return d.create(ctx, env, art, roleArn, layers, envVars)
}

func (d *Deployer) create(ctx context.Context, env *config.Environment, art *artifact.Artifact, roleArn string, layers []artifact.LayerVersion, envVars map[string]string) (string, error) {
	input := &lambda.CreateFunctionInput{
		FunctionName:  aws.String(env.FunctionName),
		Role:          aws.String(roleArn),
		Timeout:       aws.Int32(env.TimeoutSeconds),
		MemorySize:    aws.Int32(env.MemoryMB),
		Architectures: []lambdatypes.Architecture{architecture(env.Architecture)},
		Environment:   &lambdatypes.Environment{Variables: envVars},
	}

	switch art.Kind {
	case artifact.KindImageURI:
		input.PackageType = lambdatypes.PackageTypeImage
		input.Code = &lambdatypes.FunctionCode{ImageUri: aws.String(art.ImageURI)}
	default:
		input.PackageType = lambdatypes.PackageTypeZip
		input.Runtime = lambdatypes.Runtime(env.Runtime)
		input.Handler = aws.String(env.Handler)
		input.Layers = layerArns(layers)
		code, err := codeReference(art)
		if err != nil {
			return "", err
		}
		input.Code = code
	}

	// Retry while a freshly created role propagates; everything else
	// surfaces immediately.
	var out *lambda.CreateFunctionOutput
	var err error
	for attempt := 0; attempt <= d.createRetries; attempt++ {
		out, err = d.client.CreateFunction(ctx, input)
		if err == nil {
			break
		}
		err = Classify(err)
		if !errors.Is(err, ErrRoleNotAssumable) {
			return "", fmt.Errorf("failed to create function %s: %w", env.FunctionName, err)
		}

		d.logger.InfoContext(ctx, "waiting for role to become assumable",
			slog.String("function", env.FunctionName),
			slog.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.retryDelay):
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to create function %s: %w", env.FunctionName, err)
	}

	d.logger.InfoContext(ctx, "created function", slog.String("function", env.FunctionName))

	waiter := lambda.NewFunctionActiveV2Waiter(d.client)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(env.FunctionName)}, d.waitBudget); err != nil {
		return "", fmt.Errorf("function %s did not become active: %w", env.FunctionName, err)
	}
	return aws.ToString(out.FunctionArn), nil
}

func (d *Deployer) update(ctx context.Context, env *config.Environment, current *lambda.GetFunctionOutput, art *artifact.Artifact, layers []artifact.LayerVersion, envVars map[string]string) (string, error) {
	arn := aws.ToString(current.Configuration.FunctionArn)

	if codeChanged(current, art) {
		if err := d.updateCode(ctx, env, art); err != nil {
			return "", err
		}
	} else {
		d.logger.InfoContext(ctx, "code unchanged, skipping code update",
			slog.String("function", env.FunctionName),
		)
	}

	if configChanged(current.Configuration, env, layers, envVars) {
		if err := d.updateConfiguration(ctx, env, art, layers, envVars); err != nil {
			return "", err
		}
	} else {
		d.logger.InfoContext(ctx, "configuration unchanged, skipping config update",
			slog.String("function", env.FunctionName),
		)
	}
	return arn, nil
}

func (d *Deployer) updateCode(ctx context.Context, env *config.Environment, art *artifact.Artifact) error {
	input := &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(env.FunctionName),
	}
	switch art.Kind {
	case artifact.KindImageURI:
		input.ImageUri = aws.String(art.ImageURI)
	case artifact.KindS3:
		input.S3Bucket = aws.String(art.S3Bucket)
		input.S3Key = aws.String(art.S3Key)
	default:
		content, err := os.ReadFile(art.ZipPath)
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}
		input.ZipFile = content
	}

	if _, err := d.client.UpdateFunctionCode(ctx, input); err != nil {
		return fmt.Errorf("failed to update function code: %w", Classify(err))
	}
	if err := d.waitUpdated(ctx, env.FunctionName); err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "updated function code",
		slog.String("function", env.FunctionName),
		slog.String("sha256", art.SHA256),
	)
	return nil
}

func (d *Deployer) updateConfiguration(ctx context.Context, env *config.Environment, art *artifact.Artifact, layers []artifact.LayerVersion, envVars map[string]string) error {
	input := &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(env.FunctionName),
		Timeout:      aws.Int32(env.TimeoutSeconds),
		MemorySize:   aws.Int32(env.MemoryMB),
		Environment:  &lambdatypes.Environment{Variables: envVars},
	}
	if art.Kind != artifact.KindImageURI {
		input.Runtime = lambdatypes.Runtime(env.Runtime)
		input.Handler = aws.String(env.Handler)
		input.Layers = layerArns(layers)
	}

	if _, err := d.client.UpdateFunctionConfiguration(ctx, input); err != nil {
		return fmt.Errorf("failed to update function configuration: %w", Classify(err))
	}
	if err := d.waitUpdated(ctx, env.FunctionName); err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "updated function configuration",
		slog.String("function", env.FunctionName),
	)
	return nil
}

func (d *Deployer) waitUpdated(ctx context.Context, functionName string) error {
	waiter := lambda.NewFunctionUpdatedV2Waiter(d.client)
	if err := waiter.Wait(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(functionName)}, d.waitBudget); err != nil {
		return fmt.Errorf("function %s update did not settle: %w", functionName, err)
	}
	return nil
}

// codeReference builds the create-time code reference for a bundle
// artifact, inline or through the deployment bucket.
func codeReference(art *artifact.Artifact) (*lambdatypes.FunctionCode, error) {
	if art.Kind == artifact.KindS3 {
		return &lambdatypes.FunctionCode{
			S3Bucket: aws.String(art.S3Bucket),
			S3Key:    aws.String(art.S3Key),
		}, nil
	}
	content, err := os.ReadFile(art.ZipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}
	return &lambdatypes.FunctionCode{ZipFile: content}, nil
}

// codeChanged reports whether the artifact differs from the deployed
// code. Bundles are compared by content digest; image and
// bucket-staged references always count as changed because the
// deployed digest is not observable before the update.
func codeChanged(current *lambda.GetFunctionOutput, art *artifact.Artifact) bool {
	if art.Kind != artifact.KindZip {
		return true
	}
	deployed := aws.ToString(current.Configuration.CodeSha256)
	local, err := codeSHA256Base64(art.ZipPath)
	if err != nil {
		return true
	}
	return deployed != local
}

// codeSHA256Base64 digests the bundle the way the control plane
// reports CodeSha256: base64 of the raw sha256.
func codeSHA256Base64(zipPath string) (string, error) {
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func configChanged(current *lambdatypes.FunctionConfiguration, env *config.Environment, layers []artifact.LayerVersion, envVars map[string]string) bool {
	if aws.ToInt32(current.Timeout) != env.TimeoutSeconds {
		return true
	}
	if aws.ToInt32(current.MemorySize) != env.MemoryMB {
		return true
	}
	if !envVarsEqual(current, envVars) {
		return true
	}
	return !layersEqual(current.Layers, layers)
}

func envVarsEqual(current *lambdatypes.FunctionConfiguration, want map[string]string) bool {
	var got map[string]string
	if current.Environment != nil {
		got = current.Environment.Variables
	}
	if len(got) != len(want) {
		return false
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// layersEqual compares attached layers by ordered ARN; the deployer
// always attaches the exact versions the builder returned.
func layersEqual(current []lambdatypes.Layer, want []artifact.LayerVersion) bool {
	if len(current) != len(want) {
		return false
	}
	for i, layer := range want {
		if aws.ToString(current[i].Arn) != layer.Arn {
			return false
		}
	}
	return true
}

func layerArns(layers []artifact.LayerVersion) []string {
	arns := make([]string, 0, len(layers))
	for _, l := range layers {
		arns = append(arns, l.Arn)
	}
	return arns
}

func architecture(arch string) lambdatypes.Architecture {
	if arch == "arm64" {
		return lambdatypes.ArchitectureArm64
	}
	return lambdatypes.ArchitectureX8664
}
