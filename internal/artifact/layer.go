package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/google/uuid"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

// LayerVersion is the fully qualified result of publishing one layer.
// The deployer attaches these by ARN; nothing is threaded through
// shared files.
type LayerVersion struct {
	Name    string
	Arn     string
	Version int64
}

type lambdaLayerAPI interface {
	ListLayerVersions(ctx context.Context, params *lambda.ListLayerVersionsInput, optFns ...func(*lambda.Options)) (*lambda.ListLayerVersionsOutput, error)
	PublishLayerVersion(ctx context.Context, params *lambda.PublishLayerVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishLayerVersionOutput, error)
}

// BuildLayers builds and publishes every layer the environment
// declares, in declaration order. A layer whose content digest matches
// the latest published version is reused instead of republished,
// unless force is set.
//
// A native layer is best-effort: when its sandboxed build fails (most
// commonly because docker is unavailable) the layer is skipped with a
// warning and the deployment continues without it.
func (b *Builder) BuildLayers(ctx context.Context, env *config.Environment, force bool) ([]LayerVersion, error) {
	var versions []LayerVersion
	for _, spec := range env.Layers {
		zipPath, cleanup, err := b.buildLayerArchive(ctx, env, spec)
		if err != nil {
			if spec.Kind == config.LayerNative {
				b.logger.WarnContext(ctx, "skipping native layer, build sandbox unavailable",
					slog.String("layer", spec.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil, err
		}

		version, err := b.publishLayer(ctx, env, spec, zipPath, force)
		cleanup()
		if err != nil {
			return nil, err
		}
		versions = append(versions, *version)
	}
	return versions, nil
}

func (b *Builder) buildLayerArchive(ctx context.Context, env *config.Environment, spec config.LayerSpec) (string, func(), error) {
	staging, err := os.MkdirTemp(b.workDir, "layer-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create layer staging directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(staging) }

	tree := filepath.Join(staging, "tree")
	switch spec.Kind {
	case config.LayerDependencies:
		// The runtime resolves imports from python/ inside the layer.
		target := filepath.Join(tree, "python")
		if err := os.MkdirAll(target, 0o755); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to create layer tree: %w", err)
		}
		requirements := filepath.Join(env.AppDir, spec.Requirements)
		if err := b.pipInstall(ctx, env, requirements, target); err != nil {
			cleanup()
			return "", nil, err
		}
	case config.LayerNative:
		if err := os.MkdirAll(tree, 0o755); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to create layer tree: %w", err)
		}
		if err := b.nativeBuild(ctx, env, spec, tree); err != nil {
			cleanup()
			return "", nil, err
		}
	default:
		cleanup()
		return "", nil, fmt.Errorf("layer %q: unknown kind %q", spec.Name, spec.Kind)
	}

	zipPath := filepath.Join(staging, spec.Name+".zip")
	if err := zipTree(zipPath, tree); err != nil {
		cleanup()
		return "", nil, err
	}
	return zipPath, cleanup, nil
}

// nativeBuild runs the layer's build script inside a disposable
// container matching the target runtime image, with the output tree
// bind-mounted at /opt. The script places shared libraries under lib/
// and font configuration under fonts/, the paths the runtime searches.
func (b *Builder) nativeBuild(ctx context.Context, env *config.Environment, spec config.LayerSpec, tree string) error {
	script := filepath.Join(env.AppDir, spec.BuildScript)
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("layer %q: build script missing: %w", spec.Name, err)
	}

	image := fmt.Sprintf("public.ecr.aws/lambda/python:%s", pythonVersion(env.Runtime))
	out, err := b.runner.Run(ctx, "docker", "run", "--rm",
		"--platform", dockerPlatform(env.Architecture),
		"--entrypoint", "/bin/bash",
		"-v", tree+":/opt",
		"-v", script+":/build.sh:ro",
		image,
		"/build.sh",
	)
	if err != nil {
		return fmt.Errorf("layer %q: sandboxed build failed: %w: %s", spec.Name, err, firstLine(out))
	}
	return nil
}

// publishLayer publishes the archive as a new layer version, unless
// the latest version already carries the same content digest. The
// digest travels in the version description so reuse needs no extra
// storage.
func (b *Builder) publishLayer(ctx context.Context, env *config.Environment, spec config.LayerSpec, zipPath string, force bool) (*LayerVersion, error) {
	sha, err := fileSHA256(zipPath)
	if err != nil {
		return nil, err
	}
	layerName := env.LayerName(spec.Name)

	if !force {
		if v := b.latestMatchingVersion(ctx, layerName, sha); v != nil {
			b.logger.InfoContext(ctx, "reusing published layer version",
				slog.String("layer", layerName),
				slog.Int64("version", v.Version),
			)
			return v, nil
		}
	}

	content, err := os.ReadFile(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer archive: %w", err)
	}

	out, err := b.lambda.PublishLayerVersion(ctx, &lambda.PublishLayerVersionInput{
		LayerName:          aws.String(layerName),
		Description:        aws.String("sha256:" + sha),
		Content:            &lambdatypes.LayerVersionContentInput{ZipFile: content},
		CompatibleRuntimes: []lambdatypes.Runtime{lambdatypes.Runtime(env.Runtime)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish layer %s: %w", layerName, err)
	}

	b.logger.InfoContext(ctx, "published layer version",
		slog.String("layer", layerName),
		slog.Int64("version", out.Version),
	)
	return &LayerVersion{
		Name:    layerName,
		Arn:     aws.ToString(out.LayerVersionArn),
		Version: out.Version,
	}, nil
}

// latestMatchingVersion returns the newest published version whose
// description carries the given digest, or nil. Lookup failures fall
// through to publishing; reuse is an optimization, never a requirement.
func (b *Builder) latestMatchingVersion(ctx context.Context, layerName, sha string) *LayerVersion {
	out, err := b.lambda.ListLayerVersions(ctx, &lambda.ListLayerVersionsInput{
		LayerName: aws.String(layerName),
		MaxItems:  aws.Int32(1),
	})
	if err != nil || len(out.LayerVersions) == 0 {
		return nil
	}

	latest := out.LayerVersions[0]
	if !strings.Contains(aws.ToString(latest.Description), sha) {
		return nil
	}
	return &LayerVersion{
		Name:    layerName,
		Arn:     aws.ToString(latest.LayerVersionArn),
		Version: latest.Version,
	}
}

func dockerPlatform(arch string) string {
	if arch == "arm64" {
		return "linux/arm64"
	}
	return "linux/amd64"
}
