// Package artifact builds deployable units: dependency-bundled code
// archives, published layers and pushed container images.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/raphacure/pdfdeploy/internal/runner"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

// DirectUploadLimit is the largest bundle accepted by the function
// control plane in a single request. Bigger bundles are staged through
// the deployment bucket instead.
const DirectUploadLimit = 50 * 1024 * 1024

// ErrArtifactTooLarge is returned when a bundle exceeds the direct
// upload limit and no deployment bucket is configured to stage it.
var ErrArtifactTooLarge = errors.New("bundle exceeds direct upload limit")

// Kind tells the deployer how to reference the artifact.
type Kind string

const (
	KindZip      Kind = "zip"
	KindS3       Kind = "s3"
	KindImageURI Kind = "image"
)

// Artifact is a built deployable unit. Exactly one reference form is
// populated depending on Kind.
type Artifact struct {
	Kind     Kind
	ZipPath  string
	S3Bucket string
	S3Key    string
	ImageURI string
	SHA256   string
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Builder produces artifacts for one environment. Staging directories
// and intermediate archives are always removed, on success and on
// failure alike.
type Builder struct {
	runner runner.Runner
	s3     s3API
	lambda lambdaLayerAPI
	ecr    ecrAPI
	logger *slog.Logger

	// workDir receives staging trees; defaults to the system temp dir.
	workDir string
}

// NewBuilder creates a builder. The s3, lambda and ecr clients are
// only used by the variants that need them and may be nil in tests of
// the other variants.
func NewBuilder(run runner.Runner, s3Client s3API, lambdaClient lambdaLayerAPI, ecrClient ecrAPI, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		runner:  run,
		s3:      s3Client,
		lambda:  lambdaClient,
		ecr:     ecrClient,
		logger:  logger,
		workDir: os.TempDir(),
	}
}

// BuildBundle stages the application tree, installs its dependencies
// runtime-matched into the same tree, and compresses it. Oversized
// bundles are uploaded to the deployment bucket and referenced by key;
// without a bucket they are a fatal mismatch.
//
// The returned cleanup function removes the staging tree and the
// archive; callers must invoke it after the artifact has been consumed.
func (b *Builder) BuildBundle(ctx context.Context, env *config.Environment) (*Artifact, func(), error) {
	staging, err := os.MkdirTemp(b.workDir, "bundle-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(staging) }

	b.logger.InfoContext(ctx, "staging bundle",
		slog.String("app_dir", env.AppDir),
		slog.String("staging", staging),
	)

	tree := filepath.Join(staging, "tree")
	if err := os.MkdirAll(tree, 0o755); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create staging tree: %w", err)
	}
	if err := copyTree(tree, env.AppDir); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to copy application tree: %w", err)
	}

	if err := b.pipInstall(ctx, env, filepath.Join(env.AppDir, env.RequirementsFile), tree); err != nil {
		cleanup()
		return nil, nil, err
	}

	zipPath := filepath.Join(staging, "bundle.zip")
	if err := zipTree(zipPath, tree); err != nil {
		cleanup()
		return nil, nil, err
	}

	sha, err := fileSHA256(zipPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to stat bundle: %w", err)
	}

	b.logger.InfoContext(ctx, "bundle built",
		slog.Int64("size_bytes", info.Size()),
		slog.String("sha256", sha),
	)

	if info.Size() <= DirectUploadLimit {
		return &Artifact{Kind: KindZip, ZipPath: zipPath, SHA256: sha}, cleanup, nil
	}

	if env.DeploymentBucket == "" {
		cleanup()
		return nil, nil, fmt.Errorf("%w: %d bytes and no deployment_bucket configured", ErrArtifactTooLarge, info.Size())
	}

	key := env.BundleKey(sha)
	if err := b.uploadBundle(ctx, env.DeploymentBucket, key, zipPath); err != nil {
		cleanup()
		return nil, nil, err
	}
	return &Artifact{Kind: KindS3, S3Bucket: env.DeploymentBucket, S3Key: key, SHA256: sha}, cleanup, nil
}

// pipInstall materializes third-party dependencies into targetDir,
// matched to the target platform and runtime version.
func (b *Builder) pipInstall(ctx context.Context, env *config.Environment, requirements, targetDir string) error {
	args := []string{
		"install",
		"-r", requirements,
		"-t", targetDir,
		"--platform", pipPlatform(env.Architecture),
		"--python-version", pythonVersion(env.Runtime),
		"--only-binary", ":all:",
		"--upgrade",
	}
	if out, err := b.runner.Run(ctx, "pip", args...); err != nil {
		return fmt.Errorf("failed to install dependencies: %w: %s", err, firstLine(out))
	}
	return nil
}

func (b *Builder) uploadBundle(ctx context.Context, bucket, key, zipPath string) error {
	f, err := os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open bundle for upload: %w", err)
	}
	defer f.Close()

	_, err = b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle to s3://%s/%s: %w", bucket, key, err)
	}

	b.logger.InfoContext(ctx, "bundle staged through deployment bucket",
		slog.String("bucket", bucket),
		slog.String("key", key),
	)
	return nil
}

// pipPlatform maps the function architecture to pip's manylinux tag.
func pipPlatform(arch string) string {
	if arch == "arm64" {
		return "manylinux2014_aarch64"
	}
	return "manylinux2014_x86_64"
}

// pythonVersion strips the runtime prefix: "python3.12" -> "3.12".
func pythonVersion(runtime string) string {
	const prefix = "python"
	if len(runtime) > len(prefix) && runtime[:len(prefix)] == prefix {
		return runtime[len(prefix):]
	}
	return runtime
}

func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}
