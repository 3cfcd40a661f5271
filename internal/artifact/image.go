package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

// ErrArchitectureMismatch is returned when the built image's
// architecture differs from the deployment runtime's architecture. It
// is the most common failure in the image path and must be actionable.
var ErrArchitectureMismatch = errors.New("image architecture does not match function architecture")

type ecrAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// BuildImage builds the container image from the environment's build
// file, verifies its architecture against the runtime, and pushes it
// to the registry under the deterministic repository name. The pushed
// tag is mutable; a re-push overwrites it.
func (b *Builder) BuildImage(ctx context.Context, env *config.Environment) (*Artifact, error) {
	repoURI, err := b.ensureRepository(ctx, env.RepositoryName())
	if err != nil {
		return nil, err
	}
	imageURI := repoURI + ":" + env.StageName

	b.logger.InfoContext(ctx, "building image",
		slog.String("image", imageURI),
		slog.String("platform", dockerPlatform(env.Architecture)),
	)

	out, err := b.runner.Run(ctx, "docker", "build",
		"--platform", dockerPlatform(env.Architecture),
		"-t", imageURI,
		"-f", filepath.Join(env.AppDir, env.Dockerfile),
		env.AppDir,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w: %s", err, firstLine(out))
	}

	if err := b.verifyArchitecture(ctx, imageURI, env.Architecture); err != nil {
		return nil, err
	}
	if err := b.registryLogin(ctx, repoURI); err != nil {
		return nil, err
	}

	if out, err := b.runner.Run(ctx, "docker", "push", imageURI); err != nil {
		return nil, fmt.Errorf("failed to push image: %w: %s", err, firstLine(out))
	}

	b.logger.InfoContext(ctx, "image pushed", slog.String("image", imageURI))
	return &Artifact{Kind: KindImageURI, ImageURI: imageURI}, nil
}

// ensureRepository looks the repository up by name and creates it when
// absent, returning its URI.
func (b *Builder) ensureRepository(ctx context.Context, name string) (string, error) {
	out, err := b.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil && len(out.Repositories) > 0 {
		return aws.ToString(out.Repositories[0].RepositoryUri), nil
	}

	var notFound *ecrtypes.RepositoryNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return "", fmt.Errorf("failed to look up repository %s: %w", name, err)
	}

	created, err := b.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create repository %s: %w", name, err)
	}

	b.logger.InfoContext(ctx, "created repository", slog.String("repository", name))
	return aws.ToString(created.Repository.RepositoryUri), nil
}

// verifyArchitecture inspects the built image and rejects a
// cross-architecture build before anything is pushed.
func (b *Builder) verifyArchitecture(ctx context.Context, imageURI, arch string) error {
	out, err := b.runner.Run(ctx, "docker", "inspect", "--format", "{{.Architecture}}", imageURI)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", imageURI, err)
	}

	got := strings.TrimSpace(string(out))
	want := "amd64"
	if arch == "arm64" {
		want = "arm64"
	}
	if got != want {
		return fmt.Errorf("%w: image is %s, function is %s; rebuild with --platform %s",
			ErrArchitectureMismatch, got, arch, dockerPlatform(arch))
	}
	return nil
}

// registryLogin exchanges a registry authorization token for a docker
// login, with the password fed over stdin so it never reaches argv.
func (b *Builder) registryLogin(ctx context.Context, repoURI string) error {
	out, err := b.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return fmt.Errorf("failed to get registry token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return fmt.Errorf("registry returned no authorization data")
	}

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return fmt.Errorf("failed to decode registry token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return fmt.Errorf("malformed registry token")
	}

	registry := repoURI
	if i := strings.IndexByte(registry, '/'); i >= 0 {
		registry = registry[:i]
	}

	if out, err := b.runner.RunWithStdin(ctx, strings.NewReader(password),
		"docker", "login", "--username", user, "--password-stdin", registry); err != nil {
		return fmt.Errorf("failed to log in to registry %s: %w: %s", registry, err, firstLine(out))
	}
	return nil
}
