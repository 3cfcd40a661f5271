package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

type fakeECR struct {
	repos       map[string]string // name -> uri
	createCalls int
}

func newFakeECR() *fakeECR {
	return &fakeECR{repos: map[string]string{}}
}

func (f *fakeECR) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	name := params.RepositoryNames[0]
	uri, ok := f.repos[name]
	if !ok {
		return nil, &ecrtypes.RepositoryNotFoundException{}
	}
	return &ecr.DescribeRepositoriesOutput{
		Repositories: []ecrtypes.Repository{{RepositoryUri: aws.String(uri)}},
	}, nil
}

func (f *fakeECR) CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	f.createCalls++
	name := aws.ToString(params.RepositoryName)
	uri := "123456789012.dkr.ecr.ap-south-1.amazonaws.com/" + name
	f.repos[name] = uri
	return &ecr.CreateRepositoryOutput{
		Repository: &ecrtypes.Repository{RepositoryUri: aws.String(uri)},
	}, nil
}

func (f *fakeECR) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	token := base64.StdEncoding.EncodeToString([]byte("AWS:registry-password"))
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(token)}},
	}, nil
}

func imageEnv(t *testing.T) *config.Environment {
	t.Helper()
	env := bundleEnv(t)
	env.PackageType = config.PackageImage
	env.Dockerfile = "Dockerfile"
	writeFile(t, filepath.Join(env.AppDir, "Dockerfile"), "FROM public.ecr.aws/lambda/python:3.12\n")
	return env
}

// inspectArch makes the fake runner answer docker inspect with the
// given architecture and succeed everything else.
func inspectArch(arch string) func(string, []string) ([]byte, error) {
	return func(name string, args []string) ([]byte, error) {
		if name == "docker" && len(args) > 0 && args[0] == "inspect" {
			return []byte(arch + "\n"), nil
		}
		return nil, nil
	}
}

func TestBuildImagePushes(t *testing.T) {
	env := imageEnv(t)
	run := &fakeRunner{handle: inspectArch("amd64")}
	ecrFake := newFakeECR()
	b := NewBuilder(run, nil, nil, ecrFake, nil)

	art, err := b.BuildImage(context.Background(), env)
	if err != nil {
		t.Fatalf("BuildImage() error = %v", err)
	}

	wantURI := "123456789012.dkr.ecr.ap-south-1.amazonaws.com/pdf-generation-service-staging:staging"
	if art.ImageURI != wantURI {
		t.Errorf("ImageURI = %q, want %q", art.ImageURI, wantURI)
	}
	if art.Kind != KindImageURI {
		t.Errorf("Kind = %q, want %q", art.Kind, KindImageURI)
	}
	if ecrFake.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", ecrFake.createCalls)
	}

	lines := run.commandLines()
	var sawBuild, sawLogin, sawPush bool
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "docker build"):
			sawBuild = true
			if !strings.Contains(line, "--platform linux/amd64") {
				t.Errorf("build missing platform pin: %q", line)
			}
		case strings.HasPrefix(line, "docker login"):
			sawLogin = true
			if !strings.Contains(line, "--password-stdin") {
				t.Errorf("login must read the password from stdin: %q", line)
			}
			if strings.Contains(line, "registry-password") {
				t.Errorf("password leaked into argv: %q", line)
			}
		case strings.HasPrefix(line, "docker push"):
			sawPush = true
		}
	}
	if !sawBuild || !sawLogin || !sawPush {
		t.Errorf("missing docker steps in %v", lines)
	}
	if len(run.stdins) != 1 || run.stdins[0] != "registry-password" {
		t.Errorf("stdin payloads = %v", run.stdins)
	}
}

func TestBuildImageReusesRepository(t *testing.T) {
	env := imageEnv(t)
	ecrFake := newFakeECR()
	ecrFake.repos[env.RepositoryName()] = "123456789012.dkr.ecr.ap-south-1.amazonaws.com/" + env.RepositoryName()

	b := NewBuilder(&fakeRunner{handle: inspectArch("amd64")}, nil, nil, ecrFake, nil)
	if _, err := b.BuildImage(context.Background(), env); err != nil {
		t.Fatalf("BuildImage() error = %v", err)
	}
	if ecrFake.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", ecrFake.createCalls)
	}
}

func TestBuildImageArchitectureMismatch(t *testing.T) {
	env := imageEnv(t)
	run := &fakeRunner{handle: inspectArch("arm64")}
	b := NewBuilder(run, nil, nil, newFakeECR(), nil)

	_, err := b.BuildImage(context.Background(), env)
	if !errors.Is(err, ErrArchitectureMismatch) {
		t.Fatalf("BuildImage() error = %v, want ErrArchitectureMismatch", err)
	}

	// A mismatched image must never be pushed.
	for _, line := range run.commandLines() {
		if strings.HasPrefix(line, "docker push") {
			t.Error("mismatched image was pushed")
		}
	}
}

func TestBuildImageBuildFailure(t *testing.T) {
	env := imageEnv(t)
	run := &fakeRunner{handle: func(name string, args []string) ([]byte, error) {
		if name == "docker" && len(args) > 0 && args[0] == "build" {
			return []byte("step 3/7 failed\n"), errors.New("exit status 1")
		}
		return nil, nil
	}}
	b := NewBuilder(run, nil, nil, newFakeECR(), nil)

	if _, err := b.BuildImage(context.Background(), env); err == nil {
		t.Fatal("BuildImage() expected error, got nil")
	}
}
