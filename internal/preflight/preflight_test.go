package preflight

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

type fakeSTS struct {
	err   error
	calls int
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:iam::123456789012:user/deployer"),
	}, nil
}

type fakeRunner struct {
	err   error
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return []byte("27.0.1\n"), nil
}

func (f *fakeRunner) RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	return f.Run(ctx, name, args...)
}

func testEnv(t *testing.T, requirements string) *config.Environment {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lambda_handler.py"), "handler = None\n")
	writeFile(t, filepath.Join(dir, "requirements.txt"), requirements)

	env := &config.Environment{
		Name:             "staging",
		FunctionName:     "pdf-generation-service-staging",
		PackageType:      config.PackageZip,
		AppDir:           dir,
		EntryPoint:       "lambda_handler.py",
		RequirementsFile: "requirements.txt",
		Dockerfile:       "Dockerfile",
	}
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidatePasses(t *testing.T) {
	env := testEnv(t, "fastapi==0.111.0\nmangum>=0.17\nweasyprint\n")
	v := NewValidator(&fakeSTS{}, &fakeRunner{}, nil)

	report, err := v.Validate(context.Background(), env)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if report.Failed() {
		t.Error("report.Failed() = true, want false")
	}
	if report.AccountID != "123456789012" {
		t.Errorf("AccountID = %q", report.AccountID)
	}
	// Zip variant with no native layers never touches docker.
	if len(report.Checks) != 3 {
		t.Errorf("len(Checks) = %d, want 3", len(report.Checks))
	}
}

func TestValidateBadCredentials(t *testing.T) {
	env := testEnv(t, "mangum\n")
	run := &fakeRunner{}
	v := NewValidator(&fakeSTS{err: errors.New("expired token")}, run, nil)

	report, err := v.Validate(context.Background(), env)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
	}
	if !report.Failed() {
		t.Error("report.Failed() = false, want true")
	}
	// Nothing past the failed check may run.
	if len(run.calls) != 0 {
		t.Errorf("runner invoked %d times after credential failure", len(run.calls))
	}
}

func TestValidateMissingAdapter(t *testing.T) {
	env := testEnv(t, "fastapi==0.111.0\nweasyprint\n")
	v := NewValidator(&fakeSTS{}, &fakeRunner{}, nil)

	_, err := v.Validate(context.Background(), env)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
	}
}

func TestValidateMissingEntryPoint(t *testing.T) {
	env := testEnv(t, "mangum\n")
	env.EntryPoint = "missing.py"
	v := NewValidator(&fakeSTS{}, &fakeRunner{}, nil)

	_, err := v.Validate(context.Background(), env)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
	}
}

func TestValidateDockerOnlyForImageBuilds(t *testing.T) {
	env := testEnv(t, "mangum\n")
	writeFile(t, filepath.Join(env.AppDir, "Dockerfile"), "FROM public.ecr.aws/lambda/python:3.12\n")
	env.PackageType = config.PackageImage

	run := &fakeRunner{}
	v := NewValidator(&fakeSTS{}, run, nil)

	if _, err := v.Validate(context.Background(), env); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(run.calls) != 1 {
		t.Fatalf("runner invoked %d times, want 1", len(run.calls))
	}
	if run.calls[0][0] != "docker" {
		t.Errorf("command = %q, want docker", run.calls[0][0])
	}
}

func TestValidateDockerUnreachable(t *testing.T) {
	env := testEnv(t, "mangum\n")
	env.Layers = []config.LayerSpec{{Name: "weasyprint", Kind: config.LayerNative}}

	v := NewValidator(&fakeSTS{}, &fakeRunner{err: errors.New("cannot connect to the docker daemon")}, nil)

	_, err := v.Validate(context.Background(), env)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
	}
}

func TestManifestDeclares(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     bool
	}{
		{"exact", "mangum\n", true},
		{"pinned", "mangum==0.17.0\n", true},
		{"ranged", "mangum>=0.15,<1\n", true},
		{"extras", "mangum[full]\n", true},
		{"case insensitive", "Mangum\n", true},
		{"comment only", "# mangum\n", false},
		{"substring of other package", "mangum-utils\n", false},
		{"absent", "fastapi\nweasyprint\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := manifestDeclares(tt.manifest, AdapterDependency); got != tt.want {
				t.Errorf("manifestDeclares() = %v, want %v", got, tt.want)
			}
		})
	}
}
