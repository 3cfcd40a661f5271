package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/raphacure/pdfdeploy/internal/runner"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

// AdapterDependency bridges the gateway's proxy-integration events to
// the wrapped ASGI application; the dependency manifest must declare it.
const AdapterDependency = "mangum"

// ErrValidationFailed marks a preflight failure. No mutating call may
// be issued once it is returned.
var ErrValidationFailed = errors.New("environment validation failed")

// Check is the outcome of a single preflight probe.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Report collects the checks performed, in order. Validation stops at
// the first failure, so a failed report ends with its failed check.
type Report struct {
	Checks    []Check
	AccountID string
	Identity  string
}

// Failed returns true if any check did not pass.
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return true
		}
	}
	return false
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Validator checks the local toolchain and credentials before the
// workflow issues any mutating call. All probes are read-only.
type Validator struct {
	sts    stsAPI
	runner runner.Runner
	logger *slog.Logger
}

// NewValidator creates a validator instance.
func NewValidator(stsClient stsAPI, run runner.Runner, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		sts:    stsClient,
		runner: run,
		logger: logger,
	}
}

// Validate runs all checks in order and stops at the first failure.
func (v *Validator) Validate(ctx context.Context, env *config.Environment) (*Report, error) {
	report := &Report{}

	if err := v.checkCredentials(ctx, report); err != nil {
		return report, err
	}
	if env.PackageType == config.PackageImage || hasNativeLayer(env) {
		if err := v.checkDocker(ctx, report); err != nil {
			return report, err
		}
	}
	if err := v.checkBuildInputs(report, env); err != nil {
		return report, err
	}
	if env.PackageType == config.PackageZip {
		if err := v.checkAdapterDependency(report, env); err != nil {
			return report, err
		}
	}

	v.logger.InfoContext(ctx, "environment validation passed",
		slog.Int("checks", len(report.Checks)),
		slog.String("account_id", report.AccountID),
	)
	return report, nil
}

func (v *Validator) checkCredentials(ctx context.Context, report *Report) error {
	out, err := v.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		report.Checks = append(report.Checks, Check{
			Name:   "aws credentials",
			Detail: err.Error(),
		})
		return fmt.Errorf("%w: control-plane credentials unusable: %v", ErrValidationFailed, err)
	}

	report.AccountID = aws.ToString(out.Account)
	report.Identity = aws.ToString(out.Arn)
	report.Checks = append(report.Checks, Check{
		Name:   "aws credentials",
		OK:     true,
		Detail: report.Identity,
	})
	return nil
}

func (v *Validator) checkDocker(ctx context.Context, report *Report) error {
	out, err := v.runner.Run(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		report.Checks = append(report.Checks, Check{
			Name:   "docker daemon",
			Detail: err.Error(),
		})
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrValidationFailed, err)
	}

	report.Checks = append(report.Checks, Check{
		Name:   "docker daemon",
		OK:     true,
		Detail: strings.TrimSpace(string(out)),
	})
	return nil
}

func (v *Validator) checkBuildInputs(report *Report, env *config.Environment) error {
	required := []string{
		filepath.Join(env.AppDir, env.EntryPoint),
		filepath.Join(env.AppDir, env.RequirementsFile),
	}
	if env.PackageType == config.PackageImage {
		required = append(required, filepath.Join(env.AppDir, env.Dockerfile))
	}

	for _, path := range required {
		if _, err := os.Stat(path); err != nil {
			report.Checks = append(report.Checks, Check{
				Name:   "build inputs",
				Detail: fmt.Sprintf("missing %s", path),
			})
			return fmt.Errorf("%w: required build input missing: %s", ErrValidationFailed, path)
		}
	}

	report.Checks = append(report.Checks, Check{
		Name:   "build inputs",
		OK:     true,
		Detail: fmt.Sprintf("%d files present", len(required)),
	})
	return nil
}

func (v *Validator) checkAdapterDependency(report *Report, env *config.Environment) error {
	path := filepath.Join(env.AppDir, env.RequirementsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		report.Checks = append(report.Checks, Check{
			Name:   "adapter dependency",
			Detail: err.Error(),
		})
		return fmt.Errorf("%w: cannot read dependency manifest: %v", ErrValidationFailed, err)
	}

	if !manifestDeclares(string(data), AdapterDependency) {
		report.Checks = append(report.Checks, Check{
			Name:   "adapter dependency",
			Detail: fmt.Sprintf("%s not declared in %s", AdapterDependency, env.RequirementsFile),
		})
		return fmt.Errorf("%w: dependency manifest must declare %s to bridge the gateway protocol", ErrValidationFailed, AdapterDependency)
	}

	report.Checks = append(report.Checks, Check{
		Name:   "adapter dependency",
		OK:     true,
		Detail: AdapterDependency,
	})
	return nil
}

func hasNativeLayer(env *config.Environment) bool {
	for _, layer := range env.Layers {
		if layer.Kind == config.LayerNative {
			return true
		}
	}
	return false
}

// manifestDeclares reports whether a pip requirements manifest declares
// the dependency, ignoring comments, extras and version pins.
func manifestDeclares(manifest, dep string) bool {
	for _, line := range strings.Split(manifest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<", "[", ";", " "} {
			if i := strings.Index(name, sep); i >= 0 {
				name = name[:i]
			}
		}
		if strings.EqualFold(strings.TrimSpace(name), dep) {
			return true
		}
	}
	return false
}
