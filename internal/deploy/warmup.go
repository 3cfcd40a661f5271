package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedulertypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

type schedulerAPI interface {
	GetSchedule(ctx context.Context, params *scheduler.GetScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.GetScheduleOutput, error)
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, params *scheduler.UpdateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
}

// Warmup manages the optional keep-warm schedule that invokes the
// function on a fixed rate to limit cold starts.
type Warmup struct {
	client schedulerAPI
	logger *slog.Logger
}

// NewWarmup creates a warmup manager.
func NewWarmup(client schedulerAPI, logger *slog.Logger) *Warmup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmup{client: client, logger: logger}
}

// Ensure converges the schedule onto the environment's keep-warm
// configuration: upsert by name when enabled, remove when disabled.
func (w *Warmup) Ensure(ctx context.Context, env *config.Environment, functionArn, warmupRoleArn string) error {
	name := env.WarmupScheduleName()

	_, err := w.client.GetSchedule(ctx, &scheduler.GetScheduleInput{Name: aws.String(name)})
	exists := err == nil
	if err != nil {
		var notFound *schedulertypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to look up schedule %s: %w", name, err)
		}
	}

	if !env.KeepWarm.Enabled {
		if !exists {
			return nil
		}
		if _, err := w.client.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{Name: aws.String(name)}); err != nil {
			return fmt.Errorf("failed to delete schedule %s: %w", name, err)
		}
		w.logger.InfoContext(ctx, "removed keep-warm schedule", slog.String("schedule", name))
		return nil
	}

	target := &schedulertypes.Target{
		Arn:     aws.String(functionArn),
		RoleArn: aws.String(warmupRoleArn),
		Input:   aws.String(`{"warmup": true}`),
	}
	window := &schedulertypes.FlexibleTimeWindow{Mode: schedulertypes.FlexibleTimeWindowModeOff}

	if exists {
		_, err = w.client.UpdateSchedule(ctx, &scheduler.UpdateScheduleInput{
			Name:               aws.String(name),
			ScheduleExpression: aws.String(env.KeepWarm.Rate),
			Target:             target,
			FlexibleTimeWindow: window,
		})
		if err != nil {
			return fmt.Errorf("failed to update schedule %s: %w", name, err)
		}
		w.logger.InfoContext(ctx, "updated keep-warm schedule",
			slog.String("schedule", name),
			slog.String("rate", env.KeepWarm.Rate),
		)
		return nil
	}

	_, err = w.client.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:               aws.String(name),
		ScheduleExpression: aws.String(env.KeepWarm.Rate),
		Target:             target,
		FlexibleTimeWindow: window,
	})
	if err != nil {
		return fmt.Errorf("failed to create schedule %s: %w", name, err)
	}

	w.logger.InfoContext(ctx, "created keep-warm schedule",
		slog.String("schedule", name),
		slog.String("rate", env.KeepWarm.Rate),
	)
	return nil
}
