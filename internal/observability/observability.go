// Package observability provisions the monitoring surface of one
// environment: log group, dashboard, alarms, notification channel,
// saved queries and tracing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/raphacure/pdfdeploy/pkg/config"
)

type cloudwatchAPI interface {
	PutDashboard(ctx context.Context, params *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
	PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error)
}

type logsAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DescribeQueryDefinitions(ctx context.Context, params *cloudwatchlogs.DescribeQueryDefinitionsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeQueryDefinitionsOutput, error)
	PutQueryDefinition(ctx context.Context, params *cloudwatchlogs.PutQueryDefinitionInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutQueryDefinitionOutput, error)
}

type snsAPI interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

type tracingAPI interface {
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
}

// Provisioner applies the monitoring surface. Dashboard and alarms are
// replaced by name on every run; nothing is merged.
type Provisioner struct {
	cw     cloudwatchAPI
	logs   logsAPI
	sns    snsAPI
	lambda tracingAPI
	logger *slog.Logger
}

// NewProvisioner creates an observability provisioner.
func NewProvisioner(cw cloudwatchAPI, logs logsAPI, snsClient snsAPI, lambdaClient tracingAPI, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		cw:     cw,
		logs:   logs,
		sns:    snsClient,
		lambda: lambdaClient,
		logger: logger,
	}
}

// EnsureLogGroup creates the function's log group when absent and
// applies the configured retention. Running before function creation
// keeps the managed runtime from creating an unbounded-retention group.
func (p *Provisioner) EnsureLogGroup(ctx context.Context, env *config.Environment) error {
	name := env.LogGroupName()

	out, err := p.logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to list log groups: %w", err)
	}

	exists := false
	for _, group := range out.LogGroups {
		if aws.ToString(group.LogGroupName) == name {
			exists = true
			break
		}
	}
	if !exists {
		if _, err := p.logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(name),
		}); err != nil {
			return fmt.Errorf("failed to create log group %s: %w", name, err)
		}
		p.logger.InfoContext(ctx, "created log group", slog.String("log_group", name))
	}

	if _, err := p.logs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(name),
		RetentionInDays: aws.Int32(env.LogRetentionDays),
	}); err != nil {
		return fmt.Errorf("failed to set retention on %s: %w", name, err)
	}
	return nil
}

// EnsureDashboard replaces the environment's dashboard by name.
func (p *Provisioner) EnsureDashboard(ctx context.Context, env *config.Environment, apiID string) error {
	body, err := dashboardJSON(env.Region, env.FunctionName, apiID, env.LogGroupName())
	if err != nil {
		return err
	}

	if _, err := p.cw.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(env.DashboardName()),
		DashboardBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("failed to put dashboard %s: %w", env.DashboardName(), err)
	}

	p.logger.InfoContext(ctx, "dashboard applied", slog.String("dashboard", env.DashboardName()))
	return nil
}

// EnsureNotificationChannel creates or reuses the alerting topic. When
// an address is supplied it is subscribed; the subscription only
// delivers after the recipient confirms out of band, so a missing
// address means alarms fire into an unsubscribed topic.
func (p *Provisioner) EnsureNotificationChannel(ctx context.Context, env *config.Environment, address string) (string, error) {
	// CreateTopic is an upsert by name on the platform side.
	out, err := p.sns.CreateTopic(ctx, &sns.CreateTopicInput{
		Name: aws.String(env.TopicName()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create topic %s: %w", env.TopicName(), err)
	}
	topicArn := aws.ToString(out.TopicArn)

	if address == "" {
		p.logger.WarnContext(ctx, "no notification address supplied, no alerts will be delivered",
			slog.String("topic", env.TopicName()),
		)
		return topicArn, nil
	}

	if _, err := p.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String("email"),
		Endpoint: aws.String(address),
	}); err != nil {
		return "", fmt.Errorf("failed to subscribe %s: %w", address, err)
	}

	p.logger.InfoContext(ctx, "subscription created, pending confirmation",
		slog.String("topic", env.TopicName()),
		slog.String("address", address),
	)
	return topicArn, nil
}

// alarmSpec is one (metric, statistic, threshold) tuple; the alarm
// name derives from the environment so re-runs update in place.
type alarmSpec struct {
	suffix     string
	namespace  string
	metric     string
	dimensions []cwtypes.Dimension
	statistic  cwtypes.Statistic
	threshold  float64
	periods    int32
	comparison cwtypes.ComparisonOperator
}

// CreateAlarms applies the standard alarm set: function errors,
// throttles, high duration, and gateway server errors.
func (p *Provisioner) CreateAlarms(ctx context.Context, env *config.Environment, apiID, topicArn string) error {
	functionDim := []cwtypes.Dimension{{
		Name:  aws.String("FunctionName"),
		Value: aws.String(env.FunctionName),
	}}
	apiDim := []cwtypes.Dimension{{
		Name:  aws.String("ApiId"),
		Value: aws.String(apiID),
	}}

	// Duration alarms at 80% of the configured timeout.
	durationThreshold := float64(env.TimeoutSeconds) * 1000 * 0.8

	specs := []alarmSpec{
		{"errors", "AWS/Lambda", "Errors", functionDim, cwtypes.StatisticSum, 1, 1, cwtypes.ComparisonOperatorGreaterThanOrEqualToThreshold},
		{"throttles", "AWS/Lambda", "Throttles", functionDim, cwtypes.StatisticSum, 1, 1, cwtypes.ComparisonOperatorGreaterThanOrEqualToThreshold},
		{"duration", "AWS/Lambda", "Duration", functionDim, cwtypes.StatisticAverage, durationThreshold, 3, cwtypes.ComparisonOperatorGreaterThanThreshold},
		{"api-5xx", "AWS/ApiGateway", "5xx", apiDim, cwtypes.StatisticSum, 1, 1, cwtypes.ComparisonOperatorGreaterThanOrEqualToThreshold},
	}

	for _, spec := range specs {
		name := env.AlarmName(spec.suffix)
		_, err := p.cw.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
			AlarmName:          aws.String(name),
			Namespace:          aws.String(spec.namespace),
			MetricName:         aws.String(spec.metric),
			Dimensions:         spec.dimensions,
			Statistic:          spec.statistic,
			Period:             aws.Int32(300),
			Threshold:          aws.Float64(spec.threshold),
			ComparisonOperator: spec.comparison,
			EvaluationPeriods:  aws.Int32(spec.periods),
			AlarmActions:       []string{topicArn},
			TreatMissingData:   aws.String("notBreaching"),
		})
		if err != nil {
			return fmt.Errorf("failed to put alarm %s: %w", name, err)
		}
	}

	p.logger.InfoContext(ctx, "alarms applied",
		slog.Int("count", len(specs)),
		slog.String("function", env.FunctionName),
	)
	return nil
}

// RegisterSavedQueries upserts the log-insights queries operators
// reach for first during an incident.
func (p *Provisioner) RegisterSavedQueries(ctx context.Context, env *config.Environment) error {
	queries := map[string]string{
		env.FunctionName + "/errors":        "fields @timestamp, @message | filter @message like /ERROR|Traceback/ | sort @timestamp desc | limit 100",
		env.FunctionName + "/cold-starts":   "filter @type = \"REPORT\" | filter @message like /Init Duration/ | stats count() by bin(1h)",
		env.FunctionName + "/slow-requests": "filter @type = \"REPORT\" | fields @duration | sort @duration desc | limit 25",
	}

	existing, err := p.logs.DescribeQueryDefinitions(ctx, &cloudwatchlogs.DescribeQueryDefinitionsInput{
		QueryDefinitionNamePrefix: aws.String(env.FunctionName + "/"),
	})
	if err != nil {
		return fmt.Errorf("failed to list query definitions: %w", err)
	}
	ids := map[string]string{}
	for _, def := range existing.QueryDefinitions {
		ids[aws.ToString(def.Name)] = aws.ToString(def.QueryDefinitionId)
	}

	for name, query := range queries {
		input := &cloudwatchlogs.PutQueryDefinitionInput{
			Name:          aws.String(name),
			QueryString:   aws.String(query),
			LogGroupNames: []string{env.LogGroupName()},
		}
		if id, ok := ids[name]; ok {
			input.QueryDefinitionId = aws.String(id)
		}
		if _, err := p.logs.PutQueryDefinition(ctx, input); err != nil {
			return fmt.Errorf("failed to put query definition %s: %w", name, err)
		}
	}
	return nil
}

// EnableTracing switches the function to active tracing.
func (p *Provisioner) EnableTracing(ctx context.Context, env *config.Environment) error {
	_, err := p.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName:  aws.String(env.FunctionName),
		TracingConfig: &lambdatypes.TracingConfig{Mode: lambdatypes.TracingModeActive},
	})
	if err != nil {
		return fmt.Errorf("failed to enable tracing on %s: %w", env.FunctionName, err)
	}

	p.logger.InfoContext(ctx, "tracing enabled", slog.String("function", env.FunctionName))
	return nil
}
