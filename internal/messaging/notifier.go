// Package messaging publishes deployment outcome notifications.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Summary is the message body published after a successful deploy.
type Summary struct {
	Environment string    `json:"environment"`
	FunctionArn string    `json:"function_arn"`
	Endpoint    string    `json:"endpoint"`
	Stage       string    `json:"stage"`
	ArtifactSHA string    `json:"artifact_sha,omitempty"`
	DeployedAt  time.Time `json:"deployed_at"`
}

type snsPublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Notifier publishes deployment summaries to the environment's topic.
type Notifier struct {
	client snsPublishAPI
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(client snsPublishAPI, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, logger: logger}
}

// Publish sends the summary to the topic. Notification is advisory;
// callers treat a failure here as non-fatal.
func (n *Notifier) Publish(ctx context.Context, topicArn string, summary *Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment summary: %w", err)
	}

	result, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicArn),
		Subject:  aws.String(fmt.Sprintf("deployed %s to %s", summary.Environment, summary.Stage)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"environment": {
				DataType:    aws.String("String"),
				StringValue: aws.String(summary.Environment),
			},
			"stage": {
				DataType:    aws.String("String"),
				StringValue: aws.String(summary.Stage),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish deployment summary: %w", err)
	}

	n.logger.InfoContext(ctx, "deployment summary published",
		slog.String("sns_message_id", aws.ToString(result.MessageId)),
		slog.String("topic_arn", topicArn),
	)
	return nil
}
