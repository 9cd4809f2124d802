package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSRecorder ships audit events to an SQS queue consumed by the platform's
// audit-chain writer.
type SQSRecorder struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSRecorder(ctx context.Context, region, queueURL string) (*SQSRecorder, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSRecorder{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSRecorderWithConfig(cfg aws.Config, queueURL string) *SQSRecorder {
	return &SQSRecorder{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (r *SQSRecorder) Record(ctx context.Context, event Event) error {
	event = stamp(event)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Event),
			},
			"Level": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Level),
			},
		},
	}

	if event.RequestID != "" {
		input.MessageAttributes["RequestID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(event.RequestID),
		}
	}

	if _, err := r.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send audit event: %w", err)
	}

	return nil
}
