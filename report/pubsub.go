package report

import (
	"context"
	"fmt"

	"forksentry/logger"
	"forksentry/model"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSubSink publishes the full report, credential included, to the topic
// the alerting collaborator consumes.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return &PubSubSink{client: client, topic: client.Topic(topicID)}, nil
}

func (s *PubSubSink) Publish(ctx context.Context, r *model.AnalysisReport) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	res := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"parentFullName": r.ParentFullName,
			"forkFullName":   r.ForkFullName,
			"schemaVersion":  SchemaVersion,
		},
	})
	// Get blocks until the server acknowledges the message.
	id, err := res.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish report for %s: %w", r.ForkFullName, err)
	}
	logger.Debugf("Published report for %s as message %s", r.ForkFullName, id)
	return nil
}

func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return s.client.Close()
}
