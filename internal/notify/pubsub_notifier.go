package notify

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/logging"
)

// PubSubProvider implements the notify.Provider interface for Google
// Cloud Pub/Sub.
type PubSubProvider struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubProvider creates a Pub/Sub client and verifies the topic
// exists. It authenticates using Application Default Credentials.
func NewPubSubProvider(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubProvider, error) {
	logger = logging.OrNop(logger)

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("Failed to close pubsub client after topic check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("Failed to close pubsub client after topic check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSubProvider{client: client, topic: topic, logger: logger}, nil
}

// Publish sends the message to the topic. The send is asynchronous; the
// client batches and retries in the background, so this never blocks on
// the broker.
func (p *PubSubProvider) Publish(ctx context.Context, message string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: []byte(message)})
	_ = result // Fire and forget; delivery failures are advisory only.
	return nil
}

// Close stops the topic publisher and closes the client connection.
func (p *PubSubProvider) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
