package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// PubID prefixes the "name" attribute of every message so subscriptions
	// can filter per environment (e.g. "", "beta", "qa", "stage").
	PubID string `mapstructure:"pub_id"`
}

// publisher is the part of *pubsub.Topic used here
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher struct {
	topic *pubsub.Topic
}

func (t topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return t.topic.Publish(ctx, msg)
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	pub    publisher
	config *PubSubConfig
}

// CallOutcomeEvent is the Pub/Sub payload for one finished call
type CallOutcomeEvent struct {
	ID        string             `json:"id"`
	Outcome   domain.CallOutcome `json:"outcome"`
	To        string             `json:"to"`
	StartAt   time.Time          `json:"start_at"`
	EndAt     time.Time          `json:"end_at"`
	Delivered bool               `json:"delivered"`
	CreatedAt time.Time          `json:"created_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic_name", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
		logger.Base().Info("Topic created successfully", zap.String("topic_name", cfg.TopicName))
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		pub:    topicPublisher{topic: topic},
		config: cfg,
	}, nil
}

// RecordOutcome publishes the outcome of a finished call
func (p *PubSubService) RecordOutcome(ctx context.Context, s domain.CallSession, outcome domain.CallOutcome, delivered bool) error {
	now := time.Now()
	evt := CallOutcomeEvent{
		ID:        uuid.New().String(),
		Outcome:   outcome,
		To:        s.To,
		StartAt:   s.CreatedAt,
		EndAt:     now,
		Delivered: delivered,
		CreatedAt: now,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal call outcome event: %w", err)
	}

	namePrefix := strings.TrimSuffix(p.config.PubID, ":")
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name":    fmt.Sprintf("%scall:outcome:%s", namePrefix, evt.ID),
			"call_id": outcome.CallID,
		},
		Data: data,
	}

	result := p.pub.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish call outcome: %w", err)
	}

	logger.FromContext(ctx).Info("Published call outcome", zap.String("event_id", evt.ID), zap.String("call_id", outcome.CallID))
	return nil
}

// Name identifies the recorder in logs
func (p *PubSubService) Name() string {
	return "pubsub"
}

func (p *PubSubService) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
