package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/config"
	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
)

// EventType represents different types of audit events
type EventType string

const (
	// Run lifecycle events
	EventRunQueued    EventType = "run.queued"
	EventRunStarted   EventType = "run.started"
	EventRunResumed   EventType = "run.resumed"
	EventRunCompleted EventType = "run.completed"
	EventRunPartial   EventType = "run.partial"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunOrphaned  EventType = "run.orphaned"
	EventRunRecovered EventType = "run.recovered"

	// Checkpoint events
	EventCheckpointRecorded EventType = "checkpoint.recorded"
	EventCheckpointRejected EventType = "checkpoint.rejected"

	// Progress events, audit stream only. The websocket channel is the
	// authoritative UI feed.
	EventProgressEmitted EventType = "progress.emitted"

	// Phase events
	EventPhaseCompleted EventType = "phase.completed"
)

// Event represents a domain audit event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// KafkaService publishes audit events. Consumers must treat the stream as
// observational: dropping it never changes run outcomes.
type KafkaService struct {
	writer  *kafka.Writer
	logger  *logger.Logger
	config  config.KafkaConfig
	brokers []string
}

// NewKafkaService creates a new Kafka service
func NewKafkaService(cfg config.KafkaConfig, log *logger.Logger) (*KafkaService, error) {
	service := &KafkaService{
		logger:  log.WithService("kafka"),
		config:  cfg,
		brokers: cfg.Brokers,
	}

	service.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		ErrorLogger:  kafka.LoggerFunc(service.logError),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := service.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}

	service.logger.Info("Kafka service initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
	)

	return service, nil
}

// PublishRunEvent publishes a run lifecycle event
func (k *KafkaService) PublishRunEvent(ctx context.Context, eventType EventType, run *models.Run, data map[string]interface{}) error {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["run_id"] = run.ID
	data["document_id"] = run.DocumentID
	data["status"] = string(run.Status)

	return k.publish(ctx, Event{
		Type:    eventType,
		Subject: run.ID,
		UserID:  run.UserID,
		Data:    data,
	})
}

// PublishProgressEvent publishes an accepted progress emission to the audit
// stream.
func (k *KafkaService) PublishProgressEvent(ctx context.Context, event *models.ProgressEvent) error {
	return k.publish(ctx, Event{
		Type:    EventProgressEmitted,
		Subject: event.RunID,
		Data: map[string]interface{}{
			"run_id":      event.RunID,
			"document_id": event.DocumentID,
			"step_key":    event.StepKey,
			"percent":     event.Percent,
			"manual":      event.Manual,
		},
	})
}

func (k *KafkaService) publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Version == "" {
		event.Version = "1.0"
	}
	if event.Source == "" {
		event.Source = "analysis-engine"
	}

	topic := k.getTopicForEvent(event.Type)

	eventData, err := json.Marshal(event)
	if err != nil {
		k.logger.Error("Failed to serialize event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   []byte(event.Subject),
		Value: eventData,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-id", Value: []byte(event.ID)},
			{Key: "source", Value: []byte(event.Source)},
			{Key: "version", Value: []byte(event.Version)},
		},
		Time: event.Timestamp,
	}
	if event.UserID != "" {
		message.Headers = append(message.Headers, kafka.Header{
			Key: "user-id", Value: []byte(event.UserID),
		})
	}

	start := time.Now()
	err = k.writer.WriteMessages(ctx, message)
	duration := time.Since(start).Seconds() * 1000

	if err != nil {
		k.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("topic", topic),
			zap.Float64("duration_ms", duration),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	k.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("topic", topic),
		zap.Float64("duration_ms", duration),
	)

	return nil
}

// getTopicForEvent maps an event type to its topic, one topic per event
// family under the configured prefix.
func (k *KafkaService) getTopicForEvent(eventType EventType) string {
	family := string(eventType)
	if idx := strings.Index(family, "."); idx > 0 {
		family = family[:idx]
	}
	return fmt.Sprintf("%s.%s.events", k.config.TopicPrefix, family)
}

func (k *KafkaService) testConnection(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("broker %s unreachable: %w", k.brokers[0], err)
	}
	defer conn.Close()

	return nil
}

// Close shuts down the Kafka writer
func (k *KafkaService) Close() error {
	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			k.logger.Error("Failed to close Kafka writer", zap.Error(err))
			return err
		}
	}
	k.logger.Info("Kafka service closed")
	return nil
}

func (k *KafkaService) logError(msg string, args ...interface{}) {
	k.logger.Error(fmt.Sprintf(msg, args...))
}

// NoopEventBus satisfies EventBus when Kafka is disabled
type NoopEventBus struct{}

func (NoopEventBus) PublishRunEvent(ctx context.Context, eventType EventType, run *models.Run, data map[string]interface{}) error {
	return nil
}

func (NoopEventBus) PublishProgressEvent(ctx context.Context, event *models.ProgressEvent) error {
	return nil
}
