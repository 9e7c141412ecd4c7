package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

// Notifier delivers a message to an account holder out-of-band. Send must
// only return nil once the dispatch is confirmed handed off; callers fail
// their whole operation on error.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// EmailJob is the message published for the downstream mailer.
type EmailJob struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	QueuedAt  time.Time `json:"queued_at"`
}

// KafkaNotifier hands email jobs to a Kafka topic with synchronous
// broker acknowledgement.
type KafkaNotifier struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaNotifier(producer *client.KafkaProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (n *KafkaNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	job := EmailJob{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		QueuedAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode email job: %w", err)
	}

	if err := n.producer.Publish(ctx, n.topic, []byte(recipient), payload); err != nil {
		util.Error("email dispatch failed",
			zap.String("recipient", recipient),
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	util.Debug("email job queued",
		zap.String("recipient", recipient),
		zap.String("subject", subject))

	return nil
}

// LogNotifier is the development fallback when Kafka is disabled. The
// body carries one-time codes, so it only ever logs at debug level.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	util.Debug("email dispatch (log notifier)",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}
