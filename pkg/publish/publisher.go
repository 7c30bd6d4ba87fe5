// Package publish announces instance results outside the batch process:
// JSON events on NATS and failure reports to Sentry.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
)

// Event statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultSubject is the subject prefix used when none is configured
const DefaultSubject = "runhelper.instances"

// Conn is the subset of *nats.Conn the publisher uses
type Conn interface {
	Publish(subj string, data []byte) error
}

// Event is the message published for every completed or failed instance
type Event struct {
	BatchID    string         `json:"batchId"`
	InstanceID string         `json:"instanceId"`
	Status     string         `json:"status"`
	Record     *record.Record `json:"record,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher sends events on "<subject>.completed" and "<subject>.failed"
type Publisher struct {
	conn       Conn
	subject    string
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewPublisher creates a publisher on conn. An empty subject selects DefaultSubject.
func NewPublisher(conn Conn, subject string, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:       conn,
		subject:    subject,
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetRetry sets how many publish attempts are made and the base delay between them
func (p *Publisher) SetRetry(maxRetries int, delay time.Duration) {
	if maxRetries > 0 {
		p.maxRetries = maxRetries
	}
	p.retryDelay = delay
}

// Subject returns the subject for events with the given status
func (p *Publisher) Subject(status string) string {
	return p.subject + "." + status
}

// PublishCompleted publishes the record of a completed instance
func (p *Publisher) PublishCompleted(ctx context.Context, batchID string, rec *record.Record) error {
	return p.publish(ctx, Event{
		BatchID:    batchID,
		InstanceID: rec.InstanceID(),
		Status:     StatusCompleted,
		Record:     rec,
		Timestamp:  p.now().UTC(),
	})
}

// PublishFailed publishes the cause of an instance failure
func (p *Publisher) PublishFailed(ctx context.Context, batchID, instanceID string, cause error) error {
	event := Event{
		BatchID:    batchID,
		InstanceID: instanceID,
		Status:     StatusFailed,
		Timestamp:  p.now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	return p.publish(ctx, event)
}

func (p *Publisher) publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return sdkerrors.NewError("MARSHAL_FAILED", "failed to marshal instance event", err)
	}

	subject := p.Subject(event.Status)
	var publishErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		publishErr = p.conn.Publish(subject, data)
		if publishErr == nil {
			p.logger.Debug("Published instance event",
				zap.String("subject", subject),
				zap.String("instance", event.InstanceID))
			return nil
		}

		if attempt < p.maxRetries {
			p.logger.Warn("Failed to publish instance event, retrying",
				zap.String("instance", event.InstanceID),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", p.maxRetries),
				zap.Error(publishErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			}
		}
	}

	return sdkerrors.NewError("PUBLISH_FAILED", "failed to publish instance event after retries", publishErr)
}
