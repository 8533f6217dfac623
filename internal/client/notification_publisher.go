package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// Event types published by the workflow engine.
const (
	EventStepAssigned     = "approval_required"
	EventWorkflowApproved = "workflow_approved"
	EventWorkflowDeclined = "workflow_declined"
	EventWorkflowAdjusted = "workflow_adjusted"
	EventWorkflowCanceled = "workflow_cancelled"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.hr.approval_required
//
// Errors are returned to the dispatcher, which logs them; they never reach
// the workflow operation that produced the event.
type NotificationPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	timeout time.Duration
	log     *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	InstanceID   string                 `json:"workflow_instance_id"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// PublisherConfig configures the JetStream connection.
type PublisherConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Timeout       time.Duration
}

// NewNotificationPublisher connects to NATS and ensures the stream exists.
func NewNotificationPublisher(ctx context.Context, cfg PublisherConfig, log *logger.Logger) (*NotificationPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("hr-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return &NotificationPublisher{
		nc:      nc,
		js:      js,
		prefix:  cfg.SubjectPrefix,
		timeout: cfg.Timeout,
		log:     log.Component("notification_publisher"),
	}, nil
}

// Close drains the NATS connection.
func (p *NotificationPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// NotifyStepAssignment tells one approver that a step awaits their action.
func (p *NotificationPublisher) NotifyStepAssignment(ctx context.Context, n service.StepAssignment) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    EventStepAssigned,
		Recipients:   []string{n.UserID},
		ResourceType: string(n.ResourceType),
		ResourceID:   n.ResourceID,
		InstanceID:   n.InstanceID,
		IsActionable: true,
		Severity:     "info",
		Category:     "hr_approval",
		Payload:      map[string]interface{}{"step_order": n.StepOrder},
	})
}

// NotifyComplete tells the creator about a workflow outcome.
func (p *NotificationPublisher) NotifyComplete(ctx context.Context, n service.Completion) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    outcomeEvent(n.Outcome),
		Recipients:   []string{n.UserID},
		ResourceType: string(n.ResourceType),
		ResourceID:   n.ResourceID,
		InstanceID:   n.InstanceID,
		Severity:     "info",
		Category:     "hr_approval",
		Payload:      map[string]interface{}{"outcome": string(n.Outcome)},
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	event.OccurredAt = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	subject := p.prefix + "." + event.EventType
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("notification: publish to %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_instance_id", event.InstanceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

func outcomeEvent(status repository.WorkflowStatus) string {
	switch status {
	case repository.StatusApproved:
		return EventWorkflowApproved
	case repository.StatusDeclined:
		return EventWorkflowDeclined
	case repository.StatusAdjusted:
		return EventWorkflowAdjusted
	default:
		return EventWorkflowCanceled
	}
}

// LogNotifier logs notifications instead of publishing them. Used when no
// NATS URL is configured.
type LogNotifier struct {
	Log *logger.Logger
}

// NotifyStepAssignment implements service.Notifier.
func (n LogNotifier) NotifyStepAssignment(_ context.Context, a service.StepAssignment) error {
	n.Log.Info().
		Str("user_id", a.UserID).
		Str("workflow_instance_id", a.InstanceID).
		Int("step_order", a.StepOrder).
		Msg("notification: step assigned")
	return nil
}

// NotifyComplete implements service.Notifier.
func (n LogNotifier) NotifyComplete(_ context.Context, c service.Completion) error {
	n.Log.Info().
		Str("user_id", c.UserID).
		Str("workflow_instance_id", c.InstanceID).
		Str("outcome", string(c.Outcome)).
		Msg("notification: workflow outcome")
	return nil
}
