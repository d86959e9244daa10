package centralmutex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Audit categories.
const (
	AuditRequest     = "request"
	AuditGrant       = "grant"
	AuditRelease     = "release"
	AuditCoordinator = "coordinator"
	AuditProcess     = "process"
)

// Audit publishes coordination events to NATS and keeps them in a JetStream
// stream. A nil *Audit, or one without a connection, drops every entry.
type Audit struct {
	subject    string
	streamName string
	nodeID     string

	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	NodeID    string         `json:"node"`
	ProcessID ProcessID      `json:"process"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuditFilter defines criteria for querying audit logs.
type AuditFilter struct {
	Since     time.Time
	Until     time.Time
	Category  string
	Action    string
	ProcessID *ProcessID
}

// NewAudit creates an audit logger. nc may be nil.
func NewAudit(cfg Config, nc *nats.Conn) *Audit {
	cfg.applyDefaults()
	return &Audit{
		subject:    cfg.AuditSubject(),
		streamName: cfg.AuditStreamName(),
		nodeID:     cfg.NodeID,
		nc:         nc,
	}
}

// Enabled reports whether entries are published anywhere.
func (a *Audit) Enabled() bool {
	return a != nil && a.nc != nil
}

// Start creates the audit stream.
func (a *Audit) Start(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}

	js, err := jetstream.New(a.nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        a.streamName,
		Description: "Coordination audit log",
		Subjects:    []string{a.subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create audit stream: %w", err)
	}

	a.js = js
	a.stream = stream
	return nil
}

// Log writes an audit entry.
func (a *Audit) Log(ctx context.Context, entry AuditEntry) error {
	if !a.Enabled() {
		return nil
	}

	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now()
	entry.NodeID = a.nodeID

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%s.%s", a.subject, entry.Category, entry.Action)
	return a.nc.Publish(subject, data)
}

// Query retrieves stored audit entries matching the filter.
func (a *Audit) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if a == nil || a.stream == nil {
		return nil, fmt.Errorf("audit stream not initialized")
	}

	category := "*"
	if filter.Category != "" {
		category = filter.Category
	}
	action := "*"
	if filter.Action != "" {
		action = filter.Action
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.%s.%s", a.subject, category, action)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if !filter.Since.IsZero() {
		since := filter.Since
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &since
	}

	consumer, err := a.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var entries []AuditEntry
	msgs, err := consumer.FetchNoWait(1000)
	if err != nil {
		return entries, nil
	}

	for msg := range msgs.Messages() {
		var entry AuditEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			continue
		}
		if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
			continue
		}
		if filter.ProcessID != nil && entry.ProcessID != *filter.ProcessID {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
