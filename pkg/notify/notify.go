// Package notify delivers compliance alerts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is one notification about a control.
type Alert struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	CustomerID string    `json:"customer_id"`
	ControlID  string    `json:"control_id"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	CheckID    string    `json:"check_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ack confirms delivery.
type Ack struct {
	AlertID     string    `json:"alert_id"`
	Channel     string    `json:"channel"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Notifier sends alerts.
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert) (*Ack, error)
}

func prepare(alert *Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
}

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSNotifier publishes alerts as JSON to "<subject>.<severity>".
type NATSNotifier struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
}

// NewNATSNotifier creates a notifier publishing under subject.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject, logger: slog.Default().With("component", "notify")}
}

// Connect dials NATS with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("assure"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// SendAlert publishes and flushes, so a nil error means the server received it.
func (n *NATSNotifier) SendAlert(ctx context.Context, alert Alert) (*Ack, error) {
	prepare(&alert)
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	subject := n.subject + "." + string(alert.Severity)
	if err := n.pub.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("publish alert: %w", err)
	}
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return nil, fmt.Errorf("flush alert: %w", err)
	}
	n.logger.InfoContext(ctx, "alert published", "alert_id", alert.ID, "subject", subject, "control_id", alert.ControlID)
	return &Ack{AlertID: alert.ID, Channel: "nats:" + subject, DeliveredAt: time.Now().UTC()}, nil
}

// LogNotifier writes alerts to the structured log. Used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) SendAlert(ctx context.Context, alert Alert) (*Ack, error) {
	prepare(&alert)
	level := slog.LevelInfo
	switch alert.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, alert.Title,
		"alert_id", alert.ID, "customer_id", alert.CustomerID, "control_id", alert.ControlID,
		"evidence_id", alert.EvidenceID, "message", alert.Message)
	return &Ack{AlertID: alert.ID, Channel: "log", DeliveredAt: time.Now().UTC()}, nil
}
