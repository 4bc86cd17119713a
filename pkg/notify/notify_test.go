package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	subject  string
	data     []byte
	pubErr   error
	flushErr error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.subject, p.data = subject, data
	return p.pubErr
}

func (p *recordingPublisher) FlushWithContext(context.Context) error { return p.flushErr }

func TestNATSNotifier_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub, "assure.alerts")

	ack, err := n.SendAlert(context.Background(), Alert{
		Title: "Control CC6.1 failed", Severity: SeverityError, CustomerID: "cust-1", ControlID: "CC6.1", EvidenceID: "ev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "assure.alerts.error", pub.subject)
	assert.Equal(t, "nats:assure.alerts.error", ack.Channel)

	var got Alert
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "CC6.1", got.ControlID)
	assert.Equal(t, "ev-1", got.EvidenceID)
	assert.Equal(t, ack.AlertID, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestNATSNotifier_Errors(t *testing.T) {
	boom := errors.New("nats: connection closed")

	_, err := NewNATSNotifier(&recordingPublisher{pubErr: boom}, "a").SendAlert(context.Background(), Alert{Severity: SeverityError})
	assert.ErrorIs(t, err, boom)

	_, err = NewNATSNotifier(&recordingPublisher{flushErr: boom}, "a").SendAlert(context.Background(), Alert{Severity: SeverityError})
	assert.ErrorIs(t, err, boom)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	ack, err := n.SendAlert(context.Background(), Alert{Title: "Control failed", Severity: SeverityError, ControlID: "CC8.1"})
	require.NoError(t, err)
	assert.Equal(t, "log", ack.Channel)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"control_id":"CC8.1"`)
}
