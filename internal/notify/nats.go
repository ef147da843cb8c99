package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"content-pipeline/internal/models"
)

// Publisher is the slice of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes alerts as JSON on a subject.
type NATS struct {
	pub     Publisher
	subject string
}

func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject}
}

// ConnectNATS dials a server with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("pipelinectl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (n *NATS) Notify(_ context.Context, alert models.Alert) error {
	b, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.pub.Publish(n.subject, b); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
