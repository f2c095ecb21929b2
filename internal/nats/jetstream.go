package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/khwj/personal-analytics/internal/logger"
)

const (
	// StreamName holds attachment lifecycle events
	StreamName = "MAIL_ATTACHMENTS"
	// SubjectPrefix is the root of every subject in the stream
	SubjectPrefix = "attachments"
)

// StoredSubject is the subject for attachments stored from label
func StoredSubject(label string) string {
	if label == "" {
		label = "all"
	}
	return fmt.Sprintf("%s.stored.%s", SubjectPrefix, label)
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log logger.Logger
}

// NewPublisher connects to url and obtains a JetStream context
func NewPublisher(url string, log logger.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("attachment-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

// EnsureStream creates the attachments stream when it does not exist
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(StreamName, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.log.Infof("Created JetStream stream %s", StreamName)
	return nil
}

// Publish publishes with msgID as the JetStream deduplication id
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	ack, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if ack.Duplicate {
		p.log.Debugf("Duplicate publish of %s ignored by stream", msgID)
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
