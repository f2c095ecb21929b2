package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khwj/personal-analytics/internal/eventstore/sqlite"
	natsjs "github.com/khwj/personal-analytics/internal/nats"
	"github.com/khwj/personal-analytics/internal/sync"
)

// EventTypeAttachmentStored is the event type of AttachmentStored
const EventTypeAttachmentStored = "attachment.stored"

// AttachmentStored is the payload published for every persisted attachment
type AttachmentStored struct {
	EventID           string            `json:"eventId"`
	Type              string            `json:"type"`
	OccurredAt        time.Time         `json:"occurredAt"`
	StorageKey        string            `json:"storageKey"`
	ProviderMessageID string            `json:"providerMessageId"`
	ProviderThreadID  string            `json:"providerThreadId"`
	From              string            `json:"from"`
	Subject           string            `json:"subject"`
	ReceivedTimestamp int64             `json:"receivedTimestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Outbox receives attachment records and their serialized events
type Outbox interface {
	AppendAttachmentStored(ctx context.Context, rec sqlite.AttachmentRecord, subject, eventType string, payload []byte) (bool, error)
}

// OutboxNotifier implements sync.Notifier by writing to the outbox.
// The dispatcher publishes the rows later.
type OutboxNotifier struct {
	outbox  Outbox
	subject string
	now     func() time.Time
}

// NewOutboxNotifier publishes under the stored subject of label
func NewOutboxNotifier(outbox Outbox, label string) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, subject: natsjs.StoredSubject(label), now: time.Now}
}

// AttachmentStored enqueues one event. Repeats for a known storage key are dropped.
func (n *OutboxNotifier) AttachmentStored(ctx context.Context, stored sync.StoredAttachment) error {
	msg := stored.Message
	if msg == nil {
		return fmt.Errorf("stored attachment %s has no message", stored.Key)
	}

	evt := AttachmentStored{
		EventID:           uuid.NewString(),
		Type:              EventTypeAttachmentStored,
		OccurredAt:        n.now().UTC(),
		StorageKey:        stored.Key,
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ThreadID,
		From:              msg.FromAddress,
		Subject:           msg.Subject,
		ReceivedTimestamp: msg.ReceivedTimestamp,
		Metadata:          stored.Metadata,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	rec := sqlite.AttachmentRecord{
		StorageKey:        stored.Key,
		ProviderMessageID: msg.ID,
		ProviderThreadID:  msg.ThreadID,
		AttachmentID:      stored.Metadata["attachmentId"],
		Filename:          stored.Metadata["filename"],
		MimeType:          stored.Metadata["mimeType"],
		Sender:            msg.FromAddress,
		Subject:           msg.Subject,
		ReceivedAt:        msg.ReceivedTimestamp,
	}

	if _, err := n.outbox.AppendAttachmentStored(ctx, rec, n.subject, EventTypeAttachmentStored, payload); err != nil {
		return sync.NewError(sync.KindStorage, "enqueue event", err)
	}
	return nil
}
