package sync

import (
	"context"
	"time"
)

// Default history event types used when none are configured
var DefaultHistoryTypes = []string{"messageAdded", "labelAdded"}

// Attachment is one downloaded attachment of a message
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Data     []byte
}

// Message is a normalized message with its attachments downloaded
type Message struct {
	ID                string
	ThreadID          string
	FromAddress       string // lower-cased
	Subject           string
	ReceivedTimestamp int64 // epoch millis, as reported by the provider
	Attachments       []Attachment
}

// AttachmentDescriptor points at an attachment that has not been downloaded yet
type AttachmentDescriptor struct {
	AttachmentID string
	Filename     string
	MimeType     string
}

// Header is a single message header
type Header struct {
	Name  string
	Value string
}

// PartBody carries the body reference of a part.
// AttachmentID is empty for inline bodies.
type PartBody struct {
	AttachmentID string
	Size         int64
}

// Part is a node in a message's MIME tree
type Part struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     *PartBody
	Parts    []*Part
}

// RawMessage is a message as returned by the provider, before normalization
type RawMessage struct {
	ID           string
	ThreadID     string
	InternalDate int64
	Payload      *Part
}

// HistoryQuery selects the slice of the change feed to read
type HistoryQuery struct {
	StartHistoryID string
	LabelID        string
	HistoryTypes   []string
}

// HistoryEntry is one change record referencing affected messages
type HistoryEntry struct {
	ID         string
	MessageIDs []string
}

// HistoryPage is the full history response for a query.
// HistoryID is the watermark to store once the entries have been processed.
type HistoryPage struct {
	HistoryID string
	Entries   []HistoryEntry
}

// MailProvider is the consumed surface of a mail provider API
type MailProvider interface {
	ListHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error)
	GetMessage(ctx context.Context, id string) (*RawMessage, error)
	// GetAttachment returns the decoded attachment bytes
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Document is a schemaless document in a DocumentStore
type Document map[string]interface{}

// DocumentStore persists checkpoint and credential documents.
// GetDocument returns ErrNotFound when the document does not exist.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (Document, error)
	SetDocument(ctx context.Context, id string, doc Document) (time.Time, error)
}

// Blob is a stored object with its metadata
type Blob struct {
	Key      string
	Data     []byte
	Metadata map[string]string
}

// BlobStore persists attachment bytes.
// Get returns ErrNotFound when the key does not exist.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) (*Blob, error)
}

// StoredAttachment describes an attachment that was persisted during a pass
type StoredAttachment struct {
	Key      string
	Message  *Message
	Metadata map[string]string
}

// Notifier is told about every persisted attachment
type Notifier interface {
	AttachmentStored(ctx context.Context, a StoredAttachment) error
}
