package sync

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`<([^>]+)>`)

// MessageFetcher downloads a message and all of its attachments
type MessageFetcher struct {
	provider MailProvider
}

// NewMessageFetcher creates a fetcher over provider
func NewMessageFetcher(provider MailProvider) *MessageFetcher {
	return &MessageFetcher{provider: provider}
}

// Fetch retrieves message id and downloads its attachments sequentially in
// extraction order. Any failed download fails the whole message.
func (f *MessageFetcher) Fetch(ctx context.Context, id string) (*Message, error) {
	raw, err := f.provider.GetMessage(ctx, id)
	if err != nil {
		return nil, asProviderError("get message "+id, err)
	}

	var headers []Header
	if raw.Payload != nil {
		headers = raw.Payload.Headers
	}

	msg := &Message{
		ID:                id,
		ThreadID:          raw.ThreadID,
		Subject:           headerValue(headers, "Subject"),
		FromAddress:       ParseFromAddress(headerValue(headers, "From")),
		ReceivedTimestamp: raw.InternalDate,
	}

	for _, d := range ExtractAttachments(raw.Payload) {
		data, err := f.provider.GetAttachment(ctx, id, d.AttachmentID)
		if err != nil {
			return nil, asProviderError(fmt.Sprintf("get attachment %s of message %s", d.AttachmentID, id), err)
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:       d.AttachmentID,
			Filename: d.Filename,
			MimeType: d.MimeType,
			Data:     data,
		})
	}

	return msg, nil
}

// headerValue returns the first header with exactly this name, or "".
func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// ParseFromAddress extracts the bracketed address of a From header, falling
// back to the raw value, and lower-cases the result.
func ParseFromAddress(from string) string {
	if m := addressPattern.FindStringSubmatch(from); m != nil {
		return strings.ToLower(m[1])
	}
	return strings.ToLower(from)
}

// asProviderError tags untagged errors as provider failures, keeping
// credential or other kinds set by the adapter.
func asProviderError(op string, err error) error {
	if KindOf(err) != KindUnknown {
		return fmt.Errorf("%s: %w", op, err)
	}
	return NewError(KindProvider, op, err)
}
