package sync

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/khwj/personal-analytics/internal/logger"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ListHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	args := m.Called(ctx, q)
	page, _ := args.Get(0).(*HistoryPage)
	return page, args.Error(1)
}

func (m *mockProvider) GetMessage(ctx context.Context, id string) (*RawMessage, error) {
	args := m.Called(ctx, id)
	msg, _ := args.Get(0).(*RawMessage)
	return msg, args.Error(1)
}

func (m *mockProvider) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	args := m.Called(ctx, messageID, attachmentID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

type mockDocumentStore struct {
	mock.Mock
}

func (m *mockDocumentStore) GetDocument(ctx context.Context, id string) (Document, error) {
	args := m.Called(ctx, id)
	doc, _ := args.Get(0).(Document)
	return doc, args.Error(1)
}

func (m *mockDocumentStore) SetDocument(ctx context.Context, id string, doc Document) (time.Time, error) {
	args := m.Called(ctx, id, doc)
	ts, _ := args.Get(0).(time.Time)
	return ts, args.Error(1)
}

type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	args := m.Called(ctx, key, data, metadata)
	return args.Error(0)
}

func (m *mockBlobStore) Get(ctx context.Context, key string) (*Blob, error) {
	args := m.Called(ctx, key)
	blob, _ := args.Get(0).(*Blob)
	return blob, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) AttachmentStored(ctx context.Context, a StoredAttachment) error {
	return m.Called(ctx, a).Error(0)
}

func observedLogger() (logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.FromZap(zap.New(core)), logs
}

func textPart(mime string) *Part {
	return &Part{MimeType: mime, Body: &PartBody{Size: 10}}
}

func attachmentPart(id, filename, mime string) *Part {
	return &Part{Filename: filename, MimeType: mime, Body: &PartBody{AttachmentID: id, Size: 100}}
}

func rawMessage(id, from, subject string, parts ...*Part) *RawMessage {
	return &RawMessage{
		ID:           id,
		ThreadID:     "t-" + id,
		InternalDate: 1709600000000,
		Payload: &Part{
			MimeType: "multipart/mixed",
			Headers: []Header{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
			},
			Parts: parts,
		},
	}
}
