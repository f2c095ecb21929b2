package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khwj/personal-analytics/internal/sync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetDocument(ctx, "last_sync_state")
	assert.ErrorIs(t, err, sync.ErrNotFound)

	_, err = s.SetDocument(ctx, "last_sync_state", sync.Document{"historyId": "100", "updatedTime": int64(1709600000)})
	require.NoError(t, err)
	_, err = s.SetDocument(ctx, "last_sync_state", sync.Document{"historyId": "200", "updatedTime": int64(1709600100)})
	require.NoError(t, err)

	doc, err := s.GetDocument(ctx, "last_sync_state")
	require.NoError(t, err)
	assert.Equal(t, "200", doc["historyId"])
}

func TestStoreBacksCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cp := sync.NewCheckpoint(s, "last_sync_state")

	_, err := cp.Read(ctx)
	assert.ErrorIs(t, err, sync.ErrStateNotFound)

	res, err := cp.Write(ctx, "12350")
	require.NoError(t, err)
	assert.Equal(t, sync.WriteSuccess, res.Status)

	state, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12350", state.HistoryID)
	assert.NotZero(t, state.UpdatedTime)
}

func TestAppendAttachmentStoredIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := AttachmentRecord{
		StorageKey:        "statements/2024-03-05/bill.pdf",
		ProviderMessageID: "m1",
		Filename:          "bill.pdf",
		MimeType:          "application/pdf",
		Sender:            "statement@example.com",
	}

	inserted, err := s.AppendAttachmentStored(ctx, rec, "attachments.stored.Label_9", "attachment.stored", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.AppendAttachmentStored(ctx, rec, "attachments.stored.Label_9", "attachment.stored", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, inserted)

	recs, err := s.Attachments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.StorageKey, recs[0].StorageKey)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.StorageKey, msgs[0].MsgID)
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1709600000, 0)
	s.now = func() time.Time { return now }

	for _, key := range []string{"a/1.pdf", "a/2.pdf"} {
		_, err := s.AppendAttachmentStored(ctx, AttachmentRecord{StorageKey: key, ProviderMessageID: "m1", Filename: key},
			"attachments.stored.INBOX", "attachment.stored", []byte(key))
		require.NoError(t, err)
	}

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[1].ID, time.Minute))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	now = now.Add(2 * time.Minute)
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a/2.pdf", msgs[0].MsgID)
	assert.Equal(t, 1, msgs[0].Retries)
}
