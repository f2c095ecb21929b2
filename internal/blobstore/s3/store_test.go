package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khwj/personal-analytics/internal/sync"
)

func newTestStore(t *testing.T, h http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Config{
		Bucket:       "attachments",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "minio",
		SecretKey:    "minio-secret",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return s
}

func TestPut(t *testing.T) {
	var gotPath, gotBody, gotSubject, gotType string
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotSubject = r.Header.Get("X-Amz-Meta-Subject")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	})

	err := s.Put(context.Background(), "statements/2024-03-05/bill.pdf", []byte("%PDF"), map[string]string{
		"subject":  "Statement",
		"mimeType": "application/pdf",
	})

	require.NoError(t, err)
	assert.Equal(t, "/attachments/statements/2024-03-05/bill.pdf", gotPath)
	assert.Equal(t, "%PDF", gotBody)
	assert.Equal(t, "Statement", gotSubject)
	assert.Equal(t, "application/pdf", gotType)
}

func TestPutFailureIsStorageError(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	})

	err := s.Put(context.Background(), "k", []byte("x"), nil)

	assert.Equal(t, sync.KindStorage, sync.KindOf(err))
}

func TestGet(t *testing.T) {
	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/attachments/present.pdf":
			w.Header().Set("X-Amz-Meta-Subject", "Statement")
			w.Header().Set("Content-Length", "4")
			_, _ = w.Write([]byte("%PDF"))
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
		}
	})
	ctx := context.Background()

	blob, err := s.Get(ctx, "present.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), blob.Data)
	assert.Equal(t, "Statement", blob.Metadata["subject"])

	_, err = s.Get(ctx, "missing.pdf")
	assert.ErrorIs(t, err, sync.ErrNotFound)
}

func TestMetadataEncoding(t *testing.T) {
	in := map[string]string{"subject": "ใบแจ้งยอด (05/03/2024)", "filename": "bill.pdf"}

	enc := headerSafe(in)
	assert.Equal(t, "bill.pdf", enc["filename"])
	assert.NotEqual(t, in["subject"], enc["subject"])

	assert.Equal(t, in, decodeMetadata(enc))
	assert.Nil(t, headerSafe(nil))
}
