package sync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	fieldHistoryID   = "historyId"
	fieldUpdatedTime = "updatedTime"
)

// WriteStatus is the outcome of a checkpoint write
type WriteStatus string

const (
	WriteSuccess WriteStatus = "success"
	WriteFailed  WriteStatus = "failed"
)

// WriteResult reports a checkpoint write. UpdateTime is set on success, Error on failure.
type WriteResult struct {
	Status     WriteStatus
	UpdateTime time.Time
	Error      string
}

// SyncState is the persisted watermark
type SyncState struct {
	HistoryID   string
	UpdatedTime int64 // epoch seconds
}

// Checkpoint reads and writes the sync watermark as a single document
type Checkpoint struct {
	store DocumentStore
	docID string
	now   func() time.Time
}

// NewCheckpoint stores the watermark under docID
func NewCheckpoint(store DocumentStore, docID string) *Checkpoint {
	return &Checkpoint{store: store, docID: docID, now: time.Now}
}

// Load returns the stored state, or ErrStateNotFound when no checkpoint exists
func (c *Checkpoint) Load(ctx context.Context) (*SyncState, error) {
	doc, err := c.store.GetDocument(ctx, c.docID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrStateNotFound
		}
		return nil, NewError(KindStorage, "read checkpoint", err)
	}

	historyID, ok := stringField(doc[fieldHistoryID])
	if !ok || historyID == "" {
		return nil, ErrStateNotFound
	}

	state := &SyncState{HistoryID: historyID}
	switch v := doc[fieldUpdatedTime].(type) {
	case int64:
		state.UpdatedTime = v
	case int:
		state.UpdatedTime = int64(v)
	case float64:
		state.UpdatedTime = int64(v)
	}
	return state, nil
}

// Read returns the stored history id
func (c *Checkpoint) Read(ctx context.Context) (string, error) {
	state, err := c.Load(ctx)
	if err != nil {
		return "", err
	}
	return state.HistoryID, nil
}

// Write replaces the checkpoint document with historyID and the current time.
// There is no concurrency check; the last writer wins.
func (c *Checkpoint) Write(ctx context.Context, historyID string) (WriteResult, error) {
	doc := Document{
		fieldHistoryID:   historyID,
		fieldUpdatedTime: c.now().Unix(),
	}

	updated, err := c.store.SetDocument(ctx, c.docID, doc)
	if err != nil {
		return WriteResult{Status: WriteFailed, Error: err.Error()},
			NewError(KindStorage, "write checkpoint", err)
	}
	return WriteResult{Status: WriteSuccess, UpdateTime: updated}, nil
}

// stringField accepts the history id as stored by any backend
func stringField(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return fmt.Sprintf("%d", t), true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	default:
		return "", false
	}
}
