package firestore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khwj/personal-analytics/internal/sync"
)

func TestNewRequiresCollection(t *testing.T) {
	_, err := New(context.Background(), "project", "", "")

	assert.Equal(t, sync.KindConfig, sync.KindOf(err))
}

// Runs against the Firestore emulator when FIRESTORE_EMULATOR_HOST is set.
func TestEmulatorCheckpoint(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("firestore emulator not configured")
	}
	ctx := context.Background()

	s, err := New(ctx, "demo-project", "", "sync-"+uuid.NewString())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetDocument(ctx, "last_sync_state")
	assert.ErrorIs(t, err, sync.ErrNotFound)

	cp := sync.NewCheckpoint(s, "last_sync_state")
	res, err := cp.Write(ctx, "12350")
	require.NoError(t, err)
	assert.False(t, res.UpdateTime.IsZero())

	id, err := cp.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12350", id)
}
