package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	// ignoreCancel keeps the pass running after its context is cancelled
	ignoreCancel bool
	report       *Report
	err          error
}

func (b *blockingRunner) Run(ctx context.Context, startHistoryID string) (*Report, error) {
	if b.started != nil {
		close(b.started)
	}
	if b.release != nil {
		done := ctx.Done()
		if b.ignoreCancel {
			done = nil
		}
		select {
		case <-b.release:
		case <-done:
			return nil, ctx.Err()
		}
	}
	return b.report, b.err
}

func TestManagerRejectsConcurrentPass(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{}), report: &Report{NewHistoryID: "2"}}
	m.Register("INBOX", runner)

	require.NoError(t, m.StartSync(context.Background(), "INBOX", ""))
	<-runner.started

	assert.True(t, m.IsRunning("INBOX"))
	_, err := m.RunOnce(context.Background(), "INBOX", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(runner.release)
	require.Eventually(t, func() bool { return !m.IsRunning("INBOX") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.LastReport("INBOX") != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", m.LastReport("INBOX").NewHistoryID)
}

func TestManagerRunOnce(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)
	m.Register("INBOX", &blockingRunner{report: &Report{Error: "boom"}, err: errors.New("boom")})

	report, err := m.RunOnce(context.Background(), "INBOX", "5")

	require.Error(t, err)
	assert.Equal(t, "boom", report.Error)
	assert.Same(t, report, m.LastReport("INBOX"))
	assert.False(t, m.IsRunning("INBOX"))
}

func TestManagerUnknownTarget(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)

	_, err := m.RunOnce(context.Background(), "nope", "")

	assert.Equal(t, KindConfig, KindOf(err))
}

func TestManagerStopSync(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	m.Register("INBOX", runner)

	require.NoError(t, m.StartSync(context.Background(), "INBOX", ""))
	<-runner.started

	require.NoError(t, m.StopSync("INBOX"))
	require.Eventually(t, func() bool { return !m.IsRunning("INBOX") }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.StopSync("INBOX"), ErrNotRunning)
}

func TestManagerStopSyncKeepsTargetBusyUntilPassReturns(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{}), ignoreCancel: true}
	m.Register("INBOX", runner)

	require.NoError(t, m.StartSync(context.Background(), "INBOX", ""))
	<-runner.started

	require.NoError(t, m.StopSync("INBOX"))
	assert.True(t, m.IsRunning("INBOX"))
	_, err := m.RunOnce(context.Background(), "INBOX", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	m.StopAll()
	assert.True(t, m.IsRunning("INBOX"))
	assert.ErrorIs(t, m.StartSync(context.Background(), "INBOX", ""), ErrAlreadyRunning)

	close(runner.release)
	require.Eventually(t, func() bool { return !m.IsRunning("INBOX") }, time.Second, 5*time.Millisecond)
}

func TestManagerState(t *testing.T) {
	log, _ := observedLogger()
	m := NewManager(log)
	m.Register("plain", &blockingRunner{})
	m.Register("INBOX", &Runner{Log: log})

	assert.Equal(t, StateIdle, m.State("plain"))
	assert.Equal(t, StateIdle, m.State("INBOX"))
	assert.Equal(t, StateIdle, m.State("unknown"))
}
