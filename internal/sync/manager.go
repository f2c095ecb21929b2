package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/khwj/personal-analytics/internal/logger"
)

// PassRunner runs a single sync pass
type PassRunner interface {
	Run(ctx context.Context, startHistoryID string) (*Report, error)
}

// Manager keeps at most one pass in flight per target within this process.
// Multiple replicas still need an external lease.
type Manager struct {
	log          logger.Logger
	targets      map[string]PassRunner
	runners      map[string]*runningPass
	reports      map[string]*Report
	runnersMutex gosync.RWMutex
}

type runningPass struct {
	cancel context.CancelFunc
}

// NewManager creates sync manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		log:     log,
		targets: make(map[string]PassRunner),
		runners: make(map[string]*runningPass),
		reports: make(map[string]*Report),
	}
}

// Register adds a sync target
func (m *Manager) Register(target string, runner PassRunner) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	m.targets[target] = runner
}

// RunOnce runs one pass for target and waits for it.
// It returns ErrAlreadyRunning if a pass for target is in flight.
func (m *Manager) RunOnce(ctx context.Context, target, startHistoryID string) (*Report, error) {
	runner, runCtx, pass, err := m.acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	defer m.release(target, pass)

	report, err := runner.Run(runCtx, startHistoryID)
	m.runnersMutex.Lock()
	if report != nil {
		m.reports[target] = report
	}
	m.runnersMutex.Unlock()
	return report, err
}

// StartSync starts a pass for target in the background
func (m *Manager) StartSync(ctx context.Context, target, startHistoryID string) error {
	runner, runCtx, pass, err := m.acquire(ctx, target)
	if err != nil {
		return err
	}

	go func() {
		defer m.release(target, pass)
		m.log.Infof("sync start: %s", target)
		report, err := runner.Run(runCtx, startHistoryID)
		if err != nil {
			m.log.Errorf("sync error %s: %v", target, err)
		}
		m.runnersMutex.Lock()
		if report != nil {
			m.reports[target] = report
		}
		m.runnersMutex.Unlock()
		m.log.Infof("sync stop: %s", target)
	}()

	return nil
}

func (m *Manager) acquire(ctx context.Context, target string) (PassRunner, context.Context, *runningPass, error) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	runner, ok := m.targets[target]
	if !ok {
		return nil, nil, nil, NewError(KindConfig, "start sync", fmt.Errorf("unknown sync target %q", target))
	}
	if _, exists := m.runners[target]; exists {
		return nil, nil, nil, ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	pass := &runningPass{cancel: cancel}
	m.runners[target] = pass
	return runner, runCtx, pass, nil
}

// release clears target only if pass is still the registered one
func (m *Manager) release(target string, pass *runningPass) {
	pass.cancel()

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	if m.runners[target] == pass {
		delete(m.runners, target)
	}
}

// StopSync cancels the pass running for target. The target stays busy until
// the pass returns.
func (m *Manager) StopSync(target string) error {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	pass, exists := m.runners[target]
	if !exists {
		return ErrNotRunning
	}
	pass.cancel()
	return nil
}

// IsRunning checks if a pass is running for target
func (m *Manager) IsRunning(target string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[target]
	return exists
}

// LastReport returns the report of the last finished pass for target
func (m *Manager) LastReport(target string) *Report {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	return m.reports[target]
}

// StopAll cancels every running pass
func (m *Manager) StopAll() {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	for key, pass := range m.runners {
		m.log.Infof("Stopping sync for %s", key)
		pass.cancel()
	}
}

// State returns the stage of the pass for target, or StateIdle when its
// runner does not report one
func (m *Manager) State(target string) State {
	m.runnersMutex.RLock()
	runner := m.targets[target]
	m.runnersMutex.RUnlock()

	if r, ok := runner.(interface{ State() State }); ok {
		return r.State()
	}
	return StateIdle
}
