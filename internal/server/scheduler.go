package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/sync"
)

// Scheduler runs periodic jobs. A job still running when its next tick fires is skipped.
type Scheduler struct {
	cron   *cronv3.Cron
	log    logger.Logger
	jobIDs map[string]cronv3.EntryID
}

func NewScheduler(log logger.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cronv3.New(
			cronv3.WithChain(
				cronv3.SkipIfStillRunning(cl),
				cronv3.Recover(cl),
			),
		),
		log:    log,
		jobIDs: make(map[string]cronv3.EntryID),
	}
}

// AddJob registers fn under name. An empty schedule registers nothing.
func (s *Scheduler) AddJob(name, schedule string, timeout time.Duration, fn func(ctx context.Context)) error {
	if schedule == "" {
		return nil
	}
	id, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	})
	if err != nil {
		return sync.NewError(sync.KindConfig, "schedule "+name, err)
	}
	s.jobIDs[name] = id
	s.log.Infof("Registered %s job with schedule: %s", name, schedule)
	return nil
}

// SyncJob runs one pass of target through the manager
func SyncJob(m *sync.Manager, target string, log logger.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		report, err := m.RunOnce(ctx, target, "")
		switch {
		case errors.Is(err, sync.ErrAlreadyRunning):
			log.Infof("Sync for %s already running, skipping tick", target)
		case sync.IsRetryable(err):
			log.Warnf("Scheduled sync for %s failed, next run retries: %v", target, err)
		case err != nil:
			log.Errorf("Scheduled sync for %s failed: %v", target, err)
		default:
			log.Infof("Scheduled sync for %s done: %d messages, %d attachments stored",
				target, report.MessagesProcessed, report.AttachmentsStored)
		}
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Jobs returns registered job names
func (s *Scheduler) Jobs() []string {
	var out []string
	for name := range s.jobIDs {
		out = append(out, name)
	}
	return out
}

type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: %s%s", msg, formatKV(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("cron: %s%s: %v", msg, formatKV(keysAndValues), err)
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
