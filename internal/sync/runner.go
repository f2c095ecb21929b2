package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/khwj/personal-analytics/internal/logger"
)

// State of a sync pass
type State string

const (
	StateIdle                State = "Idle"
	StateResolvingWatermark  State = "ResolvingWatermark"
	StateFetchingHistory     State = "FetchingHistory"
	StateProcessingMessages  State = "ProcessingMessages"
	StateAdvancingCheckpoint State = "AdvancingCheckpoint"
)

// Report summarizes one pass
type Report struct {
	StartHistoryID     string    `json:"startHistoryId"`
	NewHistoryID       string    `json:"newHistoryId,omitempty"`
	MessagesFound      int       `json:"messagesFound"`
	MessagesProcessed  int       `json:"messagesProcessed"`
	MessagesFailed     int       `json:"messagesFailed"`
	FailedMessageIDs   []string  `json:"failedMessageIds,omitempty"`
	AttachmentsStored  int       `json:"attachmentsStored"`
	AttachmentsFailed  int       `json:"attachmentsFailed"`
	UpToDate           bool      `json:"upToDate"`
	CheckpointAdvanced bool      `json:"checkpointAdvanced"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	Error              string    `json:"error,omitempty"`
}

// Runner drives sync passes for one mailbox label
type Runner struct {
	Provider   MailProvider
	Checkpoint *Checkpoint
	Blobs      BlobStore
	Paths      *PathResolver
	Notifier   Notifier // optional
	Log        logger.Logger

	LabelID      string
	HistoryTypes []string
	BasePath     string
	// Workers bounds concurrent message processing; values below 1 mean sequential
	Workers int

	fetcher *MessageFetcher
	mu      gosync.Mutex
	state   State
}

// State returns the current pass state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return StateIdle
	}
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.Log.Debugf("sync state: %s", s)
}

// Run executes one pass. An empty startHistoryID resumes from the checkpoint.
//
// Failures of single messages or attachments are logged and counted in the
// report; the checkpoint still advances to the history id of the response.
func (r *Runner) Run(ctx context.Context, startHistoryID string) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	defer func() {
		report.FinishedAt = time.Now()
		r.setState(StateIdle)
	}()

	fail := func(err error) (*Report, error) {
		report.Error = err.Error()
		return report, err
	}

	r.setState(StateResolvingWatermark)
	start, err := r.resolveWatermark(ctx, startHistoryID)
	if err != nil {
		r.Log.Errorf("Failed to resolve start history id: %v", err)
		return fail(err)
	}
	report.StartHistoryID = start

	historyTypes := r.HistoryTypes
	if len(historyTypes) == 0 {
		historyTypes = DefaultHistoryTypes
	}
	r.Log.Infof("Syncing mailbox from %s with label_id=%s, history_types=%v", start, r.LabelID, historyTypes)

	r.setState(StateFetchingHistory)
	page, err := r.Provider.ListHistory(ctx, HistoryQuery{
		StartHistoryID: start,
		LabelID:        r.LabelID,
		HistoryTypes:   historyTypes,
	})
	if err != nil {
		err = asProviderError("list history", err)
		r.Log.Errorf("Failed to fetch mailbox history: %v", err)
		return fail(err)
	}

	if len(page.Entries) == 0 {
		r.Log.Infof("Data is already up-to-date")
		report.UpToDate = true
		return report, nil
	}

	r.setState(StateProcessingMessages)
	ids := uniqueMessageIDs(page.Entries)
	report.MessagesFound = len(ids)
	r.processAll(ctx, ids, report)

	if err := ctx.Err(); err != nil {
		// cancelled messages were never attempted; keep the old watermark
		r.Log.Warnf("Sync cancelled, checkpoint stays at %s: %v", start, err)
		return fail(err)
	}

	r.setState(StateAdvancingCheckpoint)
	result, err := r.Checkpoint.Write(ctx, page.HistoryID)
	if err != nil {
		r.Log.Errorf("Failed to save history id %s: %v", page.HistoryID, err)
		return fail(err)
	}
	report.NewHistoryID = page.HistoryID
	report.CheckpointAdvanced = true
	r.Log.Infof("Checkpoint advanced to %s (took %s)", page.HistoryID, result.UpdateTime.Sub(report.StartedAt))

	if report.MessagesFailed > 0 {
		r.Log.Warnf("%d of %d messages failed and will not be retried: %v",
			report.MessagesFailed, report.MessagesFound, report.FailedMessageIDs)
	}

	return report, nil
}

func (r *Runner) resolveWatermark(ctx context.Context, startHistoryID string) (string, error) {
	if startHistoryID != "" {
		return startHistoryID, nil
	}

	id, err := r.Checkpoint.Read(ctx)
	if errors.Is(err, ErrStateNotFound) {
		return "", NewError(KindConfig, "resolve watermark", fmt.Errorf("%w: %w", ErrNoWatermark, err))
	}
	return id, err
}

// uniqueMessageIDs flattens history entries into ids in first-seen order
func uniqueMessageIDs(entries []HistoryEntry) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, entry := range entries {
		for _, id := range entry.MessageIDs {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

type messageResult struct {
	id     string
	stored int
	failed int
	err    error
}

// processAll runs processMessage over ids with a bounded worker pool
func (r *Runner) processAll(ctx context.Context, ids []string, report *Report) {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan string)
	results := make(chan messageResult, len(ids))

	var wg gosync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := ctx.Err(); err != nil {
					results <- messageResult{id: id, err: err}
					continue
				}
				stored, failed, err := r.processMessage(ctx, id)
				results <- messageResult{id: id, stored: stored, failed: failed, err: err}
			}
		}()
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(results)

	for res := range results {
		report.AttachmentsStored += res.stored
		report.AttachmentsFailed += res.failed
		if res.err != nil {
			r.Log.Errorf("Failed to process message %s: %v", res.id, res.err)
			report.MessagesFailed++
			report.FailedMessageIDs = append(report.FailedMessageIDs, res.id)
			continue
		}
		report.MessagesProcessed++
	}
}

// processMessage fetches one message and stores each attachment independently
func (r *Runner) processMessage(ctx context.Context, id string) (stored, failed int, err error) {
	msg, err := r.messageFetcher().Fetch(ctx, id)
	if err != nil {
		return 0, 0, err
	}

	for _, a := range msg.Attachments {
		key := JoinKey(r.BasePath, r.Paths.Resolve(msg.FromAddress, msg.Subject, a.Filename))
		metadata := AttachmentMetadata(msg, a)

		if err := r.Blobs.Put(ctx, key, a.Data, metadata); err != nil {
			r.Log.Errorf("Failed to store attachment %s of message %s at '%s': %v",
				a.ID, msg.ID, key, NewError(KindStorage, "put blob", err))
			failed++
			continue
		}
		stored++
		r.Log.Infof("File '%s' saved at '%s'", a.Filename, key)

		if r.Notifier != nil {
			if err := r.Notifier.AttachmentStored(ctx, StoredAttachment{Key: key, Message: msg, Metadata: metadata}); err != nil {
				r.Log.Warnf("Failed to record stored attachment '%s': %v", key, err)
			}
		}
	}

	return stored, failed, nil
}

func (r *Runner) messageFetcher() *MessageFetcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetcher == nil {
		r.fetcher = NewMessageFetcher(r.Provider)
	}
	return r.fetcher
}

// AttachmentMetadata is the metadata stored alongside each attachment blob
func AttachmentMetadata(msg *Message, a Attachment) map[string]string {
	return map[string]string{
		"subject":           msg.Subject,
		"from":              msg.FromAddress,
		"receivedTimestamp": strconv.FormatInt(msg.ReceivedTimestamp, 10),
		"filename":          a.Filename,
		"mimeType":          a.MimeType,
		"providerMessageId": msg.ID,
		"providerThreadId":  msg.ThreadID,
		"attachmentId":      a.ID,
	}
}
