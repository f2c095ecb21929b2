package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest/observer"
)

type RunnerSuite struct {
	suite.Suite
	ctx      context.Context
	provider *mockProvider
	docs     *mockDocumentStore
	blobs    *mockBlobStore
	logs     *observer.ObservedLogs
	runner   *Runner
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.ctx = context.Background()
	s.provider = new(mockProvider)
	s.docs = new(mockDocumentStore)
	s.blobs = new(mockBlobStore)

	paths, err := NewPathResolver(statementRules)
	s.Require().NoError(err)

	log, logs := observedLogger()
	s.logs = logs
	s.runner = &Runner{
		Provider:   s.provider,
		Checkpoint: NewCheckpoint(s.docs, "last_sync_state"),
		Blobs:      s.blobs,
		Paths:      paths,
		Log:        log,
		LabelID:    "Label_1",
	}
}

func (s *RunnerSuite) expectCheckpoint(historyID string) {
	s.docs.On("GetDocument", s.ctx, "last_sync_state").
		Return(Document{"historyId": historyID, "updatedTime": int64(1)}, nil)
}

func (s *RunnerSuite) expectCheckpointWrite(historyID string) {
	s.docs.On("SetDocument", s.ctx, "last_sync_state", mock.MatchedBy(func(d Document) bool {
		ts, ok := d["updatedTime"].(int64)
		return d["historyId"] == historyID && ok && ts > 0
	})).Return(time.Now(), nil).Once()
}

func (s *RunnerSuite) query(start string) HistoryQuery {
	return HistoryQuery{StartHistoryID: start, LabelID: "Label_1", HistoryTypes: DefaultHistoryTypes}
}

func (s *RunnerSuite) TestEndToEndUnmatchedSender() {
	s.expectCheckpoint("100")
	s.provider.On("ListHistory", s.ctx, s.query("100")).Return(&HistoryPage{
		HistoryID: "150",
		Entries:   []HistoryEntry{{ID: "101", MessageIDs: []string{"m1"}}},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").
		Return(rawMessage("m1", "Vendor <billing@vendor.io>", "Your invoice", attachmentPart("a1", "invoice.pdf", "application/pdf")), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("%PDF"), nil)
	s.blobs.On("Put", s.ctx, mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "unmatched_documents/from=billing@vendor.io/") && strings.HasSuffix(key, "_invoice.pdf")
	}), []byte("%PDF"), map[string]string{
		"subject":           "Your invoice",
		"from":              "billing@vendor.io",
		"receivedTimestamp": "1709600000000",
		"filename":          "invoice.pdf",
		"mimeType":          "application/pdf",
		"providerMessageId": "m1",
		"providerThreadId":  "t-m1",
		"attachmentId":      "a1",
	}).Return(nil).Once()
	s.expectCheckpointWrite("150")

	report, err := s.runner.Run(s.ctx, "")

	s.Require().NoError(err)
	s.Equal("100", report.StartHistoryID)
	s.Equal("150", report.NewHistoryID)
	s.Equal(1, report.AttachmentsStored)
	s.True(report.CheckpointAdvanced)
	s.Equal(StateIdle, s.runner.State())
	s.blobs.AssertExpectations(s.T())
	s.docs.AssertExpectations(s.T())
}

func (s *RunnerSuite) TestMatchedSenderUsesRuleAndBasePath() {
	s.runner.BasePath = "/documents/"
	s.provider.On("ListHistory", s.ctx, s.query("7")).Return(&HistoryPage{
		HistoryID: "8",
		Entries:   []HistoryEntry{{MessageIDs: []string{"m1"}}},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").
		Return(rawMessage("m1", "<statement@example.com>", "Statement (05/03/2024)", attachmentPart("a1", "bill.pdf", "application/pdf")), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("x"), nil)
	s.blobs.On("Put", s.ctx, "documents/example/statement_date=2024-03-05/bill.pdf", []byte("x"), mock.Anything).Return(nil)
	s.expectCheckpointWrite("8")

	_, err := s.runner.Run(s.ctx, "7")

	s.Require().NoError(err)
	s.docs.AssertNotCalled(s.T(), "GetDocument", mock.Anything, mock.Anything)
	s.blobs.AssertExpectations(s.T())
}

func (s *RunnerSuite) TestDuplicateMessageProcessedOnce() {
	s.provider.On("ListHistory", s.ctx, s.query("1")).Return(&HistoryPage{
		HistoryID: "5",
		Entries: []HistoryEntry{
			{ID: "2", MessageIDs: []string{"m1"}},
			{ID: "3", MessageIDs: []string{"m1", "m2"}},
		},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").Return(rawMessage("m1", "a@b.c", "s", attachmentPart("a1", "f", "")), nil).Once()
	s.provider.On("GetMessage", s.ctx, "m2").Return(rawMessage("m2", "a@b.c", "s"), nil).Once()
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("1"), nil).Once()
	s.blobs.On("Put", s.ctx, mock.Anything, []byte("1"), mock.Anything).Return(nil).Once()
	s.expectCheckpointWrite("5")

	report, err := s.runner.Run(s.ctx, "1")

	s.Require().NoError(err)
	s.Equal(2, report.MessagesFound)
	s.provider.AssertNumberOfCalls(s.T(), "GetMessage", 2)
	s.blobs.AssertNumberOfCalls(s.T(), "Put", 1)
}

func (s *RunnerSuite) TestFailedMessageDoesNotStopPass() {
	s.provider.On("ListHistory", s.ctx, s.query("1")).Return(&HistoryPage{
		HistoryID: "9",
		Entries:   []HistoryEntry{{MessageIDs: []string{"m1", "m2", "m3"}}},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").Return(rawMessage("m1", "a@b.c", "s", attachmentPart("a1", "one", "")), nil)
	s.provider.On("GetMessage", s.ctx, "m2").Return(nil, errors.New("500 backend error"))
	s.provider.On("GetMessage", s.ctx, "m3").Return(rawMessage("m3", "a@b.c", "s", attachmentPart("a3", "three", "")), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("1"), nil)
	s.provider.On("GetAttachment", s.ctx, "m3", "a3").Return([]byte("3"), nil)
	s.blobs.On("Put", s.ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil).Twice()
	s.expectCheckpointWrite("9")

	report, err := s.runner.Run(s.ctx, "1")

	s.Require().NoError(err)
	s.Equal(2, report.MessagesProcessed)
	s.Equal(1, report.MessagesFailed)
	s.Equal([]string{"m2"}, report.FailedMessageIDs)
	s.True(report.CheckpointAdvanced)
	s.docs.AssertExpectations(s.T())
	s.NotEmpty(s.logs.FilterMessageSnippet("Failed to process message m2").All())
}

func (s *RunnerSuite) TestFailedAttachmentIsIsolated() {
	s.provider.On("ListHistory", s.ctx, s.query("1")).Return(&HistoryPage{
		HistoryID: "2",
		Entries:   []HistoryEntry{{MessageIDs: []string{"m1"}}},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").
		Return(rawMessage("m1", "a@b.c", "s", attachmentPart("a1", "one", ""), attachmentPart("a2", "two", "")), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("1"), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a2").Return([]byte("2"), nil)
	s.blobs.On("Put", s.ctx, mock.Anything, []byte("1"), mock.Anything).Return(errors.New("write failed"))
	s.blobs.On("Put", s.ctx, mock.Anything, []byte("2"), mock.Anything).Return(nil)
	s.expectCheckpointWrite("2")

	report, err := s.runner.Run(s.ctx, "1")

	s.Require().NoError(err)
	s.Equal(1, report.AttachmentsStored)
	s.Equal(1, report.AttachmentsFailed)
	s.Equal(1, report.MessagesProcessed)
	s.blobs.AssertNumberOfCalls(s.T(), "Put", 2)
}

func (s *RunnerSuite) TestEmptyHistoryIsNoOp() {
	s.expectCheckpoint("42")
	s.provider.On("ListHistory", s.ctx, s.query("42")).Return(&HistoryPage{HistoryID: "42"}, nil)

	report, err := s.runner.Run(s.ctx, "")

	s.Require().NoError(err)
	s.True(report.UpToDate)
	s.False(report.CheckpointAdvanced)
	s.provider.AssertNotCalled(s.T(), "GetMessage", mock.Anything, mock.Anything)
	s.docs.AssertNotCalled(s.T(), "SetDocument", mock.Anything, mock.Anything, mock.Anything)
}

func (s *RunnerSuite) TestHistoryFailureAbortsPass() {
	s.expectCheckpoint("42")
	s.provider.On("ListHistory", s.ctx, s.query("42")).Return(nil, errors.New("connection reset"))

	report, err := s.runner.Run(s.ctx, "")

	s.Require().Error(err)
	s.Equal(KindProvider, KindOf(err))
	s.True(IsRetryable(err))
	s.False(report.CheckpointAdvanced)
	s.provider.AssertNotCalled(s.T(), "GetMessage", mock.Anything, mock.Anything)
	s.docs.AssertNotCalled(s.T(), "SetDocument", mock.Anything, mock.Anything, mock.Anything)

	errs := s.logs.FilterMessageSnippet("Failed to fetch mailbox history").All()
	s.Require().Len(errs, 1)
	s.Equal("error", errs[0].Level.String())
}

func (s *RunnerSuite) TestMissingWatermarkIsConfigError() {
	s.docs.On("GetDocument", s.ctx, "last_sync_state").Return(nil, ErrNotFound)

	_, err := s.runner.Run(s.ctx, "")

	s.Require().Error(err)
	s.Equal(KindConfig, KindOf(err))
	s.ErrorIs(err, ErrNoWatermark)
	s.provider.AssertNotCalled(s.T(), "ListHistory", mock.Anything, mock.Anything)
}

func (s *RunnerSuite) TestCheckpointWriteFailureSurfaces() {
	s.provider.On("ListHistory", s.ctx, s.query("1")).Return(&HistoryPage{
		HistoryID: "2",
		Entries:   []HistoryEntry{{MessageIDs: []string{"m1"}}},
	}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").Return(rawMessage("m1", "a@b.c", "s"), nil)
	s.docs.On("SetDocument", s.ctx, "last_sync_state", mock.Anything).Return(time.Time{}, errors.New("denied"))

	report, err := s.runner.Run(s.ctx, "1")

	s.Require().Error(err)
	s.Equal(KindStorage, KindOf(err))
	s.False(report.CheckpointAdvanced)
	s.Equal(1, report.MessagesProcessed)
}

func (s *RunnerSuite) TestCustomHistoryTypesAndNotifier() {
	notifier := new(mockNotifier)
	s.runner.Notifier = notifier
	s.runner.HistoryTypes = []string{"messageAdded"}
	s.provider.On("ListHistory", s.ctx, HistoryQuery{StartHistoryID: "1", LabelID: "Label_1", HistoryTypes: []string{"messageAdded"}}).
		Return(&HistoryPage{HistoryID: "2", Entries: []HistoryEntry{{MessageIDs: []string{"m1"}}}}, nil)
	s.provider.On("GetMessage", s.ctx, "m1").Return(rawMessage("m1", "a@b.c", "s", attachmentPart("a1", "f.txt", "text/plain")), nil)
	s.provider.On("GetAttachment", s.ctx, "m1", "a1").Return([]byte("1"), nil)
	s.blobs.On("Put", s.ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	notifier.On("AttachmentStored", s.ctx, mock.MatchedBy(func(a StoredAttachment) bool {
		return a.Message.ID == "m1" && a.Metadata["attachmentId"] == "a1" && strings.HasSuffix(a.Key, "_f.txt")
	})).Return(errors.New("outbox full"))
	s.expectCheckpointWrite("2")

	report, err := s.runner.Run(s.ctx, "1")

	s.Require().NoError(err)
	s.Equal(1, report.AttachmentsStored)
	notifier.AssertExpectations(s.T())
}

func TestRunnerWorkerPool(t *testing.T) {
	ctx := context.Background()
	provider := new(mockProvider)
	docs := new(mockDocumentStore)
	blobs := new(mockBlobStore)
	paths, err := NewPathResolver(nil)
	require.NoError(t, err)
	log, _ := observedLogger()

	ids := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	provider.On("ListHistory", ctx, mock.Anything).Return(&HistoryPage{
		HistoryID: "99",
		Entries:   []HistoryEntry{{MessageIDs: ids}},
	}, nil)
	for _, id := range ids {
		provider.On("GetMessage", ctx, id).Return(rawMessage(id, "x@y.z", "s", attachmentPart("a-"+id, id+".bin", "")), nil)
		provider.On("GetAttachment", ctx, id, "a-"+id).Return([]byte(id), nil)
	}
	blobs.On("Put", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	docs.On("SetDocument", ctx, "state", mock.Anything).Return(time.Now(), nil)

	r := &Runner{
		Provider:   provider,
		Checkpoint: NewCheckpoint(docs, "state"),
		Blobs:      blobs,
		Paths:      paths,
		Log:        log,
		Workers:    3,
	}
	report, err := r.Run(ctx, "10")

	require.NoError(t, err)
	assert.Equal(t, len(ids), report.MessagesProcessed)
	assert.Equal(t, len(ids), report.AttachmentsStored)
	blobs.AssertNumberOfCalls(t, "Put", len(ids))
}

func TestRunnerCancelledKeepsWatermark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := new(mockProvider)
	docs := new(mockDocumentStore)
	paths, err := NewPathResolver(nil)
	require.NoError(t, err)
	log, _ := observedLogger()

	provider.On("ListHistory", ctx, mock.Anything).Return(&HistoryPage{
		HistoryID: "99",
		Entries:   []HistoryEntry{{MessageIDs: []string{"m1", "m2"}}},
	}, nil)
	provider.On("GetMessage", ctx, "m1").Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	r := &Runner{Provider: provider, Checkpoint: NewCheckpoint(docs, "state"), Blobs: new(mockBlobStore), Paths: paths, Log: log}
	_, err = r.Run(ctx, "10")

	require.ErrorIs(t, err, context.Canceled)
	docs.AssertNotCalled(t, "SetDocument", mock.Anything, mock.Anything, mock.Anything)
	provider.AssertNotCalled(t, "GetMessage", mock.Anything, "m2")
}
