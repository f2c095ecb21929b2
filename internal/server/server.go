package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/khwj/personal-analytics/internal/auth"
	"github.com/khwj/personal-analytics/internal/eventstore/sqlite"
	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/providers/gmail"
	"github.com/khwj/personal-analytics/internal/sync"
)

const stateTTL = 10 * time.Minute

// Credentials is the OAuth flow of the mailbox owner
type Credentials interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Watcher renews mailbox push notifications
type Watcher interface {
	Watch(ctx context.Context, topic string, labelIDs []string) (*gmail.WatchResponse, error)
}

// Ledger lists attachments already stored for a message
type Ledger interface {
	Attachments(ctx context.Context, providerMessageID string) ([]sqlite.AttachmentRecord, error)
}

// HeadFunc returns the provider's current watermark
type HeadFunc func(ctx context.Context) (string, error)

// Options wires the HTTP surface. Nil collaborators disable their routes.
type Options struct {
	Manager     *sync.Manager
	Target      string
	Checkpoint  *sync.Checkpoint
	Credentials Credentials
	Watcher     Watcher
	Head        HeadFunc
	Ledger      Ledger
	Verifier    *auth.JWTVerifier
	Reporter    ErrorReporter
	Log         logger.Logger

	WatchTopic  string
	WatchLabels []string
	PassTimeout time.Duration
}

// Server exposes sync triggers and the OAuth flow over HTTP
type Server struct {
	opts   Options
	engine *gin.Engine

	statesMutex gosync.Mutex
	states      map[string]time.Time
}

type syncRequest struct {
	StartHistoryID string `json:"startHistoryId"`
}

// New builds the router
func New(opts Options) *Server {
	if opts.Reporter == nil {
		opts.Reporter = NewLogReporter(opts.Log)
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = 10 * time.Minute
	}

	s := &Server{opts: opts, states: make(map[string]time.Time)}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := r.Group("/")
	if opts.Verifier != nil {
		protected.Use(opts.Verifier.RequireUser())
	}

	protected.POST("/sync", s.handleSync)
	protected.POST("/sync/stop", s.handleStop)
	protected.GET("/sync/status", s.handleStatus)
	if opts.Ledger != nil {
		protected.GET("/attachments/:messageId", s.handleAttachments)
	}
	if opts.Head != nil && opts.Checkpoint != nil {
		protected.POST("/sync/bootstrap", s.handleBootstrap)
	}
	if opts.Watcher != nil {
		protected.POST("/watch/renew", s.handleWatch)
	}
	if opts.Credentials != nil {
		r.GET("/oauth/login", s.handleLogin)
		r.GET("/oauth/callback", s.handleCallback)
		protected.POST("/oauth/refresh", s.handleRefresh)
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if c.Query("async") == "true" {
		s.startAsync(c, req.StartHistoryID)
		return
	}

	// the pass outlives a disconnecting client
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.opts.PassTimeout)
	defer cancel()

	report, err := s.opts.Manager.RunOnce(ctx, s.opts.Target, req.StartHistoryID)
	if err != nil {
		status := statusFor(err)
		s.report(c, status, err)
		c.JSON(status, gin.H{"error": err.Error(), "retryable": sync.IsRetryable(err), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) startAsync(c *gin.Context, startHistoryID string) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	if err := s.opts.Manager.StartSync(ctx, s.opts.Target, startHistoryID); err != nil {
		cancel()
		s.fail(c, err)
		return
	}
	time.AfterFunc(s.opts.PassTimeout, cancel)
	c.JSON(http.StatusAccepted, gin.H{"target": s.opts.Target, "status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.opts.Manager.StopSync(s.opts.Target); err != nil {
		s.fail(c, err)
		return
	}
	s.opts.Log.Infof("Stop requested for %s", s.opts.Target)
	c.JSON(http.StatusOK, gin.H{"target": s.opts.Target, "status": "stopping"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"target":     s.opts.Target,
		"running":    s.opts.Manager.IsRunning(s.opts.Target),
		"state":      s.opts.Manager.State(s.opts.Target),
		"lastReport": s.opts.Manager.LastReport(s.opts.Target),
	})
}

// handleBootstrap refuses to move an existing checkpoint unless force=true
func (s *Server) handleBootstrap(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("force") != "true" {
		current, err := s.opts.Checkpoint.Read(ctx)
		switch {
		case err == nil:
			c.JSON(http.StatusConflict, gin.H{"error": "checkpoint already exists", "historyId": current})
			return
		case !errors.Is(err, sync.ErrStateNotFound):
			s.fail(c, err)
			return
		}
	}

	head, err := s.opts.Head(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.opts.Checkpoint.Write(ctx, head)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.opts.Log.Infof("Checkpoint initialized at %s", head)
	c.JSON(http.StatusOK, gin.H{"historyId": head, "updateTime": res.UpdateTime})
}

func (s *Server) handleAttachments(c *gin.Context) {
	recs, err := s.opts.Ledger.Attachments(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		s.fail(c, sync.NewError(sync.KindStorage, "list attachments", err))
		return
	}
	if len(recs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stored attachments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": c.Param("messageId"), "attachments": recs})
}

func (s *Server) handleWatch(c *gin.Context) {
	res, err := s.opts.Watcher.Watch(c.Request.Context(), s.opts.WatchTopic, s.opts.WatchLabels)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.opts.Log.Infof("Watch renewed: historyId=%s, expiration=%s", res.HistoryID, res.Expiration)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLogin(c *gin.Context) {
	state := uuid.NewString()

	s.statesMutex.Lock()
	now := time.Now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(stateTTL)
	s.statesMutex.Unlock()

	c.Redirect(http.StatusFound, s.opts.Credentials.AuthCodeURL(state))
}

func (s *Server) handleCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errParam})
		return
	}
	if !s.consumeState(c.Query("state")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired state"})
		return
	}

	if _, err := s.opts.Credentials.Exchange(c.Request.Context(), c.Query("code")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "credentials stored"})
}

func (s *Server) handleRefresh(c *gin.Context) {
	tok, err := s.opts.Credentials.Refresh(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "expiry": tok.Expiry})
}

func (s *Server) consumeState(state string) bool {
	s.statesMutex.Lock()
	defer s.statesMutex.Unlock()

	exp, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return time.Now().Before(exp)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	s.report(c, status, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// report forwards everything except caller mistakes, overlap rejections and
// stops with nothing running
func (s *Server) report(c *gin.Context, status int, err error) {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		return
	}
	s.opts.Reporter.Report(err, c.Request)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.opts.Log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func statusFor(err error) int {
	if errors.Is(err, sync.ErrAlreadyRunning) {
		return http.StatusConflict
	}
	if errors.Is(err, sync.ErrNotRunning) {
		return http.StatusNotFound
	}
	switch sync.KindOf(err) {
	case sync.KindConfig:
		return http.StatusBadRequest
	case sync.KindCredential:
		return http.StatusUnauthorized
	case sync.KindProvider:
		return http.StatusBadGateway
	case sync.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
