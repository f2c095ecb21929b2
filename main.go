package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/option"

	"github.com/khwj/personal-analytics/internal/auth"
	"github.com/khwj/personal-analytics/internal/blobstore/gcs"
	"github.com/khwj/personal-analytics/internal/blobstore/s3"
	"github.com/khwj/personal-analytics/internal/config"
	"github.com/khwj/personal-analytics/internal/docstore/firestore"
	"github.com/khwj/personal-analytics/internal/events"
	"github.com/khwj/personal-analytics/internal/eventstore/sqlite"
	"github.com/khwj/personal-analytics/internal/logger"
	natsjs "github.com/khwj/personal-analytics/internal/nats"
	"github.com/khwj/personal-analytics/internal/providers/gmail"
	"github.com/khwj/personal-analytics/internal/providers/outlook"
	"github.com/khwj/personal-analytics/internal/server"
	"github.com/khwj/personal-analytics/internal/sync"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()
	defer appLogger.Sync()

	if err := cfg.Validate(); err != nil {
		appLogger.Fatalf("Invalid configuration: %v", err)
	}
	if !cfg.Logger.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Fatalf("Service stopped: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	var gcpOpts []option.ClientOption
	if cfg.App.ServiceAccountKeyFile != "" {
		gcpOpts = append(gcpOpts, option.WithCredentialsFile(cfg.App.ServiceAccountKeyFile))
	}

	// sqlite holds the outbox even when documents live in Firestore
	var local *sqlite.Store
	if cfg.App.DocumentStore == config.StoreSQLite || cfg.NATS.URL != "" {
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		local = store
	}

	docs, closeDocs, err := openDocumentStore(ctx, cfg, local, gcpOpts)
	if err != nil {
		return err
	}
	defer closeDocs()

	blobs, closeBlobs, err := openBlobStore(ctx, cfg, gcpOpts)
	if err != nil {
		return err
	}
	defer closeBlobs()

	rules, err := config.LoadPathRules(cfg.Sync.PathRulesFile)
	if err != nil {
		return err
	}
	paths, err := sync.NewPathResolver(rules)
	if err != nil {
		return err
	}
	log.Infof("Loaded %d path rules", paths.Rules())

	checkpoint := sync.NewCheckpoint(docs, cfg.Sync.StateDocumentID)
	opts := server.Options{
		Target:      cfg.App.MailProvider,
		Checkpoint:  checkpoint,
		Log:         log,
		WatchTopic:  cfg.Gmail.NotificationsTopic,
		PassTimeout: cfg.Sync.PassTimeout,
	}
	if cfg.Gmail.LabelID != "" {
		opts.WatchLabels = []string{cfg.Gmail.LabelID}
	}

	runner := &sync.Runner{
		Checkpoint:   checkpoint,
		Blobs:        blobs,
		Paths:        paths,
		Log:          log.With("target", cfg.App.MailProvider),
		LabelID:      cfg.Gmail.LabelID,
		HistoryTypes: cfg.Gmail.HistoryTypes,
		BasePath:     cfg.Sync.BasePath,
		Workers:      cfg.Sync.Workers,
	}

	switch cfg.App.MailProvider {
	case config.ProviderGmail:
		oauthCfg, err := auth.OAuthConfig(cfg.OAuth.ClientSecretsFile, cfg.OAuth.Scopes, cfg.OAuth.RedirectURI)
		if err != nil {
			return err
		}
		creds := auth.NewCredentialStore(docs, cfg.OAuth.CredentialsDocumentID, oauthCfg, log)
		adapter, err := gmail.New(ctx, creds.LazyTokenSource(ctx), log)
		if err != nil {
			return err
		}
		runner.Provider = adapter
		opts.Credentials = creds
		opts.Head = adapter.CurrentHistoryID
		if cfg.Gmail.NotificationsTopic != "" {
			opts.Watcher = adapter
		}

	case config.ProviderOutlook:
		broker := auth.NewBetterAuthClient(cfg.Outlook.BetterAuthURL, cfg.Outlook.Timeout)
		adapter, err := outlook.New(broker, cfg.Outlook.UserJWT, cfg.Outlook.User, log)
		if err != nil {
			return err
		}
		runner.Provider = adapter
		runner.LabelID = cfg.Outlook.Folder
		opts.Head = func(ctx context.Context) (string, error) {
			return adapter.CurrentHistoryID(ctx, cfg.Outlook.Folder)
		}
	}

	if cfg.NATS.URL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		runner.Notifier = events.NewOutboxNotifier(local, runner.LabelID)
		opts.Ledger = local
		go events.NewDispatcher(local, publisher, log).Run(ctx)
	}

	manager := sync.NewManager(log)
	manager.Register(opts.Target, runner)
	defer manager.StopAll()
	opts.Manager = manager

	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh)
		if err != nil {
			return err
		}
		opts.Verifier = verifier
	}

	if cfg.App.GCPProject != "" {
		reporter, err := server.NewCloudReporter(ctx, cfg.App.GCPProject, cfg.App.ServiceName, log, gcpOpts...)
		if err != nil {
			log.Warnf("Error reporting disabled: %v", err)
		} else {
			defer reporter.Close()
			opts.Reporter = reporter
		}
	}

	scheduler := server.NewScheduler(log)
	if err := scheduler.AddJob("sync", cfg.Sync.CronSchedule, cfg.Sync.PassTimeout, server.SyncJob(manager, opts.Target, log)); err != nil {
		return err
	}
	if opts.Watcher != nil {
		watcher := opts.Watcher
		err := scheduler.AddJob("watch", cfg.Sync.WatchRenewSchedule, time.Minute, func(ctx context.Context) {
			res, err := watcher.Watch(ctx, opts.WatchTopic, opts.WatchLabels)
			if err != nil {
				log.Errorf("Watch renewal failed: %v", err)
				return
			}
			log.Infof("Watch renewed until %s", res.Expiration)
		})
		if err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           server.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDocumentStore(ctx context.Context, cfg *config.Config, local *sqlite.Store, opts []option.ClientOption) (sync.DocumentStore, func(), error) {
	if cfg.App.DocumentStore == config.StoreFirestore {
		store, err := firestore.New(ctx, cfg.App.GCPProject, cfg.Firestore.Database, cfg.Firestore.Collection, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return local, func() {}, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, opts []option.ClientOption) (sync.BlobStore, func(), error) {
	if cfg.App.BlobStore == config.StoreS3 {
		store, err := s3.New(ctx, s3.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	store, err := gcs.New(ctx, cfg.GCS.Bucket, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
