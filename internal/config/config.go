package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/sync"
)

// Mail provider selectors
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// Store selectors
const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
	StoreGCS       = "gcs"
	StoreS3        = "s3"
)

type Config struct {
	App       *AppConfig
	Logger    *logger.Config
	Gmail     *GmailConfig
	OAuth     *OAuthConfig
	Outlook   *OutlookConfig
	Sync      *SyncConfig
	Firestore *FirestoreConfig
	SQLite    *SQLiteConfig
	GCS       *GCSConfig
	S3        *S3Config
	NATS      *NATSConfig
	Auth      *AuthConfig
}

type AppConfig struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	MailProvider  string `env:"MAIL_PROVIDER" envDefault:"gmail"`
	DocumentStore string `env:"DOCUMENT_STORE" envDefault:"sqlite"`
	BlobStore     string `env:"BLOB_STORE" envDefault:"gcs"`
	GCPProject    string `env:"GCP_PROJECT"`
	// Service account used for Firestore, Cloud Storage and Error Reporting
	ServiceAccountKeyFile string `env:"SERVICE_ACCOUNT_KEY_FILE"`
	ServiceName           string `env:"SERVICE_NAME" envDefault:"attachment-sync"`
}

type GmailConfig struct {
	LabelID            string   `env:"GMAIL_LABEL_ID"`
	NotificationsTopic string   `env:"GMAIL_NOTIFICATIONS_TOPIC"`
	HistoryTypes       []string `env:"GMAIL_HISTORY_TYPES" envSeparator:"," envDefault:"messageAdded,labelAdded"`
}

type OAuthConfig struct {
	ClientSecretsFile     string   `env:"GOOGLE_CLIENT_SECRETS_FILE" envDefault:"client_secrets.json"`
	Scopes                []string `env:"GOOGLE_OAUTH_SCOPES" envSeparator:"," envDefault:"https://www.googleapis.com/auth/gmail.readonly"`
	RedirectURI           string   `env:"GOOGLE_OAUTH_REDIRECT_URI"`
	CredentialsDocumentID string   `env:"GOOGLE_CREDENTIALS_DOCUMENT_ID" envDefault:"google_credentials"`
}

type OutlookConfig struct {
	BetterAuthURL string        `env:"BETTERAUTH_URL"`
	UserJWT       string        `env:"OUTLOOK_USER_JWT"`
	User          string        `env:"OUTLOOK_USER"`
	Folder        string        `env:"OUTLOOK_FOLDER" envDefault:"inbox"`
	Timeout       time.Duration `env:"BETTERAUTH_TIMEOUT" envDefault:"10s"`
}

type SyncConfig struct {
	BasePath           string        `env:"DESTINATION_BASE_PATH"`
	StateDocumentID    string        `env:"SYNC_STATE_DOCUMENT_ID" envDefault:"last_sync_state"`
	PathRulesFile      string        `env:"PATH_RULES_FILE"`
	Workers            int           `env:"SYNC_WORKERS" envDefault:"4"`
	CronSchedule       string        `env:"SYNC_CRON_SCHEDULE"`
	WatchRenewSchedule string        `env:"WATCH_RENEW_CRON_SCHEDULE"`
	PassTimeout        time.Duration `env:"SYNC_PASS_TIMEOUT" envDefault:"10m"`
}

type FirestoreConfig struct {
	Database   string `env:"FIRESTORE_DB"`
	Collection string `env:"FIRESTORE_COLLECTION" envDefault:"gmail_sync"`
}

type SQLiteConfig struct {
	Path string `env:"SQLITE_PATH" envDefault:"data/sync.db"`
}

type GCSConfig struct {
	Bucket string `env:"DESTINATION_BUCKET_NAME"`
}

type S3Config struct {
	Bucket       string `env:"S3_BUCKET"`
	Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint     string `env:"S3_ENDPOINT"`
	AccessKey    string `env:"S3_ACCESS_KEY"`
	SecretKey    string `env:"S3_SECRET_KEY"`
	UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"false"`
}

type NATSConfig struct {
	URL string `env:"NATS_URL"`
}

type AuthConfig struct {
	JWKSURL     string        `env:"JWKS_URL"`
	JWKSRefresh time.Duration `env:"JWKS_REFRESH_INTERVAL" envDefault:"5m"`
}

// InitConfig loads envFiles (or .env when none are given) and parses the environment.
// A missing default .env is not an error.
func InitConfig(envFiles ...string) (*Config, error) {
	cfg := &Config{
		App:       &AppConfig{},
		Logger:    &logger.Config{},
		Gmail:     &GmailConfig{},
		OAuth:     &OAuthConfig{},
		Outlook:   &OutlookConfig{},
		Sync:      &SyncConfig{},
		Firestore: &FirestoreConfig{},
		SQLite:    &SQLiteConfig{},
		GCS:       &GCSConfig{},
		S3:        &S3Config{},
		NATS:      &NATSConfig{},
		Auth:      &AuthConfig{},
	}

	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, sync.NewError(sync.KindConfig, "load env", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, sync.NewError(sync.KindConfig, "parse env", err)
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need
func (c *Config) Validate() error {
	var problems []string

	switch c.App.MailProvider {
	case ProviderGmail:
	case ProviderOutlook:
		if c.Outlook.BetterAuthURL == "" {
			problems = append(problems, "BETTERAUTH_URL is required for outlook")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown MAIL_PROVIDER %q", c.App.MailProvider))
	}

	switch c.App.DocumentStore {
	case StoreSQLite:
		if c.SQLite.Path == "" {
			problems = append(problems, "SQLITE_PATH is required for sqlite")
		}
	case StoreFirestore:
		if c.App.GCPProject == "" {
			problems = append(problems, "GCP_PROJECT is required for firestore")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown DOCUMENT_STORE %q", c.App.DocumentStore))
	}

	switch c.App.BlobStore {
	case StoreGCS:
		if c.GCS.Bucket == "" {
			problems = append(problems, "DESTINATION_BUCKET_NAME is required for gcs")
		}
	case StoreS3:
		if c.S3.Bucket == "" {
			problems = append(problems, "S3_BUCKET is required for s3")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown BLOB_STORE %q", c.App.BlobStore))
	}

	if c.Sync.Workers < 1 {
		problems = append(problems, "SYNC_WORKERS must be at least 1")
	}

	if len(problems) > 0 {
		return sync.NewError(sync.KindConfig, "validate config", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// LoadPathRules reads the rule table from a YAML, JSON or TOML file under the key "rules".
// An empty path yields no rules, so every attachment takes the fallback path.
func LoadPathRules(path string) ([]sync.PathRule, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, sync.NewError(sync.KindConfig, "load path rules", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, sync.NewError(sync.KindConfig, "load path rules", fmt.Errorf("reading %s: %w", path, err))
	}

	var rules []sync.PathRule
	if err := v.UnmarshalKey("rules", &rules); err != nil {
		return nil, sync.NewError(sync.KindConfig, "load path rules", fmt.Errorf("parsing %s: %w", path, err))
	}
	return rules, nil
}
