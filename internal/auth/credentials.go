package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	gosync "sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/khwj/personal-analytics/internal/logger"
	"github.com/khwj/personal-analytics/internal/sync"
)

// OAuthConfig loads a client secrets file for the installed/web OAuth flow
func OAuthConfig(secretsFile string, scopes []string, redirectURL string) (*oauth2.Config, error) {
	raw, err := os.ReadFile(secretsFile)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "oauth config", fmt.Errorf("read client secrets: %w", err))
	}

	cfg, err := google.ConfigFromJSON(raw, scopes...)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "oauth config", fmt.Errorf("parse client secrets: %w", err))
	}
	if redirectURL != "" {
		cfg.RedirectURL = redirectURL
	}
	return cfg, nil
}

// CredentialStore keeps the mailbox OAuth token in the document store
type CredentialStore struct {
	docs   sync.DocumentStore
	docID  string
	config *oauth2.Config
	log    logger.Logger
	mu     gosync.Mutex
	// generation changes whenever a new grant is exchanged
	generation int
}

// NewCredentialStore stores credentials under docID
func NewCredentialStore(docs sync.DocumentStore, docID string, config *oauth2.Config, log logger.Logger) *CredentialStore {
	return &CredentialStore{docs: docs, docID: docID, config: config, log: log}
}

// Exchange trades an authorization code for a token and persists it
func (s *CredentialStore) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, sync.NewError(sync.KindCredential, "exchange code", errors.New("missing authorization code"))
	}

	tok, err := s.config.Exchange(ctx, code, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, sync.NewError(sync.KindCredential, "exchange code", err)
	}
	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
	s.log.Infof("Stored new OAuth credentials in %s", s.docID)
	return tok, nil
}

// AuthCodeURL returns the consent URL for state
func (s *CredentialStore) AuthCodeURL(state string) string {
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Token loads the stored token
func (s *CredentialStore) Token(ctx context.Context) (*oauth2.Token, error) {
	doc, err := s.docs.GetDocument(ctx, s.docID)
	if err != nil {
		if errors.Is(err, sync.ErrNotFound) {
			return nil, sync.NewError(sync.KindCredential, "load credentials", fmt.Errorf("no credentials stored in %s", s.docID))
		}
		return nil, sync.NewError(sync.KindCredential, "load credentials", err)
	}
	return tokenFromDocument(doc)
}

// Refresh forces a token refresh and persists the result
func (s *CredentialStore) Refresh(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, sync.NewError(sync.KindCredential, "refresh token", errors.New("stored credentials have no refresh token"))
	}

	expired := *tok
	expired.AccessToken = ""
	expired.Expiry = time.Now().Add(-time.Minute)

	fresh, err := s.config.TokenSource(ctx, &expired).Token()
	if err != nil {
		return nil, sync.NewError(sync.KindCredential, "refresh token", err)
	}
	if err := s.save(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// TokenSource returns a source that refreshes as needed and writes refreshed tokens back
func (s *CredentialStore) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		store: s,
		ctx:   ctx,
		src:   s.config.TokenSource(ctx, tok),
		last:  tok.AccessToken,
	}, nil
}

// LazyTokenSource loads stored credentials on first use and again after every new grant.
// The service can start before the first OAuth callback.
func (s *CredentialStore) LazyTokenSource(ctx context.Context) oauth2.TokenSource {
	return &lazySource{store: s, ctx: ctx, generation: -1}
}

func (s *CredentialStore) currentGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *CredentialStore) save(ctx context.Context, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.docs.SetDocument(ctx, s.docID, s.tokenDocument(tok)); err != nil {
		return sync.NewError(sync.KindStorage, "save credentials", err)
	}
	return nil
}

// tokenDocument uses the authorized-user JSON layout of the Google client libraries
func (s *CredentialStore) tokenDocument(tok *oauth2.Token) sync.Document {
	doc := sync.Document{
		"token":         tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"token_uri":     s.config.Endpoint.TokenURL,
		"client_id":     s.config.ClientID,
		"client_secret": s.config.ClientSecret,
		"scopes":        s.config.Scopes,
	}
	if !tok.Expiry.IsZero() {
		doc["expiry"] = tok.Expiry.UTC().Format(time.RFC3339)
	}
	return doc
}

func tokenFromDocument(doc sync.Document) (*oauth2.Token, error) {
	tok := &oauth2.Token{TokenType: "Bearer"}
	tok.AccessToken, _ = doc["token"].(string)
	tok.RefreshToken, _ = doc["refresh_token"].(string)

	if expiry, ok := doc["expiry"].(string); ok && expiry != "" {
		t, err := time.Parse(time.RFC3339, expiry)
		if err != nil {
			return nil, sync.NewError(sync.KindCredential, "load credentials", fmt.Errorf("bad expiry %q: %w", expiry, err))
		}
		tok.Expiry = t
	}

	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, sync.NewError(sync.KindCredential, "load credentials", errors.New("stored credentials are empty"))
	}
	return tok, nil
}

type persistingSource struct {
	store *CredentialStore
	ctx   context.Context
	src   oauth2.TokenSource
	mu    gosync.Mutex
	last  string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, sync.NewError(sync.KindCredential, "token", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.save(p.ctx, tok); err != nil {
			p.store.log.Warnf("Failed to persist refreshed token: %v", err)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}

type lazySource struct {
	store      *CredentialStore
	ctx        context.Context
	mu         gosync.Mutex
	inner      oauth2.TokenSource
	generation int
}

func (l *lazySource) Token() (*oauth2.Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen := l.store.currentGeneration(); l.inner == nil || gen != l.generation {
		inner, err := l.store.TokenSource(l.ctx)
		if err != nil {
			return nil, err
		}
		l.inner, l.generation = inner, gen
	}
	return l.inner.Token()
}
