package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/config"
	"brd-sync/internal/features/audit"
	"brd-sync/internal/jira"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	stateTTL      = 10 * time.Minute
	refreshBuffer = 5 * time.Minute
)

// CredentialManager owns OAuth acquisition, encrypted storage and refresh
// of Jira credentials.
type CredentialManager interface {
	Enabled() bool
	AuthorizationURL(ctx context.Context, userID string) (string, error)
	HandleCallback(ctx context.Context, code, state, errParam string) (*Connection, error)
	AccessToken(ctx context.Context, connID string) (*Token, error)
	Get(ctx context.Context, connID string) (*Connection, error)
	List(ctx context.Context, userID string) ([]Connection, error)
	Revoke(ctx context.Context, connID string) error
	DeactivateIdle(ctx context.Context, maxIdle time.Duration) (int64, error)
	TouchLastSync(ctx context.Context, connID string) error
	WebhookSecret(ctx context.Context, connID string) (string, error)
	EnsureIndexes(ctx context.Context) error
}

type CredentialManagerImpl struct {
	Repo         ConnectionRepository
	States       StateRepository
	Cipher       TokenCipher
	AuditService audit.AuditService
	Logger       *zap.Logger

	oauth        *oauth2.Config
	resourcesURL string
	httpClient   *http.Client
	refreshGroup singleflight.Group
	now          func() time.Time

	disabledOnce sync.Once
	configErr    error
}

func NewCredentialManager(cfg *config.Config, repo ConnectionRepository, states StateRepository, cipher TokenCipher, auditService audit.AuditService, logger *zap.Logger) CredentialManager {
	s := &CredentialManagerImpl{
		Repo:         repo,
		States:       states,
		Cipher:       cipher,
		AuditService: auditService,
		Logger:       logger,
		oauth: &oauth2.Config{
			ClientID:     cfg.Jira.ClientID,
			ClientSecret: cfg.Jira.ClientSecret,
			RedirectURL:  cfg.Jira.RedirectURL,
			Scopes:       cfg.Jira.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.Jira.AuthURL,
				TokenURL:  cfg.Jira.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		resourcesURL: cfg.Jira.ResourcesURL,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		now:          time.Now,
	}

	var missing []string
	if cfg.Jira.ClientID == "" {
		missing = append(missing, "JIRA_CLIENT_ID")
	}
	if cfg.Jira.ClientSecret == "" {
		missing = append(missing, "JIRA_CLIENT_SECRET")
	}
	if cipher == nil {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		s.configErr = &ConfigError{Missing: missing}
	}
	return s
}

// ProvideTokenCipher builds the AES-GCM cipher from TOKEN_ENCRYPTION_KEY.
// A missing or malformed key yields nil, which disables the integration.
func ProvideTokenCipher(cfg *config.Config, logger *zap.Logger) TokenCipher {
	if cfg.TokenEncryptionKey == "" {
		return nil
	}
	c, err := NewAESGCMCipher(cfg.TokenEncryptionKey)
	if err != nil {
		logger.Error("Invalid token encryption key", zap.Error(err))
		return nil
	}
	return c
}

func (s *CredentialManagerImpl) Enabled() bool {
	if s.configErr != nil {
		s.disabledOnce.Do(func() {
			s.Logger.Error("Jira integration disabled", zap.Error(s.configErr))
		})
		return false
	}
	return true
}

func (s *CredentialManagerImpl) EnsureIndexes(ctx context.Context) error {
	if err := s.Repo.EnsureIndexes(ctx); err != nil {
		return err
	}
	return s.States.EnsureIndexes(ctx)
}

func (s *CredentialManagerImpl) AuthorizationURL(ctx context.Context, userID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	state, err := randomHex(32)
	if err != nil {
		return "", err
	}

	now := s.now()
	if err := s.States.Save(ctx, OAuthState{
		State:     state,
		UserID:    userID,
		ExpiresAt: now.Add(stateTTL),
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	return s.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (s *CredentialManagerImpl) HandleCallback(ctx context.Context, code, state, errParam string) (*Connection, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if errParam != "" {
		return nil, &OAuthError{Op: "authorize", Body: errParam}
	}
	if state == "" || code == "" {
		return nil, ErrInvalidState
	}

	st, err := s.States.Consume(ctx, state, s.now())
	if err != nil {
		return nil, err
	}

	tok, err := s.oauth.Exchange(s.clientContext(ctx), code)
	if err != nil {
		return nil, oauthError("exchange", err)
	}

	resources, err := jira.AccessibleResources(ctx, s.httpClient, s.resourcesURL, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve jira site: %w", err)
	}
	if len(resources) == 0 {
		return nil, ErrNoAccessibleSites
	}
	site := resources[0]

	accessEnc, err := s.Cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := s.Cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	secretEnc, err := s.Cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	conn, err := s.Repo.Upsert(ctx, &Connection{
		UserID:           st.UserID,
		RemoteSiteID:     site.ID,
		SiteURL:          site.URL,
		SiteName:         site.Name,
		AccessTokenEnc:   accessEnc,
		RefreshTokenEnc:  refreshEnc,
		WebhookSecretEnc: secretEnc,
		TokenExpiresAt:   tok.Expiry,
		Scopes:           grantedScopes(tok, site),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	s.Logger.Info("Jira connection established",
		zap.String("connection_id", conn.ID.Hex()),
		zap.String("user_id", st.UserID),
		zap.String("site", site.URL))
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionConnect, "connection", conn.ID.Hex(), map[string]common_models.Change{
		"site_url": {New: site.URL},
	})

	return conn, nil
}

// AccessToken returns a usable token for the connection, refreshing it
// first when it expires within the buffer.
func (s *CredentialManagerImpl) AccessToken(ctx context.Context, connID string) (*Token, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}

	conn, err := s.usable(ctx, connID)
	if err != nil {
		return nil, err
	}
	if s.fresh(conn) {
		return s.decryptToken(ctx, conn)
	}

	v, err, _ := s.refreshGroup.Do(connID, func() (interface{}, error) {
		// another caller may have refreshed while we waited
		current, err := s.usable(ctx, connID)
		if err != nil {
			return nil, err
		}
		if s.fresh(current) {
			return s.decryptToken(ctx, current)
		}
		return s.refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (s *CredentialManagerImpl) refresh(ctx context.Context, conn *Connection) (*Token, error) {
	log := s.Logger.With(zap.String("connection_id", conn.ID.Hex()))

	refreshToken, err := s.Cipher.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		s.deactivate(ctx, conn, ReasonTokenCorrupted)
		return nil, ErrTokenCorrupted
	}

	src := s.oauth.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		oerr := oauthError("refresh", err)
		log.Warn("Token refresh failed, deactivating connection", zap.Error(oerr))
		s.deactivate(ctx, conn, ReasonRefreshFailed)
		return nil, oerr
	}

	// issuers that do not rotate leave the field empty
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	accessEnc, err := s.Cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := s.Cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpdateTokens(ctx, conn.ID, accessEnc, refreshEnc, tok.Expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	log.Debug("Access token refreshed", zap.Time("expires_at", tok.Expiry))

	return &Token{
		ConnectionID: conn.ID.Hex(),
		AccessToken:  tok.AccessToken,
		SiteID:       conn.RemoteSiteID,
		SiteURL:      conn.SiteURL,
	}, nil
}

func (s *CredentialManagerImpl) Get(ctx context.Context, connID string) (*Connection, error) {
	return s.Repo.FindByID(ctx, connID)
}

func (s *CredentialManagerImpl) List(ctx context.Context, userID string) ([]Connection, error) {
	return s.Repo.FindByUser(ctx, userID)
}

// Revoke deactivates the connection; its history stays.
func (s *CredentialManagerImpl) Revoke(ctx context.Context, connID string) error {
	conn, err := s.Repo.FindByID(ctx, connID)
	if err != nil {
		return err
	}
	if err := s.Repo.Deactivate(ctx, conn.ID, ReasonRevoked); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionRevoke, "connection", connID, map[string]common_models.Change{
		"is_active": {Old: conn.IsActive, New: false},
	})
	return nil
}

func (s *CredentialManagerImpl) DeactivateIdle(ctx context.Context, maxIdle time.Duration) (int64, error) {
	n, err := s.Repo.DeactivateIdle(ctx, s.now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Logger.Info("Deactivated idle connections", zap.Int64("count", n))
		_ = s.AuditService.LogChange(ctx, common_models.AuditActionDeactivate, "connection", "", map[string]common_models.Change{
			"deactivated": {New: n},
		})
	}
	return n, nil
}

func (s *CredentialManagerImpl) TouchLastSync(ctx context.Context, connID string) error {
	conn, err := s.Repo.FindByID(ctx, connID)
	if err != nil {
		return err
	}
	return s.Repo.TouchLastSync(ctx, conn.ID, s.now())
}

func (s *CredentialManagerImpl) WebhookSecret(ctx context.Context, connID string) (string, error) {
	if s.Cipher == nil {
		return "", ErrDisabled
	}
	conn, err := s.usable(ctx, connID)
	if err != nil {
		return "", err
	}
	secret, err := s.Cipher.Decrypt(conn.WebhookSecretEnc)
	if err != nil {
		s.deactivate(ctx, conn, ReasonTokenCorrupted)
		return "", ErrTokenCorrupted
	}
	return secret, nil
}

func (s *CredentialManagerImpl) usable(ctx context.Context, connID string) (*Connection, error) {
	conn, err := s.Repo.FindByID(ctx, connID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, ErrConnectionInactive
	}
	return conn, nil
}

func (s *CredentialManagerImpl) fresh(conn *Connection) bool {
	return s.now().Add(refreshBuffer).Before(conn.TokenExpiresAt)
}

func (s *CredentialManagerImpl) decryptToken(ctx context.Context, conn *Connection) (*Token, error) {
	access, err := s.Cipher.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		s.deactivate(ctx, conn, ReasonTokenCorrupted)
		return nil, ErrTokenCorrupted
	}
	return &Token{
		ConnectionID: conn.ID.Hex(),
		AccessToken:  access,
		SiteID:       conn.RemoteSiteID,
		SiteURL:      conn.SiteURL,
	}, nil
}

func (s *CredentialManagerImpl) deactivate(ctx context.Context, conn *Connection, reason string) {
	if err := s.Repo.Deactivate(ctx, conn.ID, reason); err != nil {
		s.Logger.Error("Failed to deactivate connection",
			zap.String("connection_id", conn.ID.Hex()), zap.Error(err))
		return
	}
	s.Logger.Warn("Connection deactivated",
		zap.String("connection_id", conn.ID.Hex()), zap.String("reason", reason))
	_ = s.AuditService.LogChange(ctx, common_models.AuditActionDeactivate, "connection", conn.ID.Hex(), map[string]common_models.Change{
		"deactivated_reason": {Old: conn.DeactivatedReason, New: reason},
	})
}

func (s *CredentialManagerImpl) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func oauthError(op string, err error) *OAuthError {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		out := &OAuthError{Op: op, Body: string(rerr.Body), Err: err}
		if rerr.Response != nil {
			out.StatusCode = rerr.Response.StatusCode
		}
		return out
	}
	return &OAuthError{Op: op, Err: err}
}

func grantedScopes(tok *oauth2.Token, site jira.Resource) []string {
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	return site.Scopes
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
