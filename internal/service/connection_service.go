package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/pkg/utils"
)

const oauthStateTTL = 15 * time.Minute

// connectionFields are the flattened attribute fields of one connection.
var connectionFields = []string{
	"access_token",
	"refresh_token",
	"token_expires_at",
	"account_id",
	"account_name",
	"candidates",
	"needs_reauth",
}

type ConnectionStatus struct {
	Platform    models.Platform           `json:"platform"`
	Connected   bool                      `json:"connected"`
	AccountID   string                    `json:"account_id,omitempty"`
	AccountName string                    `json:"account_name,omitempty"`
	NeedsReauth bool                      `json:"needs_reauth,omitempty"`
	ExpiresAt   *time.Time                `json:"token_expires_at,omitempty"`
	Pending     []models.AccountCandidate `json:"pending_accounts,omitempty"`
}

// ConnectionRef names one client's connection to one platform.
type ConnectionRef struct {
	ClientID string
	Platform models.Platform
}

type ConnectionService interface {
	IsConnected(c *models.Client, p models.Platform) bool
	Connections(ctx context.Context, clientID string) ([]ConnectionStatus, error)
	AuthURL(ctx context.Context, clientID string, p models.Platform) (string, error)
	// HandleCallback validates the OAuth state, exchanges the code and
	// records the result for the client named in the state.
	HandleCallback(ctx context.Context, p models.Platform, code, state string) (*models.Client, error)
	RecordOAuthCallback(ctx context.Context, clientID string, p models.Platform, payload *TokenPayload) (*models.Client, error)
	SelectAccount(ctx context.Context, clientID string, p models.Platform, accountID string) (*models.Client, error)
	Disconnect(ctx context.Context, clientID string, p models.Platform) (*models.Client, error)
	// FlagReauth marks the connection as needing a new login. dropToken also
	// clears the stored access token, which disconnects the platform.
	FlagReauth(ctx context.Context, clientID string, p models.Platform, reason string, dropToken bool) error
	Expiring(ctx context.Context, before time.Time) ([]ConnectionRef, error)
	Refresh(ctx context.Context, clientID string, p models.Platform) error
}

type connectionService struct {
	brand     BrandService
	platforms *PlatformRegistry
	secretKey string
}

func NewConnectionService(brand BrandService, platforms *PlatformRegistry, secretKey string) ConnectionService {
	return &connectionService{
		brand:     brand,
		platforms: platforms,
		secretKey: secretKey,
	}
}

func (s *connectionService) IsConnected(c *models.Client, p models.Platform) bool {
	return c != nil && c.Attributes.Connected(p)
}

func (s *connectionService) Connections(ctx context.Context, clientID string) ([]ConnectionStatus, error) {
	c, err := s.brand.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	out := make([]ConnectionStatus, 0, len(models.Platforms))
	for _, p := range models.Platforms {
		status := ConnectionStatus{Platform: p, Connected: c.Attributes.Connected(p)}
		if conn := c.Attributes.Connection(p); conn != nil {
			status.AccountID = conn.AccountID
			status.AccountName = conn.AccountName
			status.NeedsReauth = conn.NeedsReauth
			status.ExpiresAt = conn.TokenExpiresAt
			for _, cand := range conn.Candidates {
				status.Pending = append(status.Pending, models.AccountCandidate{ID: cand.ID, Name: cand.Name, Category: cand.Category})
			}
		}
		out = append(out, status)
	}
	return out, nil
}

func (s *connectionService) AuthURL(ctx context.Context, clientID string, p models.Platform) (string, error) {
	provider, err := s.platforms.Provider(p)
	if err != nil {
		return "", err
	}
	if _, err := s.brand.Get(ctx, clientID); err != nil {
		return "", err
	}

	state, err := utils.GenerateStateToken(s.secretKey, clientID, string(p), oauthStateTTL)
	if err != nil {
		return "", err
	}
	return provider.AuthCodeURL(state), nil
}

func (s *connectionService) HandleCallback(ctx context.Context, p models.Platform, code, state string) (*models.Client, error) {
	if code == "" {
		return nil, &ValidationError{Field: "code", Message: "is required"}
	}
	claims, err := utils.ValidateStateToken(s.secretKey, state)
	if err != nil {
		return nil, &ValidationError{Field: "state", Message: "invalid or expired"}
	}
	if claims.Platform != string(p) {
		return nil, &ValidationError{Field: "state", Message: fmt.Sprintf("issued for %s", claims.Platform)}
	}

	provider, err := s.platforms.Provider(p)
	if err != nil {
		return nil, err
	}
	payload, err := provider.Exchange(ctx, code, state)
	if err != nil {
		slog.Error("oauth exchange failed", "client_id", claims.ClientID, "platform", p, "error", err)
		return nil, err
	}
	return s.RecordOAuthCallback(ctx, claims.ClientID, p, payload)
}

// RecordOAuthCallback commits a single discovered account right away. More
// than one account is parked under {platform}_candidates until SelectAccount.
func (s *connectionService) RecordOAuthCallback(ctx context.Context, clientID string, p models.Platform, payload *TokenPayload) (*models.Client, error) {
	if payload == nil || len(payload.Accounts) == 0 {
		return nil, &ValidationError{Field: "accounts", Message: fmt.Sprintf("%s returned no account to publish as", p)}
	}

	var patch map[string]any
	if len(payload.Accounts) == 1 {
		patch = commitPatch(p, withFallbackTokens(payload.Accounts[0], payload))
	} else {
		candidates := make([]models.AccountCandidate, len(payload.Accounts))
		for i, acc := range payload.Accounts {
			candidates[i] = withFallbackTokens(acc, payload)
		}
		patch = map[string]any{models.ConnectionKey(p, "candidates"): candidates}
	}

	c, err := s.brand.UpdateAttributes(ctx, clientID, func(models.Attributes) (map[string]any, error) {
		return patch, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("oauth callback recorded", "client_id", clientID, "platform", p, "accounts", len(payload.Accounts))
	return c, nil
}

func (s *connectionService) SelectAccount(ctx context.Context, clientID string, p models.Platform, accountID string) (*models.Client, error) {
	if !p.Valid() {
		return nil, &ValidationError{Field: "platform", Message: fmt.Sprintf("unsupported platform %q", p)}
	}

	c, err := s.brand.UpdateAttributes(ctx, clientID, func(cur models.Attributes) (map[string]any, error) {
		conn := cur.Connection(p)
		if conn == nil || len(conn.Candidates) == 0 {
			return nil, &ValidationError{Field: "account_id", Message: fmt.Sprintf("no %s accounts are waiting for selection", p)}
		}
		for _, cand := range conn.Candidates {
			if cand.ID == accountID {
				return commitPatch(p, cand), nil
			}
		}
		return nil, &ValidationError{Field: "account_id", Message: fmt.Sprintf("%q is not one of the pending accounts", accountID)}
	})
	if err != nil {
		return nil, err
	}
	slog.Info("account selected", "client_id", clientID, "platform", p, "account_id", accountID)
	return c, nil
}

func (s *connectionService) Disconnect(ctx context.Context, clientID string, p models.Platform) (*models.Client, error) {
	if !p.Valid() {
		return nil, &ValidationError{Field: "platform", Message: fmt.Sprintf("unsupported platform %q", p)}
	}

	var removed *models.SocialConnection
	c, err := s.brand.UpdateAttributes(ctx, clientID, func(cur models.Attributes) (map[string]any, error) {
		if conn := cur.Connection(p); conn != nil {
			cp := *conn
			removed = &cp
		}
		patch := make(map[string]any, len(connectionFields))
		for _, field := range connectionFields {
			patch[models.ConnectionKey(p, field)] = nil
		}
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	if removed != nil && removed.AccessToken != "" {
		if provider, perr := s.platforms.Provider(p); perr == nil {
			if revoker, ok := provider.(Revoker); ok {
				if err := revoker.Revoke(ctx, *removed); err != nil {
					slog.Warn("token revoke failed", "client_id", clientID, "platform", p, "error", err)
				}
			}
		}
	}
	slog.Info("connection removed", "client_id", clientID, "platform", p)
	return c, nil
}

func (s *connectionService) FlagReauth(ctx context.Context, clientID string, p models.Platform, reason string, dropToken bool) error {
	_, err := s.brand.UpdateAttributes(ctx, clientID, func(models.Attributes) (map[string]any, error) {
		patch := map[string]any{models.ConnectionKey(p, "needs_reauth"): true}
		if dropToken {
			patch[models.ConnectionKey(p, "access_token")] = nil
		}
		return patch, nil
	})
	if err != nil {
		return err
	}
	slog.Warn("connection needs re-authentication", "client_id", clientID, "platform", p, "reason", reason, "token_dropped", dropToken)
	return nil
}

func (s *connectionService) Expiring(ctx context.Context, before time.Time) ([]ConnectionRef, error) {
	clients, err := s.brand.List(ctx)
	if err != nil {
		return nil, err
	}

	var refs []ConnectionRef
	for _, c := range clients {
		for _, p := range c.Attributes.ConnectedPlatforms() {
			conn := c.Attributes.Connection(p)
			if conn.TokenExpiresAt != nil && conn.TokenExpiresAt.Before(before) {
				refs = append(refs, ConnectionRef{ClientID: c.ID, Platform: p})
			}
		}
	}
	return refs, nil
}

// Refresh renews one connection's token. A refresh the platform rejects
// flags the connection for re-authentication.
func (s *connectionService) Refresh(ctx context.Context, clientID string, p models.Platform) error {
	c, err := s.brand.Get(ctx, clientID)
	if err != nil {
		return err
	}
	conn := c.Attributes.Connection(p)
	if conn == nil || conn.AccessToken == "" {
		return nil
	}

	provider, err := s.platforms.Provider(p)
	if err != nil {
		return err
	}
	payload, err := provider.Refresh(ctx, *conn)
	if err != nil {
		var pe *PlatformError
		if errors.As(err, &pe) && pe.Reauth {
			if ferr := s.FlagReauth(ctx, clientID, p, pe.Message, true); ferr != nil {
				return ferr
			}
		}
		return err
	}

	_, err = s.brand.UpdateAttributes(ctx, clientID, func(cur models.Attributes) (map[string]any, error) {
		now := cur.Connection(p)
		if now == nil || now.AccessToken != conn.AccessToken {
			// Reconnected while the refresh was in flight.
			return nil, nil
		}
		patch := map[string]any{
			models.ConnectionKey(p, "access_token"):     payload.AccessToken,
			models.ConnectionKey(p, "token_expires_at"): timeValue(payload.ExpiresAt),
			models.ConnectionKey(p, "needs_reauth"):     nil,
		}
		if payload.RefreshToken != "" {
			patch[models.ConnectionKey(p, "refresh_token")] = payload.RefreshToken
		}
		return patch, nil
	})
	if err != nil {
		return err
	}
	slog.Info("token refreshed", "client_id", clientID, "platform", p)
	return nil
}

// withFallbackTokens gives an account the login-level tokens when the
// platform did not issue it tokens of its own.
func withFallbackTokens(acc models.AccountCandidate, payload *TokenPayload) models.AccountCandidate {
	if acc.AccessToken == "" {
		acc.AccessToken = payload.AccessToken
		acc.RefreshToken = payload.RefreshToken
		acc.TokenExpiresAt = payload.ExpiresAt
	}
	return acc
}

// commitPatch stores acc as the platform's connection and clears any pending
// candidate list.
func commitPatch(p models.Platform, acc models.AccountCandidate) map[string]any {
	patch := map[string]any{
		models.ConnectionKey(p, "access_token"):     acc.AccessToken,
		models.ConnectionKey(p, "refresh_token"):    nil,
		models.ConnectionKey(p, "token_expires_at"): timeValue(acc.TokenExpiresAt),
		models.ConnectionKey(p, "account_id"):       acc.ID,
		models.ConnectionKey(p, "account_name"):     acc.Name,
		models.ConnectionKey(p, "candidates"):       nil,
		models.ConnectionKey(p, "needs_reauth"):     nil,
	}
	if acc.RefreshToken != "" {
		patch[models.ConnectionKey(p, "refresh_token")] = acc.RefreshToken
	}
	return patch
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
