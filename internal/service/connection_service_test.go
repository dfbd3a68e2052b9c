package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
)

func threePages() *TokenPayload {
	return &TokenPayload{
		AccessToken: "user_token",
		Accounts: []models.AccountCandidate{
			{ID: "p1", Name: "Acme Leeds", Category: "Dentist", AccessToken: "page_token_1"},
			{ID: "p2", Name: "Acme York", Category: "Dentist", AccessToken: "page_token_2"},
			{ID: "p3", Name: "Acme Fans", Category: "Community"},
		},
	}
}

func TestOAuthCallbackParksMultipleAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil)
	ctx := context.Background()

	c, err := env.conns.RecordOAuthCallback(ctx, "acme", models.PlatformFacebook, threePages())
	if err != nil {
		t.Fatal(err)
	}
	conn := c.Attributes.Connection(models.PlatformFacebook)
	if conn == nil || len(conn.Candidates) != 3 {
		t.Fatalf("connection = %+v", conn)
	}
	if conn.AccessToken != "" || env.conns.IsConnected(c, models.PlatformFacebook) {
		t.Error("a pending selection must not count as connected")
	}
	// Accounts without their own token fall back to the login token.
	if conn.Candidates[2].AccessToken != "user_token" {
		t.Errorf("fallback token = %q", conn.Candidates[2].AccessToken)
	}

	statuses, err := env.conns.Connections(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		if s.Platform != models.PlatformFacebook {
			continue
		}
		if s.Connected || len(s.Pending) != 3 {
			t.Errorf("status = %+v", s)
		}
		for _, p := range s.Pending {
			if p.AccessToken != "" {
				t.Error("pending account tokens leaked into the status")
			}
		}
	}

	c, err = env.conns.SelectAccount(ctx, "acme", models.PlatformFacebook, "p2")
	if err != nil {
		t.Fatal(err)
	}
	conn = c.Attributes.Connection(models.PlatformFacebook)
	if conn.AccessToken != "page_token_2" || conn.AccountID != "p2" || conn.AccountName != "Acme York" {
		t.Errorf("committed connection = %+v", conn)
	}
	if len(conn.Candidates) != 0 {
		t.Errorf("candidates not cleared: %+v", conn.Candidates)
	}

	stored, _ := env.brand.Get(ctx, "acme")
	if !stored.Attributes.Connected(models.PlatformFacebook) {
		t.Error("selection was not stored")
	}
}

func TestSelectAccountRejectsUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil)
	ctx := context.Background()

	_, err := env.conns.SelectAccount(ctx, "acme", models.PlatformFacebook, "p1")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "account_id" {
		t.Fatalf("err = %v", err)
	}

	if _, err := env.conns.RecordOAuthCallback(ctx, "acme", models.PlatformFacebook, threePages()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.conns.SelectAccount(ctx, "acme", models.PlatformFacebook, "p9"); !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	c, _ := env.brand.Get(ctx, "acme")
	if c.Attributes.Connected(models.PlatformFacebook) {
		t.Error("failed selection committed a connection")
	}
}

func TestOAuthCallbackCommitsSingleAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil)
	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	c, err := env.conns.RecordOAuthCallback(context.Background(), "acme", models.PlatformLinkedIn, &TokenPayload{
		AccessToken:  "li_token",
		RefreshToken: "li_refresh",
		ExpiresAt:    &expires,
		Accounts:     []models.AccountCandidate{{ID: "urn:li:person:1", Name: "Jo"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	conn := c.Attributes.Connection(models.PlatformLinkedIn)
	if conn.AccessToken != "li_token" || conn.RefreshToken != "li_refresh" || conn.AccountID != "urn:li:person:1" {
		t.Errorf("connection = %+v", conn)
	}
	if conn.TokenExpiresAt == nil || !conn.TokenExpiresAt.Equal(expires) {
		t.Errorf("expires = %v", conn.TokenExpiresAt)
	}

	if _, err := env.conns.RecordOAuthCallback(context.Background(), "acme", models.PlatformLinkedIn, &TokenPayload{AccessToken: "x"}); err == nil {
		t.Error("expected an error when no account is returned")
	}
}

func TestHandleCallbackValidatesState(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil)
	env.registry.AddProvider(&fakeProvider{
		platform: models.PlatformX,
		exchange: func(code string) (*TokenPayload, error) {
			return &TokenPayload{AccessToken: "x_" + code, Accounts: []models.AccountCandidate{{ID: "42", Name: "@acme"}}}, nil
		},
	})
	env.registry.AddProvider(&fakeProvider{platform: models.PlatformLinkedIn})
	ctx := context.Background()

	authURL, err := env.conns.AuthURL(ctx, "acme", models.PlatformX)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")

	if _, err := env.conns.HandleCallback(ctx, models.PlatformLinkedIn, "code", state); err == nil {
		t.Error("state issued for x was accepted for linkedin")
	}
	if _, err := env.conns.HandleCallback(ctx, models.PlatformX, "code", "forged"); err == nil {
		t.Error("forged state was accepted")
	}

	c, err := env.conns.HandleCallback(ctx, models.PlatformX, "abc", state)
	if err != nil {
		t.Fatal(err)
	}
	if conn := c.Attributes.Connection(models.PlatformX); conn.AccessToken != "x_abc" || conn.AccountName != "@acme" {
		t.Errorf("connection = %+v", conn)
	}

	if _, err := env.conns.AuthURL(ctx, "missing", models.PlatformX); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	env := newTestEnv(t)
	provider := &fakeProvider{platform: models.PlatformFacebook}
	env.registry.AddProvider(provider)
	c := env.addClient(t, "acme", nil, models.PlatformFacebook)
	if _, err := env.brand.MergeAttributes(context.Background(), c.ID, map[string]any{"tone": "Warm"}); err != nil {
		t.Fatal(err)
	}

	c, err := env.conns.Disconnect(context.Background(), "acme", models.PlatformFacebook)
	if err != nil {
		t.Fatal(err)
	}
	if c.Attributes.Connection(models.PlatformFacebook) != nil {
		t.Errorf("connection kept: %+v", c.Attributes.Connection(models.PlatformFacebook))
	}
	if c.Attributes.Tone != "Warm" {
		t.Error("disconnect touched unrelated attributes")
	}
	if len(provider.revoked) != 1 || provider.revoked[0] != "tok_facebook" {
		t.Errorf("revoked = %v", provider.revoked)
	}
}

func TestRefreshConnection(t *testing.T) {
	env := newTestEnv(t)
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	env.registry.AddProvider(&fakeProvider{
		platform: models.PlatformLinkedIn,
		refresh: func(conn models.SocialConnection) (*TokenPayload, error) {
			return &TokenPayload{AccessToken: conn.AccessToken + "_new", RefreshToken: "r2", ExpiresAt: &expires}, nil
		},
	})
	env.addClient(t, "acme", nil, models.PlatformLinkedIn)

	if err := env.conns.Refresh(context.Background(), "acme", models.PlatformLinkedIn); err != nil {
		t.Fatal(err)
	}
	c, _ := env.brand.Get(context.Background(), "acme")
	conn := c.Attributes.Connection(models.PlatformLinkedIn)
	if conn.AccessToken != "tok_linkedin_new" || conn.RefreshToken != "r2" || !conn.TokenExpiresAt.Equal(expires) {
		t.Errorf("connection = %+v", conn)
	}
	if conn.AccountID != "acct_linkedin" {
		t.Error("refresh dropped the account")
	}
}

func TestRefreshRejectedFlagsReauth(t *testing.T) {
	env := newTestEnv(t)
	env.registry.AddProvider(&fakeProvider{
		platform: models.PlatformX,
		refresh: func(models.SocialConnection) (*TokenPayload, error) {
			return nil, classifyStatus(models.PlatformX, http.StatusUnauthorized, "invalid_grant")
		},
	})
	env.addClient(t, "acme", nil, models.PlatformX)

	if err := env.conns.Refresh(context.Background(), "acme", models.PlatformX); err == nil {
		t.Fatal("expected refresh error")
	}
	c, _ := env.brand.Get(context.Background(), "acme")
	conn := c.Attributes.Connection(models.PlatformX)
	if conn.AccessToken != "" || !conn.NeedsReauth {
		t.Errorf("connection = %+v", conn)
	}
}

func TestExpiringConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addClient(t, "acme", nil, models.PlatformLinkedIn, models.PlatformX)
	soon := env.clock.Now().Add(time.Hour)
	later := env.clock.Now().Add(30 * 24 * time.Hour)
	if _, err := env.brand.MergeAttributes(ctx, "acme", map[string]any{
		"linkedin_token_expires_at": soon.Format(time.RFC3339),
		"x_token_expires_at":        later.Format(time.RFC3339),
	}); err != nil {
		t.Fatal(err)
	}

	refs, err := env.conns.Expiring(ctx, env.clock.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0] != (ConnectionRef{ClientID: "acme", Platform: models.PlatformLinkedIn}) {
		t.Errorf("refs = %+v", refs)
	}
}
