package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/transfer"
	"golang.org/x/oauth2"
)

const (
	xAPIURL      = "https://api.x.com"
	xAuthURL     = "https://x.com/i/oauth2/authorize"
	xMaxPostRune = 280
)

type XService struct {
	oauth  *oauth2.Config
	api    apiClient
	apiURL string
	secret []byte
}

// NewXService signs PKCE verifiers with secret so the callback can rebuild
// the verifier from the state alone.
func NewXService(app config.OAuthApp, secret string, hc *http.Client) *XService {
	return &XService{
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   xAuthURL,
				TokenURL:  xAPIURL + "/2/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		api:    newAPIClient(models.PlatformX, hc),
		apiURL: xAPIURL,
		secret: []byte(secret),
	}
}

func (s *XService) Platform() models.Platform { return models.PlatformX }

// verifier derives the PKCE code verifier for one state value.
func (s *XService) verifier(state string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("x-pkce:" + state))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *XService) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(s.verifier(state)))
}

func (s *XService) Exchange(ctx context.Context, code, state string) (*TokenPayload, error) {
	token, err := s.oauth.Exchange(oauthContext(ctx, s.api.http), code, oauth2.VerifierOption(s.verifier(state)))
	if err != nil {
		return nil, oauthError(models.PlatformX, err)
	}

	var user transfer.XUserResponse
	if err := s.api.getJSON(ctx, s.apiURL+"/2/users/me", token.AccessToken, &user); err != nil {
		return nil, err
	}

	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
		Accounts:     []models.AccountCandidate{{ID: user.Data.ID, Name: "@" + user.Data.Username}},
	}, nil
}

// Refresh rotates the token pair. X invalidates the old refresh token.
func (s *XService) Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	if conn.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}
	token, err := s.oauth.TokenSource(oauthContext(ctx, s.api.http), &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, oauthError(models.PlatformX, err)
	}
	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
	}, nil
}

func (s *XService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	var out transfer.XTweetResponse
	body := transfer.XTweetRequest{Text: truncateRunes(req.Text, xMaxPostRune)}
	if err := s.api.postJSON(ctx, s.apiURL+"/2/tweets", conn.AccessToken, body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, &PlatformError{Platform: models.PlatformX, Message: "response carried no tweet id"}
	}
	return &PublishResult{ExternalID: out.Data.ID, URL: "https://x.com/i/web/status/" + out.Data.ID}, nil
}
