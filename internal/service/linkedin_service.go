package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"
)

const linkedInAPIURL = "https://api.linkedin.com"

type LinkedInService struct {
	oauth  *oauth2.Config
	api    apiClient
	apiURL string
}

func NewLinkedInService(app config.OAuthApp, hc *http.Client) *LinkedInService {
	return &LinkedInService{
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       []string{"openid", "profile", "email", "w_member_social"},
			Endpoint:     linkedin.Endpoint,
		},
		api:    newAPIClient(models.PlatformLinkedIn, hc),
		apiURL: linkedInAPIURL,
	}
}

func (s *LinkedInService) Platform() models.Platform { return models.PlatformLinkedIn }

func (s *LinkedInService) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

func (s *LinkedInService) Exchange(ctx context.Context, code, _ string) (*TokenPayload, error) {
	token, err := s.oauth.Exchange(oauthContext(ctx, s.api.http), code)
	if err != nil {
		return nil, oauthError(models.PlatformLinkedIn, err)
	}

	var user transfer.LinkedInUserInfo
	if err := s.api.getJSON(ctx, s.apiURL+"/v2/userinfo", token.AccessToken, &user); err != nil {
		return nil, err
	}

	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
		Accounts:     []models.AccountCandidate{{ID: user.Sub, Name: user.Name}},
	}, nil
}

// Refresh needs a refresh token, which LinkedIn only grants to approved apps.
func (s *LinkedInService) Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	if conn.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}
	token, err := s.oauth.TokenSource(oauthContext(ctx, s.api.http), &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, oauthError(models.PlatformLinkedIn, err)
	}
	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
	}, nil
}

func (s *LinkedInService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	share := transfer.LinkedInShareContent{
		ShareCommentary:    transfer.LinkedInText{Text: req.Text},
		ShareMediaCategory: "NONE",
	}
	if req.MediaURL != "" {
		share.ShareMediaCategory = "ARTICLE"
		share.Media = []transfer.LinkedInMedia{{
			Status:      "READY",
			OriginalURL: req.MediaURL,
			Title:       transfer.LinkedInText{Text: req.Title},
		}}
	}

	post := transfer.LinkedInPost{
		Author:          "urn:li:person:" + conn.AccountID,
		LifecycleState:  "PUBLISHED",
		SpecificContent: transfer.LinkedInSpecificContent{ShareContent: share},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
	body, err := json.Marshal(post)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/v2/ugcPosts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	var out transfer.LinkedInPostResponse
	if err := s.api.do(httpReq, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &PlatformError{Platform: models.PlatformLinkedIn, Message: "response carried no post id"}
	}
	return &PublishResult{ExternalID: out.ID, URL: "https://www.linkedin.com/feed/update/" + out.ID}, nil
}
