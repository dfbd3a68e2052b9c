package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

const (
	instagramAuthURL  = "https://www.instagram.com/oauth/authorize"
	instagramAPIURL   = "https://api.instagram.com"
	instagramGraphURL = "https://graph.instagram.com"
)

type InstagramService struct {
	app      config.OAuthApp
	api      apiClient
	authURL  string
	apiURL   string
	graphURL string
}

func NewInstagramService(app config.OAuthApp, hc *http.Client) *InstagramService {
	api := newAPIClient(models.PlatformInstagram, hc)
	api.classify = graphClassifier(models.PlatformInstagram)
	return &InstagramService{
		app:      app,
		api:      api,
		authURL:  instagramAuthURL,
		apiURL:   instagramAPIURL,
		graphURL: instagramGraphURL,
	}
}

func (s *InstagramService) Platform() models.Platform { return models.PlatformInstagram }

func (s *InstagramService) AuthCodeURL(state string) string {
	params := url.Values{}
	params.Add("client_id", s.app.ClientID)
	params.Add("scope", "instagram_business_basic,instagram_business_content_publish")
	params.Add("response_type", "code")
	params.Add("redirect_uri", s.app.RedirectURI)
	params.Add("state", state)

	return fmt.Sprintf("%s?%s", s.authURL, params.Encode())
}

func (s *InstagramService) Exchange(ctx context.Context, code, _ string) (*TokenPayload, error) {
	short, err := s.shortLivedToken(ctx, code)
	if err != nil {
		return nil, err
	}

	long, err := s.longLivedToken(ctx, short.AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.userInfo(ctx, long.AccessToken)
	if err != nil {
		return nil, err
	}

	name := user.Username
	if name == "" {
		name = user.Name
	}
	return &TokenPayload{
		AccessToken: long.AccessToken,
		ExpiresAt:   expiresAtPtr(int(long.ExpiresIn)),
		Accounts:    []models.AccountCandidate{{ID: user.UserID, Name: name}},
	}, nil
}

func (s *InstagramService) shortLivedToken(ctx context.Context, code string) (*transfer.InstagramShortLivedToken, error) {
	data := url.Values{}
	data.Set("client_id", s.app.ClientID)
	data.Set("client_secret", s.app.ClientSecret)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", s.app.RedirectURI)
	data.Set("code", code)

	var out transfer.InstagramShortLivedToken
	if err := s.api.postForm(ctx, s.apiURL+"/oauth/access_token", data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *InstagramService) longLivedToken(ctx context.Context, shortLived string) (*transfer.GraphAccessToken, error) {
	params := url.Values{}
	params.Set("grant_type", "ig_exchange_token")
	params.Set("client_secret", s.app.ClientSecret)
	params.Set("access_token", shortLived)

	var out transfer.GraphAccessToken
	if err := s.api.getJSON(ctx, s.graphURL+"/access_token?"+params.Encode(), "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *InstagramService) userInfo(ctx context.Context, token string) (*transfer.InstagramUserInfo, error) {
	params := url.Values{}
	params.Set("fields", "id,username,name,profile_picture_url")
	params.Set("access_token", token)

	var out transfer.InstagramUserInfo
	if err := s.api.getJSON(ctx, s.graphURL+"/me?"+params.Encode(), "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh extends a long-lived token. Instagram refreshes with the access
// token itself, so no refresh token is stored.
func (s *InstagramService) Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	params := url.Values{}
	params.Set("grant_type", "ig_refresh_token")
	params.Set("access_token", conn.AccessToken)

	var out transfer.GraphAccessToken
	if err := s.api.getJSON(ctx, s.graphURL+"/refresh_access_token?"+params.Encode(), "", &out); err != nil {
		return nil, err
	}
	return &TokenPayload{
		AccessToken: out.AccessToken,
		ExpiresAt:   expiresAtPtr(int(out.ExpiresIn)),
	}, nil
}

// Publish creates a media container and publishes it. Instagram has no
// text-only posts.
func (s *InstagramService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	if req.MediaURL == "" {
		return nil, &PlatformError{Platform: models.PlatformInstagram, Message: "instagram posts need an image"}
	}

	base := s.graphURL + "/v21.0/" + url.PathEscape(conn.AccountID)

	var container transfer.GraphIDResponse
	payload := map[string]any{
		"image_url":    req.MediaURL,
		"caption":      req.Text,
		"access_token": conn.AccessToken,
	}
	if err := s.api.postJSON(ctx, base+"/media", "", payload, &container); err != nil {
		return nil, err
	}
	if container.ID == "" {
		return nil, &PlatformError{Platform: models.PlatformInstagram, Message: "no media id returned"}
	}

	var published transfer.GraphIDResponse
	payload = map[string]any{
		"creation_id":  container.ID,
		"access_token": conn.AccessToken,
	}
	if err := s.api.postJSON(ctx, base+"/media_publish", "", payload, &published); err != nil {
		return nil, err
	}
	if published.ID == "" {
		return nil, &PlatformError{Platform: models.PlatformInstagram, Message: "no post id returned"}
	}
	return &PublishResult{ExternalID: published.ID}, nil
}
