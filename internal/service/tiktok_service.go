package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

const (
	tiktokAuthURL = "https://www.tiktok.com/v2/auth/authorize/"
	tiktokAPIURL  = "https://open.tiktokapis.com"

	tiktokTitleRunes = 90
)

type TiktokService struct {
	app     config.OAuthApp
	api     apiClient
	authURL string
	apiURL  string
}

func NewTiktokService(app config.OAuthApp, hc *http.Client) *TiktokService {
	return &TiktokService{
		app:     app,
		api:     newAPIClient(models.PlatformTiktok, hc),
		authURL: tiktokAuthURL,
		apiURL:  tiktokAPIURL,
	}
}

func (s *TiktokService) Platform() models.Platform { return models.PlatformTiktok }

func (s *TiktokService) AuthCodeURL(state string) string {
	params := url.Values{}
	params.Add("client_key", s.app.ClientID)
	params.Add("scope", "user.info.basic,video.publish")
	params.Add("response_type", "code")
	params.Add("redirect_uri", s.app.RedirectURI)
	params.Add("state", state)

	return fmt.Sprintf("%s?%s", s.authURL, params.Encode())
}

func (s *TiktokService) Exchange(ctx context.Context, code, _ string) (*TokenPayload, error) {
	data := url.Values{}
	data.Add("client_key", s.app.ClientID)
	data.Add("client_secret", s.app.ClientSecret)
	data.Add("code", code)
	data.Add("grant_type", "authorization_code")
	data.Add("redirect_uri", s.app.RedirectURI)

	token, err := s.token(ctx, data)
	if err != nil {
		return nil, err
	}

	var info transfer.TikTokResponse
	endpoint := s.apiURL + "/v2/user/info/?fields=open_id,avatar_url,display_name,username"
	if err := s.api.getJSON(ctx, endpoint, token.AccessToken, &info); err != nil {
		return nil, err
	}

	user := info.Data.User
	id := user.OpenID
	if id == "" {
		id = token.OpenID
	}
	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAtPtr(token.ExpiresIn),
		Accounts:     []models.AccountCandidate{{ID: id, Name: user.DisplayName}},
	}, nil
}

func (s *TiktokService) Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	if conn.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}

	data := url.Values{}
	data.Set("client_key", s.app.ClientID)
	data.Set("client_secret", s.app.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", conn.RefreshToken)

	token, err := s.token(ctx, data)
	if err != nil {
		return nil, err
	}
	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAtPtr(token.ExpiresIn),
	}, nil
}

func (s *TiktokService) token(ctx context.Context, data url.Values) (*transfer.TiktokTokenResponse, error) {
	var token transfer.TiktokTokenResponse
	if err := s.api.postForm(ctx, s.apiURL+"/v2/oauth/token/", data, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		// TikTok answers invalid grants with 200 and no token.
		return nil, &PlatformError{Platform: models.PlatformTiktok, Message: "token endpoint returned no access token", Reauth: true}
	}
	return &token, nil
}

func (s *TiktokService) Revoke(ctx context.Context, conn models.SocialConnection) error {
	data := url.Values{}
	data.Set("client_key", s.app.ClientID)
	data.Set("client_secret", s.app.ClientSecret)
	data.Set("token", conn.AccessToken)
	return s.api.postForm(ctx, s.apiURL+"/v2/oauth/revoke/", data, nil)
}

// Publish sends a photo post pulled from the media URL. TikTok has no
// text-only posts.
func (s *TiktokService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	if req.MediaURL == "" {
		return nil, &PlatformError{Platform: models.PlatformTiktok, Message: "tiktok posts need an image"}
	}

	title := req.Title
	if title == "" {
		title = req.Text
	}
	body := transfer.TiktokPhotoRequest{
		PostInfo: transfer.TiktokPhotoPostInfo{
			Title:        truncateRunes(title, tiktokTitleRunes),
			Description:  req.Text,
			PrivacyLevel: "PUBLIC_TO_EVERYONE",
			AutoAddMusic: true,
		},
		SourceInfo: transfer.TiktokPhotoSource{
			Source:          "PULL_FROM_URL",
			PhotoCoverIndex: 0,
			PhotoImages:     []string{req.MediaURL},
		},
		PostMode:  "DIRECT_POST",
		MediaType: "PHOTO",
	}

	var out transfer.TikTokUploadResponse
	if err := s.api.postJSON(ctx, s.apiURL+"/v2/post/publish/content/init/", conn.AccessToken, body, &out); err != nil {
		return nil, err
	}
	if out.Error.Code != "" && out.Error.Code != "ok" {
		slog.Info("tiktok publish rejected", "code", out.Error.Code, "log_id", out.Error.LogID)
		return nil, &PlatformError{Platform: models.PlatformTiktok, Message: out.Error.Message}
	}
	if out.Data.PublishID == "" {
		return nil, &PlatformError{Platform: models.PlatformTiktok, Message: "response carried no publish id"}
	}
	return &PublishResult{ExternalID: out.Data.PublishID}, nil
}
