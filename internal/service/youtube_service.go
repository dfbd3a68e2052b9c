package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const (
	youtubeRevokeURL   = "https://oauth2.googleapis.com/revoke"
	youtubeTitleRunes  = 100
	youtubeCategoryID  = "22"
	youtubeMaxChannels = 50
)

type YoutubeService struct {
	oauth     *oauth2.Config
	api       apiClient
	endpoint  string
	revokeURL string
}

func NewYoutubeService(app config.OAuthApp, hc *http.Client) *YoutubeService {
	return &YoutubeService{
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes: []string{
				youtube.YoutubeUploadScope,
				youtube.YoutubeReadonlyScope,
			},
			Endpoint: google.Endpoint,
		},
		api:       newAPIClient(models.PlatformYoutube, hc),
		revokeURL: youtubeRevokeURL,
	}
}

func (s *YoutubeService) Platform() models.Platform { return models.PlatformYoutube }

func (s *YoutubeService) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (s *YoutubeService) service(ctx context.Context, token *oauth2.Token) (*youtube.Service, error) {
	client := oauth2.NewClient(oauthContext(ctx, s.api.http), oauth2.StaticTokenSource(token))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return youtube.NewService(ctx, opts...)
}

// Exchange lists every channel the Google account owns. Brand accounts often
// hold several, so the user may have to pick one.
func (s *YoutubeService) Exchange(ctx context.Context, code, _ string) (*TokenPayload, error) {
	token, err := s.oauth.Exchange(oauthContext(ctx, s.api.http), code)
	if err != nil {
		return nil, oauthError(models.PlatformYoutube, err)
	}
	if token.RefreshToken == "" {
		return nil, &ValidationError{Field: "code", Message: "google returned no refresh token"}
	}

	svc, err := s.service(ctx, token)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Channels.List([]string{"snippet"}).Mine(true).MaxResults(youtubeMaxChannels).Context(ctx).Do()
	if err != nil {
		return nil, googleError(err)
	}

	payload := &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
	}
	for _, ch := range resp.Items {
		name := ch.Id
		if ch.Snippet != nil {
			name = ch.Snippet.Title
		}
		payload.Accounts = append(payload.Accounts, models.AccountCandidate{ID: ch.Id, Name: name})
	}
	return payload, nil
}

func (s *YoutubeService) Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	if conn.RefreshToken == "" {
		return nil, ErrRefreshUnsupported
	}
	token, err := s.oauth.TokenSource(oauthContext(ctx, s.api.http), &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, oauthError(models.PlatformYoutube, err)
	}
	return &TokenPayload{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    tokenExpiry(token.Expiry),
	}, nil
}

func (s *YoutubeService) Revoke(ctx context.Context, conn models.SocialConnection) error {
	token := conn.RefreshToken
	if token == "" {
		token = conn.AccessToken
	}
	return s.api.postForm(ctx, s.revokeURL, url.Values{"token": {token}}, nil)
}

// Publish streams the video at MediaURL into a YouTube upload.
func (s *YoutubeService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	if req.MediaURL == "" {
		return nil, &PlatformError{Platform: models.PlatformYoutube, Message: "youtube posts need a video"}
	}

	svc, err := s.service(ctx, &oauth2.Token{AccessToken: conn.AccessToken})
	if err != nil {
		return nil, err
	}

	dl, err := http.NewRequestWithContext(ctx, http.MethodGet, req.MediaURL, nil)
	if err != nil {
		return nil, err
	}
	media, err := s.api.http.Do(dl)
	if err != nil {
		return nil, transportError(models.PlatformYoutube, err)
	}
	defer media.Body.Close()
	if media.StatusCode != http.StatusOK {
		pe := classifyStatus(models.PlatformYoutube, media.StatusCode, fmt.Sprintf("media download failed: %s", req.MediaURL))
		pe.Reauth = false
		return nil, pe
	}

	title := req.Title
	if title == "" {
		title = req.Text
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       truncateRunes(title, youtubeTitleRunes),
			Description: req.Text,
			CategoryId:  youtubeCategoryID,
			ChannelId:   conn.AccountID,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: "public",
		},
	}

	uploaded, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(media.Body).Context(ctx).Do()
	if err != nil {
		return nil, googleError(err)
	}
	return &PublishResult{ExternalID: uploaded.Id, URL: "https://youtu.be/" + uploaded.Id}, nil
}

// googleError classifies errors from the generated Google API clients. Quota
// errors arrive as 403 but clear by themselves.
func googleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return transportError(models.PlatformYoutube, err)
	}
	pe := classifyStatus(models.PlatformYoutube, gerr.Code, gerr.Message)
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			pe.Reauth, pe.Retryable = false, true
		}
	}
	pe.Err = err
	return pe
}
