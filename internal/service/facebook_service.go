package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/transfer"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

const facebookGraphURL = "https://graph.facebook.com/v21.0"

// maxPagesFetched bounds how many /me/accounts pages are followed.
const maxPagesFetched = 10

type FacebookService struct {
	app      config.OAuthApp
	oauth    *oauth2.Config
	api      apiClient
	graphURL string
}

func NewFacebookService(app config.OAuthApp, hc *http.Client) *FacebookService {
	api := newAPIClient(models.PlatformFacebook, hc)
	api.classify = graphClassifier(models.PlatformFacebook)
	return &FacebookService{
		app: app,
		oauth: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			RedirectURL:  app.RedirectURI,
			Scopes:       []string{"pages_show_list", "pages_manage_posts", "pages_read_engagement"},
			Endpoint:     facebook.Endpoint,
		},
		api:      api,
		graphURL: facebookGraphURL,
	}
}

func (s *FacebookService) Platform() models.Platform { return models.PlatformFacebook }

func (s *FacebookService) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// Exchange trades the code for a long-lived user token and lists the pages
// it manages. Every page carries its own page token.
func (s *FacebookService) Exchange(ctx context.Context, code, _ string) (*TokenPayload, error) {
	token, err := s.oauth.Exchange(oauthContext(ctx, s.api.http), code)
	if err != nil {
		return nil, oauthError(models.PlatformFacebook, err)
	}

	long, err := s.longLivedToken(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	pages, err := s.pages(ctx, long.AccessToken)
	if err != nil {
		return nil, err
	}

	payload := &TokenPayload{
		AccessToken: long.AccessToken,
		ExpiresAt:   expiresAtPtr(int(long.ExpiresIn)),
	}
	for _, page := range pages {
		payload.Accounts = append(payload.Accounts, models.AccountCandidate{
			ID:          page.ID,
			Name:        page.Name,
			Category:    page.Category,
			AccessToken: page.AccessToken,
		})
	}
	return payload, nil
}

func (s *FacebookService) longLivedToken(ctx context.Context, shortLived string) (*transfer.GraphAccessToken, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", s.app.ClientID)
	params.Set("client_secret", s.app.ClientSecret)
	params.Set("fb_exchange_token", shortLived)

	var out transfer.GraphAccessToken
	if err := s.api.getJSON(ctx, s.graphURL+"/oauth/access_token?"+params.Encode(), "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *FacebookService) pages(ctx context.Context, userToken string) ([]transfer.FacebookPage, error) {
	params := url.Values{}
	params.Set("fields", "id,name,category,access_token")
	params.Set("access_token", userToken)
	next := s.graphURL + "/me/accounts?" + params.Encode()

	var pages []transfer.FacebookPage
	for i := 0; next != "" && i < maxPagesFetched; i++ {
		var resp transfer.FacebookPagesResponse
		if err := s.api.getJSON(ctx, next, "", &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Data...)
		next = resp.Paging.Next
	}
	return pages, nil
}

// Refresh is unsupported: page tokens issued from a long-lived user token do
// not expire.
func (s *FacebookService) Refresh(context.Context, models.SocialConnection) (*TokenPayload, error) {
	return nil, ErrRefreshUnsupported
}

func (s *FacebookService) Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	form := url.Values{}
	form.Set("access_token", conn.AccessToken)

	endpoint := s.graphURL + "/" + url.PathEscape(conn.AccountID)
	if req.MediaURL != "" {
		endpoint += "/photos"
		form.Set("url", req.MediaURL)
		form.Set("caption", req.Text)
	} else {
		endpoint += "/feed"
		form.Set("message", req.Text)
	}

	var out transfer.GraphIDResponse
	if err := s.api.postForm(ctx, endpoint, form, &out); err != nil {
		return nil, err
	}

	id := out.PostID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return nil, &PlatformError{Platform: models.PlatformFacebook, Message: "response carried no post id"}
	}
	return &PublishResult{ExternalID: id, URL: "https://www.facebook.com/" + id}, nil
}

// graphClassifier reads the Graph API error envelope shared by Facebook and
// Instagram. Graph reports expired tokens and throttling with its own codes.
func graphClassifier(p models.Platform) classifier {
	return func(status int, body []byte) *PlatformError {
		var ge transfer.GraphErrorResponse
		msg := errorMessage(body)
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
		}

		pe := classifyStatus(p, status, msg)
		switch code := ge.Error.Code; {
		case code == 190 || code == 102 || (code >= 200 && code < 300):
			pe.Reauth, pe.Retryable = true, false
		case ge.Error.IsTransient || code == 1 || code == 2 || code == 4 || code == 17 || code == 32 || code == 613:
			pe.Reauth, pe.Retryable = false, true
		}
		return pe
	}
}
