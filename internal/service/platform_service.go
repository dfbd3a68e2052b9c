package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
	"golang.org/x/oauth2"
)

var ErrRefreshUnsupported = errors.New("token refresh not supported")

// TokenPayload is what a platform hands back after a code exchange or a
// refresh. Accounts lists every account the login can publish as.
type TokenPayload struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Accounts     []models.AccountCandidate
}

type OAuthProvider interface {
	Platform() models.Platform
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code, state string) (*TokenPayload, error)
	Refresh(ctx context.Context, conn models.SocialConnection) (*TokenPayload, error)
}

// Revoker is implemented by providers that can revoke a token on disconnect.
type Revoker interface {
	Revoke(ctx context.Context, conn models.SocialConnection) error
}

type PublishRequest struct {
	CandidateID string
	Text        string
	MediaURL    string
	Title       string
}

type PublishResult struct {
	ExternalID string
	URL        string
}

type Publisher interface {
	Platform() models.Platform
	Publish(ctx context.Context, conn models.SocialConnection, req PublishRequest) (*PublishResult, error)
}

type PlatformRegistry struct {
	providers  map[models.Platform]OAuthProvider
	publishers map[models.Platform]Publisher
}

func NewPlatformRegistry() *PlatformRegistry {
	return &PlatformRegistry{
		providers:  make(map[models.Platform]OAuthProvider),
		publishers: make(map[models.Platform]Publisher),
	}
}

func (r *PlatformRegistry) AddProvider(p OAuthProvider) {
	r.providers[p.Platform()] = p
}

func (r *PlatformRegistry) AddPublisher(p Publisher) {
	r.publishers[p.Platform()] = p
}

func (r *PlatformRegistry) Provider(p models.Platform) (OAuthProvider, error) {
	provider, ok := r.providers[p]
	if !ok {
		return nil, &ValidationError{Field: "platform", Message: fmt.Sprintf("%q has no oauth provider", p)}
	}
	return provider, nil
}

func (r *PlatformRegistry) Publisher(p models.Platform) (Publisher, error) {
	publisher, ok := r.publishers[p]
	if !ok {
		return nil, &ValidationError{Field: "platform", Message: fmt.Sprintf("%q has no publisher", p)}
	}
	return publisher, nil
}

// classifier turns a non-2xx response into a PlatformError.
type classifier func(status int, body []byte) *PlatformError

// apiClient is the HTTP plumbing shared by every platform integration.
type apiClient struct {
	platform models.Platform
	http     *http.Client
	classify classifier
}

func newAPIClient(p models.Platform, hc *http.Client) apiClient {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return apiClient{
		platform: p,
		http:     hc,
		classify: func(status int, body []byte) *PlatformError {
			return classifyStatus(p, status, errorMessage(body))
		},
	}
}

func (c apiClient) getJSON(ctx context.Context, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c apiClient) postJSON(ctx context.Context, endpoint, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c apiClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out.
func (c apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(c.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(c.platform, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := c.classify(resp.StatusCode, body)
		slog.Info("platform call failed", "platform", c.platform, "url", redactURL(req.URL), "status", resp.StatusCode, "error", pe.Message)
		return pe
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		slog.Info(err.Error())
		// The call went through; retrying could post twice.
		return &PlatformError{Platform: c.platform, StatusCode: resp.StatusCode, Message: "unreadable response: " + err.Error(), Err: err}
	}
	return nil
}

// transportError classifies failures where no response was received. All of
// them are retryable, timeouts included.
func transportError(p models.Platform, err error) *PlatformError {
	msg := err.Error()
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "timed out"
	}
	return &PlatformError{Platform: p, Message: msg, Retryable: true, Err: err}
}

// oauthError classifies errors returned by golang.org/x/oauth2.
func oauthError(p models.Platform, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return transportError(p, err)
	}

	status := http.StatusBadRequest
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	msg := re.ErrorDescription
	if msg == "" {
		msg = errorMessage(re.Body)
	}
	pe := classifyStatus(p, status, msg)
	if re.ErrorCode == "invalid_grant" {
		pe.Reauth, pe.Retryable = true, false
	}
	pe.Err = err
	return pe
}

// oauthContext makes golang.org/x/oauth2 use hc for token requests.
func oauthContext(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// errorMessage pulls a readable message out of the common error envelopes.
func errorMessage(body []byte) string {
	var env struct {
		Message          string          `json:"message"`
		Detail           string          `json:"detail"`
		Title            string          `json:"title"`
		ErrorDescription string          `json:"error_description"`
		Error            json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var plain string
		switch {
		case env.ErrorDescription != "":
			return env.ErrorDescription
		case env.Detail != "":
			return env.Detail
		case env.Message != "":
			return env.Message
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &nested) == nil && nested.Message != "":
			return nested.Message
		case len(env.Error) > 0 && json.Unmarshal(env.Error, &plain) == nil && plain != "":
			return plain
		case env.Title != "":
			return env.Title
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return truncateRunes(msg, 200)
}

// redactURL drops the query string, which may carry an access token.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.RawQuery = ""
	return cp.String()
}

func tokenExpiry(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
