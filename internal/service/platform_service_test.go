package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/models"
	"golang.org/x/oauth2"
)

func newFacebookTestServer(t *testing.T, handler http.HandlerFunc) *FacebookService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewFacebookService(config.OAuthApp{ClientID: "app", ClientSecret: "secret"}, srv.Client())
	s.graphURL = srv.URL
	s.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInParams}
	return s
}

func TestFacebookPublish(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	s := newFacebookTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotForm = r.PostForm
		fmt.Fprint(w, `{"id":"123_456"}`)
	})
	conn := models.SocialConnection{AccessToken: "page_tok", AccountID: "123"}

	res, err := s.Publish(context.Background(), conn, PublishRequest{Text: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/123/feed" || gotForm.Get("message") != "Hello" || gotForm.Get("access_token") != "page_tok" {
		t.Errorf("request = %s %v", gotPath, gotForm)
	}
	if res.ExternalID != "123_456" {
		t.Errorf("external id = %q", res.ExternalID)
	}

	if _, err := s.Publish(context.Background(), conn, PublishRequest{Text: "Pic", MediaURL: "https://cdn.example/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/123/photos" || gotForm.Get("caption") != "Pic" || gotForm.Get("url") == "" {
		t.Errorf("photo request = %s %v", gotPath, gotForm)
	}
}

func TestGraphErrorsClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		reauth    bool
	}{
		{"expired token", 400, `{"error":{"message":"Session has expired","code":190}}`, false, true},
		{"permission", 403, `{"error":{"message":"Missing permission","code":200}}`, false, true},
		{"throttled", 400, `{"error":{"message":"Too many calls","code":4}}`, true, false},
		{"transient", 500, `{"error":{"message":"Unknown","code":2,"is_transient":true}}`, true, false},
		{"bad request", 400, `{"error":{"message":"Invalid parameter","code":100}}`, false, false},
		{"gateway", 502, `<html>Bad Gateway</html>`, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFacebookTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := s.Publish(context.Background(), models.SocialConnection{AccessToken: "t", AccountID: "1"}, PublishRequest{Text: "x"})
			var pe *PlatformError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v", err)
			}
			if pe.Retryable != tt.retryable || pe.Reauth != tt.reauth {
				t.Errorf("retryable=%v reauth=%v, want %v %v (%s)", pe.Retryable, pe.Reauth, tt.retryable, tt.reauth, pe.Message)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("status = %d", pe.StatusCode)
			}
		})
	}
}

func TestFacebookExchangeListsPages(t *testing.T) {
	var srvURL string
	s := newFacebookTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/oauth/token":
			fmt.Fprint(w, `{"access_token":"short","token_type":"bearer","expires_in":3600}`)
		case r.URL.Path == "/oauth/access_token":
			if r.URL.Query().Get("fb_exchange_token") != "short" {
				t.Errorf("exchanged %q", r.URL.Query().Get("fb_exchange_token"))
			}
			fmt.Fprint(w, `{"access_token":"long","expires_in":5184000}`)
		case r.URL.Path == "/me/accounts" && r.URL.Query().Get("after") == "":
			fmt.Fprintf(w, `{"data":[{"id":"p1","name":"Leeds","category":"Dentist","access_token":"pt1"},{"id":"p2","name":"York","access_token":"pt2"}],"paging":{"next":"%s/me/accounts?after=2"}}`, srvURL)
		case r.URL.Path == "/me/accounts":
			fmt.Fprint(w, `{"data":[{"id":"p3","name":"Fans","access_token":"pt3"}],"paging":{}}`)
		default:
			http.NotFound(w, r)
		}
	})
	srvURL = s.graphURL

	payload, err := s.Exchange(context.Background(), "code", "state")
	if err != nil {
		t.Fatal(err)
	}
	if payload.AccessToken != "long" || payload.ExpiresAt == nil {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.Accounts) != 3 || payload.Accounts[2].AccessToken != "pt3" || payload.Accounts[0].Category != "Dentist" {
		t.Errorf("accounts = %+v", payload.Accounts)
	}
}

func TestOAuthInvalidGrantNeedsReauth(t *testing.T) {
	s := newFacebookTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant","error_description":"code expired"}`)
	})

	_, err := s.Exchange(context.Background(), "stale", "state")
	var pe *PlatformError
	if !errors.As(err, &pe) || !pe.Reauth || pe.Retryable {
		t.Fatalf("err = %#v", err)
	}
	if pe.Message != "code expired" {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestLinkedInPublish(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer li_tok" || r.URL.Path != "/v2/ugcPosts" {
			t.Errorf("request %s auth %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"urn:li:share:9"}`)
	}))
	defer srv.Close()

	s := NewLinkedInService(config.OAuthApp{}, srv.Client())
	s.apiURL = srv.URL
	res, err := s.Publish(context.Background(), models.SocialConnection{AccessToken: "li_tok", AccountID: "abc"}, PublishRequest{Text: "Hi LinkedIn"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExternalID != "urn:li:share:9" {
		t.Errorf("external id = %q", res.ExternalID)
	}
	if !strings.Contains(body, `"urn:li:person:abc"`) || !strings.Contains(body, "Hi LinkedIn") {
		t.Errorf("body = %s", body)
	}
}

func TestLinkedInTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s := NewLinkedInService(config.OAuthApp{}, srv.Client())
	s.apiURL = srv.URL
	srv.Close()

	_, err := s.Publish(context.Background(), models.SocialConnection{AccessToken: "t", AccountID: "a"}, PublishRequest{Text: "x"})
	var pe *PlatformError
	if !errors.As(err, &pe) || !pe.Retryable {
		t.Errorf("err = %#v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error_description":"bad code"}`, "bad code"},
		{`{"detail":"Too Many Requests"}`, "Too Many Requests"},
		{`{"error":{"message":"nested"}}`, "nested"},
		{`{"error":"plain"}`, "plain"},
		{`{"title":"Forbidden"}`, "Forbidden"},
		{"  service down  ", "service down"},
		{"", "empty response"},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestPlatformRegistry(t *testing.T) {
	r := NewPlatformRegistry()
	r.AddPublisher(NewConsolePublisher(models.PlatformX))
	if _, err := r.Publisher(models.PlatformX); err != nil {
		t.Fatal(err)
	}
	_, err := r.Provider(models.PlatformX)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v", err)
	}
}
