package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatchPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook)
	pub := env.addPublisher(models.PlatformFacebook, nil)
	env.addApproved(t, "c1", "acme", models.PlatformFacebook, "Spring offers are here")

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomePublished || res.Gate != GatePublish {
		t.Fatalf("result = %+v", res)
	}
	if res.Post == nil || res.Post.ExternalID == nil || *res.Post.ExternalID != "facebook_1" {
		t.Errorf("post = %+v", res.Post)
	}
	if pub.calls() != 1 {
		t.Errorf("publisher called %d times", pub.calls())
	}

	cand := env.candidate(t, "c1")
	if cand.DispatchState != models.DispatchPublished || cand.PublishAttempts != 1 {
		t.Errorf("candidate = %s attempts %d", cand.DispatchState, cand.PublishAttempts)
	}
	posts := env.posts.all()
	if len(posts) != 1 || posts[0].TextHash != TextHash("Spring offers are here") {
		t.Errorf("posts = %+v", posts)
	}
	if v := testutil.ToFloat64(env.metrics.DispatchOutcomes.WithLabelValues("facebook", "published", "")); v != 1 {
		t.Errorf("published metric = %v", v)
	}

	again, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Outcome != OutcomeSkipped || again.Reason != SkipAlreadyDispatched || pub.calls() != 1 {
		t.Errorf("second dispatch = %+v, calls %d", again, pub.calls())
	}
}

func TestDispatchRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook)
	env.addCandidate(t, &models.PostCandidate{ID: "c1", ClientID: "acme", Platform: models.PlatformFacebook, TextBody: "hi", SlotTime: env.clock.Now(), Status: models.CandidatePending})

	_, err := env.dispatch.Dispatch(context.Background(), "c1")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
	if _, err := env.dispatch.Dispatch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDispatchWaitsForConnection(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil)
	pub := env.addPublisher(models.PlatformLinkedIn, nil)
	env.addApproved(t, "c1", "acme", models.PlatformLinkedIn, "Hello")

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || res.Gate != GateConnection || res.Reason != SkipNotConnected {
		t.Fatalf("result = %+v", res)
	}
	wantRetry := env.clock.Now().Add(testDispatchConfig.WaitingRecheck)
	if res.RetryAt == nil || !res.RetryAt.Equal(wantRetry) {
		t.Errorf("retry_at = %v, want %v", res.RetryAt, wantRetry)
	}
	if pub.calls() != 0 || len(env.posts.all()) != 0 {
		t.Error("unconnected platform was published to")
	}
	cand := env.candidate(t, "c1")
	if cand.Status != models.CandidateApproved || cand.DispatchState != models.DispatchWaiting {
		t.Errorf("candidate = %s %s", cand.Status, cand.DispatchState)
	}
	if got := env.enqueuer.scheduled(); len(got) != 1 || !got[0].At.Equal(wantRetry) {
		t.Errorf("scheduled = %+v", got)
	}
}

func TestDispatchCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", &models.PostingRules{CooldownDays: intPtr(2)}, models.PlatformFacebook)
	pub := env.addPublisher(models.PlatformFacebook, nil)
	start := env.clock.Now()

	env.addApproved(t, "first", "acme", models.PlatformFacebook, "First post")
	if res, err := env.dispatch.Dispatch(context.Background(), "first"); err != nil || res.Outcome != OutcomePublished {
		t.Fatalf("first dispatch = %+v, %v", res, err)
	}

	env.clock.Set(start.Add(24 * time.Hour))
	env.addApproved(t, "second", "acme", models.PlatformFacebook, "Second post")
	res, err := env.dispatch.Dispatch(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || res.Gate != GateRate || res.Reason != SkipRateLimited {
		t.Fatalf("result = %+v", res)
	}
	if want := start.Add(48 * time.Hour); res.RetryAt == nil || !res.RetryAt.Equal(want) {
		t.Errorf("retry_at = %v, want %v", res.RetryAt, want)
	}

	env.clock.Set(start.Add(72 * time.Hour))
	res, err = env.dispatch.Dispatch(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomePublished {
		t.Fatalf("result = %+v", res)
	}
	if pub.calls() != 2 {
		t.Errorf("publisher called %d times", pub.calls())
	}
}

func TestDispatchMonthlyCap(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", &models.PostingRules{MaxPostsPerMonth: intPtr(1)}, models.PlatformX)
	env.addPublisher(models.PlatformX, nil)

	env.addApproved(t, "a", "acme", models.PlatformX, "One")
	env.addApproved(t, "b", "acme", models.PlatformX, "Two")
	if res, err := env.dispatch.Dispatch(context.Background(), "a"); err != nil || res.Outcome != OutcomePublished {
		t.Fatalf("dispatch a = %+v, %v", res, err)
	}
	res, err := env.dispatch.Dispatch(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != SkipRateLimited {
		t.Fatalf("result = %+v", res)
	}
	// The calendar window reopens on the first of next month.
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); res.RetryAt == nil || !res.RetryAt.Equal(want) {
		t.Errorf("retry_at = %v, want %v", res.RetryAt, want)
	}
}

func TestDispatchNeverDuplicates(t *testing.T) {
	env := newTestEnv(t)
	platforms := []models.Platform{models.PlatformFacebook, models.PlatformLinkedIn, models.PlatformX}
	env.addClient(t, "acme", nil, platforms...)
	pubs := make([]*fakePublisher, len(platforms))
	for i, p := range platforms {
		pubs[i] = env.addPublisher(p, func(n int, req PublishRequest) (*PublishResult, error) {
			time.Sleep(5 * time.Millisecond)
			return &PublishResult{ExternalID: req.CandidateID}, nil
		})
	}
	// The same text differs only in case and spacing.
	texts := []string{"Big news today", "big  news today", "BIG NEWS TODAY "}
	for i, p := range platforms {
		env.addApproved(t, fmt.Sprintf("c%d", i), "acme", p, texts[i])
	}

	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		for i := range platforms {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := env.dispatch.Dispatch(context.Background(), id); err != nil {
					t.Errorf("dispatch %s: %v", id, err)
				}
			}(fmt.Sprintf("c%d", i))
		}
	}
	wg.Wait()
	// Candidates that raced the in-flight publish were told to retry.
	for i := range platforms {
		if _, err := env.dispatch.Dispatch(context.Background(), fmt.Sprintf("c%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	if posts := env.posts.all(); len(posts) != 1 {
		t.Fatalf("published %d posts, want 1: %+v", len(posts), posts)
	}
	calls := 0
	for _, pub := range pubs {
		calls += pub.calls()
	}
	if calls != 1 {
		t.Errorf("publishers called %d times, want 1", calls)
	}
	published, duplicates := 0, 0
	for i := range platforms {
		switch env.candidate(t, fmt.Sprintf("c%d", i)).DispatchState {
		case models.DispatchPublished:
			published++
		case models.DispatchDuplicate:
			duplicates++
		}
	}
	if published != 1 || duplicates != 2 {
		t.Errorf("published %d duplicates %d", published, duplicates)
	}
}

func TestDispatchWaitsOnUnconfirmedDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook, models.PlatformLinkedIn)
	started := make(chan struct{})
	release := make(chan struct{})
	env.addPublisher(models.PlatformFacebook, func(int, PublishRequest) (*PublishResult, error) {
		close(started)
		<-release
		return nil, classifyStatus(models.PlatformFacebook, http.StatusBadRequest, "rejected")
	})
	linkedin := env.addPublisher(models.PlatformLinkedIn, nil)
	env.addApproved(t, "a", "acme", models.PlatformFacebook, "Open late on Friday")
	env.addApproved(t, "b", "acme", models.PlatformLinkedIn, "Open late on Friday")

	done := make(chan *DispatchResult, 1)
	go func() {
		res, err := env.dispatch.Dispatch(context.Background(), "a")
		if err != nil {
			t.Errorf("dispatch a: %v", err)
		}
		done <- res
	}()
	<-started

	res, err := env.dispatch.Dispatch(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || res.Gate != GateDuplicate || res.Reason != SkipDuplicateInFlight || !res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if want := env.clock.Now().Add(testDispatchConfig.WaitingRecheck); res.RetryAt == nil || !res.RetryAt.Equal(want) {
		t.Errorf("retry_at = %v, want %v", res.RetryAt, want)
	}
	if b := env.candidate(t, "b"); b.Status != models.CandidateApproved || b.DispatchState != models.DispatchWaiting {
		t.Errorf("b = %s %s", b.Status, b.DispatchState)
	}

	close(release)
	if a := <-done; a == nil || a.Outcome != OutcomeFailed {
		t.Fatalf("dispatch a = %+v", a)
	}

	res, err = env.dispatch.Dispatch(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomePublished {
		t.Fatalf("retry of b = %+v", res)
	}
	if posts := env.posts.all(); len(posts) != 1 || posts[0].Platform != models.PlatformLinkedIn {
		t.Errorf("posts = %+v", posts)
	}
	if linkedin.calls() != 1 {
		t.Errorf("linkedin called %d times", linkedin.calls())
	}
}

func TestDispatchSerializesPerPlatform(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformLinkedIn)
	var inFlight, maxInFlight int32
	env.addPublisher(models.PlatformLinkedIn, func(n int, req PublishRequest) (*PublishResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return &PublishResult{ExternalID: req.CandidateID}, nil
	})

	const n = 8
	for i := 0; i < n; i++ {
		env.addApproved(t, fmt.Sprintf("c%d", i), "acme", models.PlatformLinkedIn, fmt.Sprintf("Post number %d", i))
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.dispatch.Dispatch(context.Background(), fmt.Sprintf("c%d", i)); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("%d concurrent publishes for one client and platform", maxInFlight)
	}
	if got := len(env.posts.all()); got != n {
		t.Errorf("published %d posts, want %d", got, n)
	}
}

func TestDispatchRetriesThenGivesUp(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook)
	pub := env.addPublisher(models.PlatformFacebook, func(int, PublishRequest) (*PublishResult, error) {
		return nil, classifyStatus(models.PlatformFacebook, http.StatusServiceUnavailable, "try later")
	})
	env.addApproved(t, "c1", "acme", models.PlatformFacebook, "Flaky")
	now := env.clock.Now()

	for attempt, backoff := range []time.Duration{time.Minute, 2 * time.Minute} {
		res, err := env.dispatch.Dispatch(context.Background(), "c1")
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeFailed || !res.Retryable {
			t.Fatalf("attempt %d: result = %+v", attempt+1, res)
		}
		if want := now.Add(backoff); !res.RetryAt.Equal(want) {
			t.Errorf("attempt %d: retry_at = %v, want %v", attempt+1, res.RetryAt, want)
		}
		cand := env.candidate(t, "c1")
		if cand.DispatchState != models.DispatchRetrying || cand.PublishAttempts != attempt+1 {
			t.Errorf("attempt %d: candidate = %s attempts %d", attempt+1, cand.DispatchState, cand.PublishAttempts)
		}
		if len(env.posts.all()) != 0 {
			t.Error("failed publish left a reservation behind")
		}
	}

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || res.Retryable {
		t.Fatalf("final attempt = %+v", res)
	}
	cand := env.candidate(t, "c1")
	if cand.Status != models.CandidateRejected || cand.RejectionReason != models.ReasonPublishFailed || cand.ResolvedBy != models.ResolvedByDispatcher {
		t.Errorf("candidate = %s %q %q", cand.Status, cand.RejectionReason, cand.ResolvedBy)
	}
	if cand.DispatchState != models.DispatchFailed || pub.calls() != testDispatchConfig.MaxAttempts {
		t.Errorf("state %s after %d calls", cand.DispatchState, pub.calls())
	}

	if _, err := env.dispatch.Dispatch(context.Background(), "c1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("dispatch after rejection: %v", err)
	}
}

func TestDispatchRecoversAfterRetry(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook)
	env.addPublisher(models.PlatformFacebook, func(n int, req PublishRequest) (*PublishResult, error) {
		if n == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return &PublishResult{ExternalID: "fb_123"}, nil
	})
	env.addApproved(t, "c1", "acme", models.PlatformFacebook, "Second time lucky")

	if res, _ := env.dispatch.Dispatch(context.Background(), "c1"); res.Outcome != OutcomeFailed || !res.Retryable {
		t.Fatalf("first attempt = %+v", res)
	}
	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomePublished || *res.Post.ExternalID != "fb_123" {
		t.Fatalf("second attempt = %+v", res)
	}
	if cand := env.candidate(t, "c1"); cand.PublishAttempts != 2 {
		t.Errorf("attempts = %d", cand.PublishAttempts)
	}
}

func TestDispatchTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.cfg.PublishTimeout = 20 * time.Millisecond
	env.addClient(t, "acme", nil, models.PlatformX)
	env.addPublisher(models.PlatformX, func(int, PublishRequest) (*PublishResult, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	})
	env.addApproved(t, "c1", "acme", models.PlatformX, "Slow")

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || !res.Retryable || res.Reason != "timed out" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchUnauthorizedFlagsReauth(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformLinkedIn)
	env.addPublisher(models.PlatformLinkedIn, func(int, PublishRequest) (*PublishResult, error) {
		return nil, classifyStatus(models.PlatformLinkedIn, http.StatusUnauthorized, "token revoked")
	})
	env.addApproved(t, "c1", "acme", models.PlatformLinkedIn, "Hello")

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if cand := env.candidate(t, "c1"); cand.Status != models.CandidateRejected {
		t.Errorf("status = %s", cand.Status)
	}
	c, err := env.brand.Get(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	conn := c.Attributes.Connection(models.PlatformLinkedIn)
	if conn == nil || conn.AccessToken != "" || !conn.NeedsReauth || conn.AccountID != "acct_linkedin" {
		t.Errorf("connection = %+v", conn)
	}
}

func TestDispatchPermanentFailureKeepsConnection(t *testing.T) {
	tests := []struct {
		name     string
		platform models.Platform
		err      error
	}{
		{
			name:     "validation",
			platform: models.PlatformInstagram,
			err:      &ValidationError{Field: "media_url", Message: "instagram posts need an image"},
		},
		{
			name:     "unprocessable",
			platform: models.PlatformLinkedIn,
			err:      classifyStatus(models.PlatformLinkedIn, http.StatusUnprocessableEntity, "text too long"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.addClient(t, "acme", nil, tt.platform)
			env.addPublisher(tt.platform, func(int, PublishRequest) (*PublishResult, error) {
				return nil, tt.err
			})
			env.addApproved(t, "c1", "acme", tt.platform, "Rejected by the platform")

			res, err := env.dispatch.Dispatch(context.Background(), "c1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != OutcomeFailed || res.Retryable {
				t.Fatalf("result = %+v", res)
			}
			c, _ := env.brand.Get(context.Background(), "acme")
			if !c.Attributes.Connected(tt.platform) {
				t.Error("permanent failure dropped the access token")
			}
			if conn := c.Attributes.Connection(tt.platform); !conn.NeedsReauth {
				t.Errorf("connection = %+v, want needs_reauth", conn)
			}
			if v := testutil.ToFloat64(env.metrics.DispatchOutcomes.WithLabelValues(string(tt.platform), "failed", "permanent")); v != 1 {
				t.Errorf("permanent metric = %v", v)
			}
		})
	}
}

func TestDispatchExhaustedRetriesLeaveConnectionAlone(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformX)
	env.addPublisher(models.PlatformX, func(int, PublishRequest) (*PublishResult, error) {
		return nil, classifyStatus(models.PlatformX, http.StatusBadGateway, "upstream down")
	})
	cand := env.addApproved(t, "c1", "acme", models.PlatformX, "Down again")
	if err := env.candidates.UpdateDispatch(context.Background(), cand.ID, models.DispatchUpdate{
		State:    models.DispatchRetrying,
		Attempts: testDispatchConfig.MaxAttempts - 1,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := env.dispatch.Dispatch(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	c, _ := env.brand.Get(context.Background(), "acme")
	if conn := c.Attributes.Connection(models.PlatformX); conn.NeedsReauth || conn.AccessToken == "" {
		t.Errorf("connection = %+v", conn)
	}
}

func TestRequeueDue(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "acme", nil, models.PlatformFacebook)
	now := env.clock.Now()
	later := now.Add(time.Hour)

	env.addApproved(t, "due", "acme", models.PlatformFacebook, "a")
	notYet := env.addApproved(t, "later", "acme", models.PlatformFacebook, "b")
	if err := env.candidates.UpdateDispatch(context.Background(), notYet.ID, models.DispatchUpdate{State: models.DispatchWaiting, NextAttemptAt: &later}); err != nil {
		t.Fatal(err)
	}
	done := env.addApproved(t, "done", "acme", models.PlatformFacebook, "c")
	if err := env.candidates.UpdateDispatch(context.Background(), done.ID, models.DispatchUpdate{State: models.DispatchPublished}); err != nil {
		t.Fatal(err)
	}

	n, err := env.dispatch.RequeueDue(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	got := env.enqueuer.scheduled()
	if n != 1 || len(got) != 1 || got[0].CandidateID != "due" || !got[0].At.Equal(now) {
		t.Errorf("requeued %d: %+v", n, got)
	}
}

func TestBackoff(t *testing.T) {
	s := &dispatchService{cfg: testDispatchConfig}
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 10 * time.Minute, 10 * time.Minute}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
