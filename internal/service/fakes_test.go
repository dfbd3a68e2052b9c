package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/lock"
	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeClients stores clients as JSON so callers never share attribute maps.
type fakeClients struct {
	mu      sync.Mutex
	clients map[string][]byte
}

func newFakeClients() *fakeClients {
	return &fakeClients{clients: make(map[string][]byte)}
}

func (f *fakeClients) put(c *models.Client) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	f.clients[c.ID] = raw
	return nil
}

func (f *fakeClients) get(id string) (*models.Client, error) {
	raw, ok := f.clients[id]
	if !ok {
		return nil, nil
	}
	var c models.Client
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (f *fakeClients) Create(_ context.Context, _ *sql.Tx, c *models.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; ok {
		return fmt.Errorf("duplicate client %s", c.ID)
	}
	c.CreatedAt = time.Now()
	return f.put(c)
}

func (f *fakeClients) GetByID(_ context.Context, _ *sql.Tx, id string) (*models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(id)
}

func (f *fakeClients) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.Client, error) {
	return f.GetByID(ctx, tx, id)
}

func (f *fakeClients) List(_ context.Context) ([]*models.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.clients))
	for id := range f.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.Client, 0, len(ids))
	for _, id := range ids {
		c, err := f.get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeClients) UpdateAttributes(_ context.Context, _ *sql.Tx, id string, attrs models.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil || c == nil {
		return fmt.Errorf("client %s: %v", id, err)
	}
	c.Attributes = attrs
	return f.put(c)
}

func (f *fakeClients) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[id]
	delete(f.clients, id)
	return ok, nil
}

func (f *fakeClients) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[id]
	return ok, nil
}

type fakeCandidates struct {
	mu         sync.Mutex
	candidates map[string]models.PostCandidate
	// transitions counts successful status changes per candidate.
	transitions map[string]int
}

func newFakeCandidates() *fakeCandidates {
	return &fakeCandidates{
		candidates:  make(map[string]models.PostCandidate),
		transitions: make(map[string]int),
	}
}

func (f *fakeCandidates) Create(_ context.Context, _ *sql.Tx, c *models.PostCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.candidates[c.ID]; ok {
		return fmt.Errorf("duplicate candidate %s", c.ID)
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	f.candidates[c.ID] = *c
	return nil
}

func (f *fakeCandidates) GetByID(_ context.Context, id string) (*models.PostCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeCandidates) filter(keep func(models.PostCandidate) bool) []*models.PostCandidate {
	var out []*models.PostCandidate
	for _, c := range f.candidates {
		if keep(c) {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SlotTime.Equal(out[j].SlotTime) {
			return out[i].SlotTime.Before(out[j].SlotTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *fakeCandidates) ListByClient(_ context.Context, clientID string, status models.CandidateStatus) ([]*models.PostCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter(func(c models.PostCandidate) bool {
		return c.ClientID == clientID && (status == "" || c.Status == status)
	}), nil
}

func (f *fakeCandidates) ListPending(_ context.Context, due time.Time, after repository.PendingCursor, limit int) ([]*models.PostCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.filter(func(c models.PostCandidate) bool {
		cur := repository.CursorAfter(&c)
		past := cur.Due.After(after.Due) || (cur.Due.Equal(after.Due) && cur.ID > after.ID)
		return c.Status == models.CandidatePending && !cur.Due.After(due) && past
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := repository.CursorAfter(out[i]), repository.CursorAfter(out[j])
		if !a.Due.Equal(b.Due) {
			return a.Due.Before(b.Due)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCandidates) ListDispatchDue(_ context.Context, now time.Time, limit int) ([]*models.PostCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.filter(func(c models.PostCandidate) bool {
		return c.Status == models.CandidateApproved && !c.DispatchState.Done() &&
			(c.NextAttemptAt == nil || !c.NextAttemptAt.After(now))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCandidates) Transition(_ context.Context, _ *sql.Tx, id string, from models.CandidateStatus, to models.Resolution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to.Status
	c.RejectionReason = to.Reason
	c.ResolvedBy = to.ResolvedBy
	c.ResolverID = to.ResolverID
	c.UpdatedAt = time.Now()
	f.candidates[id] = c
	f.transitions[id]++
	return true, nil
}

func (f *fakeCandidates) UpdateDispatch(_ context.Context, id string, u models.DispatchUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok {
		return fmt.Errorf("candidate %s not found", id)
	}
	c.DispatchState = u.State
	c.PublishAttempts = u.Attempts
	c.NextAttemptAt = u.NextAttemptAt
	c.LastError = u.LastError
	f.candidates[id] = c
	return nil
}

func (f *fakeCandidates) transitionCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitions[id]
}

type fakePosts struct {
	mu     sync.Mutex
	nextID int64
	posts  []models.PublishedPost
}

func (f *fakePosts) Reserve(_ context.Context, _ *sql.Tx, p *models.PublishedPost) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.posts {
		if existing.ClientID == p.ClientID && existing.TextHash == p.TextHash {
			return false, nil
		}
	}
	f.nextID++
	p.ID = f.nextID
	f.posts = append(f.posts, *p)
	return true, nil
}

func (f *fakePosts) Confirm(_ context.Context, id int64, externalID string, postedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.posts {
		if f.posts[i].ID == id {
			f.posts[i].ExternalID = &externalID
			f.posts[i].PostedAt = postedAt
			return nil
		}
	}
	return fmt.Errorf("post %d not found", id)
}

func (f *fakePosts) Release(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.posts {
		if p.ID == id && p.ExternalID == nil {
			f.posts = append(f.posts[:i], f.posts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakePosts) FindByHash(_ context.Context, _ *sql.Tx, clientID, textHash string) (*models.PublishedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posts {
		if p.ClientID == clientID && p.TextHash == textHash {
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakePosts) LatestPostedAt(_ context.Context, _ *sql.Tx, clientID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for _, p := range f.posts {
		if p.ClientID == clientID && (latest == nil || p.PostedAt.After(*latest)) {
			t := p.PostedAt
			latest = &t
		}
	}
	return latest, nil
}

func (f *fakePosts) CountBetween(_ context.Context, _ *sql.Tx, clientID string, start, end time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.posts {
		if p.ClientID == clientID && !p.PostedAt.Before(start) && p.PostedAt.Before(end) {
			n++
		}
	}
	return n, nil
}

func (f *fakePosts) ListByClient(_ context.Context, clientID string) ([]*models.PublishedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PublishedPost
	for _, p := range f.posts {
		if p.ClientID == clientID {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

func (f *fakePosts) all() []models.PublishedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PublishedPost(nil), f.posts...)
}

// fakeTx serializes transactions with one mutex; fn always gets a nil tx.
type fakeTx struct {
	mu sync.Mutex
}

func (f *fakeTx) WithinTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(nil)
}

func (f *fakeTx) WithinClientLock(ctx context.Context, _ string, fn func(tx *sql.Tx) error) error {
	return f.WithinTx(ctx, fn)
}

type scheduled struct {
	CandidateID string
	At          time.Time
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (f *fakeEnqueuer) ScheduleDispatch(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduled{CandidateID: id, At: at})
	return f.err
}

func (f *fakeEnqueuer) scheduled() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.calls...)
}

type fakePublisher struct {
	platform models.Platform
	mu       sync.Mutex
	requests []PublishRequest
	// respond decides the outcome of the n-th call, counting from 1.
	respond func(n int, req PublishRequest) (*PublishResult, error)
}

func (f *fakePublisher) Platform() models.Platform { return f.platform }

func (f *fakePublisher) Publish(_ context.Context, _ models.SocialConnection, req PublishRequest) (*PublishResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(n, req)
	}
	return &PublishResult{ExternalID: fmt.Sprintf("%s_%d", f.platform, n)}, nil
}

func (f *fakePublisher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeProvider struct {
	platform models.Platform
	exchange func(code string) (*TokenPayload, error)
	refresh  func(conn models.SocialConnection) (*TokenPayload, error)
	revoked  []string
}

func (f *fakeProvider) Platform() models.Platform { return f.platform }

func (f *fakeProvider) AuthCodeURL(state string) string {
	return "https://auth.example/" + string(f.platform) + "?state=" + state
}

func (f *fakeProvider) Exchange(_ context.Context, code, _ string) (*TokenPayload, error) {
	return f.exchange(code)
}

func (f *fakeProvider) Refresh(_ context.Context, conn models.SocialConnection) (*TokenPayload, error) {
	if f.refresh == nil {
		return nil, ErrRefreshUnsupported
	}
	return f.refresh(conn)
}

func (f *fakeProvider) Revoke(_ context.Context, conn models.SocialConnection) error {
	f.revoked = append(f.revoked, conn.AccessToken)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var envDefaults = config.Defaults{
	PostsPerWeek:           3,
	CooldownDays:           0,
	MaxPostsPerMonth:       0,
	ApprovalMode:           "always",
	ApprovalThreshold:      0.8,
	OnApprovalTimeout:      "auto_reject",
	ApprovalTimeoutMinutes: 60,
	MonthlyWindow:          "calendar",
}

var testDispatchConfig = config.Dispatch{
	MaxAttempts:    3,
	BackoffBase:    time.Minute,
	BackoffMax:     10 * time.Minute,
	PublishTimeout: 5 * time.Second,
	WaitingRecheck: 15 * time.Minute,
	Concurrency:    4,
}

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	clock      *testClock
	clients    *fakeClients
	candidates *fakeCandidates
	posts      *fakePosts
	enqueuer   *fakeEnqueuer
	registry   *PlatformRegistry
	metrics    *metrics.Metrics
	tx         *fakeTx

	brand     BrandService
	conns     ConnectionService
	approvals *approvalService
	dispatch  *dispatchService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:      &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		clients:    newFakeClients(),
		candidates: newFakeCandidates(),
		posts:      &fakePosts{},
		enqueuer:   &fakeEnqueuer{},
		registry:   NewPlatformRegistry(),
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	env.tx = &fakeTx{}
	tx := env.tx

	env.brand = NewBrandService(env.clients, env.posts, tx, envDefaults)
	env.conns = NewConnectionService(env.brand, env.registry, testSecret)

	approvals := NewApprovalService(env.candidates, env.brand, env.enqueuer, env.metrics).(*approvalService)
	approvals.now = env.clock.Now
	env.approvals = approvals

	dispatch := NewDispatchService(env.candidates, env.posts, tx, env.brand, env.conns, env.registry,
		lock.NewKeyedMutex(), env.enqueuer, env.metrics, testDispatchConfig, time.UTC).(*dispatchService)
	dispatch.now = env.clock.Now
	env.dispatch = dispatch
	return env
}

// addClient stores a client, optionally connected to platforms.
func (e *testEnv) addClient(t *testing.T, id string, rules *models.PostingRules, connected ...models.Platform) *models.Client {
	t.Helper()
	c := &models.Client{ID: id, Name: id, Attributes: models.Attributes{PostingRules: rules}}
	for _, p := range connected {
		if c.Attributes.Connections == nil {
			c.Attributes.Connections = make(map[models.Platform]*models.SocialConnection)
		}
		c.Attributes.Connections[p] = &models.SocialConnection{AccessToken: "tok_" + string(p), AccountID: "acct_" + string(p)}
	}
	created, err := e.brand.Create(context.Background(), c)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return created
}

// addApproved stores an APPROVED candidate ready for dispatch.
func (e *testEnv) addApproved(t *testing.T, id, clientID string, p models.Platform, text string) *models.PostCandidate {
	t.Helper()
	return e.addCandidate(t, &models.PostCandidate{
		ID:            id,
		ClientID:      clientID,
		Platform:      p,
		TextBody:      text,
		SlotTime:      e.clock.Now(),
		Status:        models.CandidateApproved,
		DispatchState: models.DispatchQueued,
	})
}

func (e *testEnv) addCandidate(t *testing.T, c *models.PostCandidate) *models.PostCandidate {
	t.Helper()
	if c.TemplateKey == "" {
		c.TemplateKey = "quick_tip"
	}
	if err := e.candidates.Create(context.Background(), nil, c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (e *testEnv) addPublisher(p models.Platform, respond func(int, PublishRequest) (*PublishResult, error)) *fakePublisher {
	pub := &fakePublisher{platform: p, respond: respond}
	e.registry.AddPublisher(pub)
	return pub
}

func (e *testEnv) candidate(t *testing.T, id string) *models.PostCandidate {
	t.Helper()
	c, err := e.candidates.GetByID(context.Background(), id)
	if err != nil || c == nil {
		t.Fatalf("candidate %s: %v", id, err)
	}
	return c
}

func floatPtr(f float64) *float64 { return &f }
