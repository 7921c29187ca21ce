package client

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"smmpulse/internal/clock"
	"smmpulse/internal/content"
	"smmpulse/internal/instagram"
	"smmpulse/internal/session"
	logx "smmpulse/pkg/logx"
)

type fakeAPI struct {
	mu sync.Mutex

	loginErrs    []error // consumed one per Login call
	restoreErr   error
	timelineErr  error
	mediasErrs   []error // consumed one per UserMedias call
	medias       []instagram.RawItem
	stories      []instagram.RawItem
	users        map[string]instagram.RawUser
	loginCalls   int
	restoreCalls int
	feedCalls    int
	mediasCalls  int
	resolveCalls int
	lastAmount   int

	// expired fails MediaInfo with ErrLoginRequired until the next Login.
	// Each such call checks in at expiredGate first, when set.
	expired     bool
	expiredGate *sync.WaitGroup
}

func (f *fakeAPI) Login(_ context.Context, _, _ string) (instagram.SessionBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	f.expired = false
	if len(f.loginErrs) > 0 {
		err := f.loginErrs[0]
		f.loginErrs = f.loginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return instagram.SessionBlob(`{"s":1}`), nil
}

func (f *fakeAPI) Restore(context.Context, instagram.SessionBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	return f.restoreErr
}

func (f *fakeAPI) TimelineFeed(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCalls++
	return f.timelineErr
}

func (f *fakeAPI) ResolveUserID(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if u, ok := f.users[username]; ok {
		return u.PK, nil
	}
	return "", instagram.ErrNotFound
}

func (f *fakeAPI) UserInfo(_ context.Context, id string) (instagram.RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.PK == id {
			return u, nil
		}
	}
	return instagram.RawUser{}, instagram.ErrNotFound
}

func (f *fakeAPI) UserMedias(_ context.Context, _ string, amount int) ([]instagram.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediasCalls++
	f.lastAmount = amount
	if len(f.mediasErrs) > 0 {
		err := f.mediasErrs[0]
		f.mediasErrs = f.mediasErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]instagram.RawItem(nil), f.medias...), nil
}

func (f *fakeAPI) UserStories(context.Context, string) ([]instagram.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]instagram.RawItem(nil), f.stories...), nil
}

func (f *fakeAPI) MediaInfo(_ context.Context, id string) (instagram.RawItem, error) {
	f.mu.Lock()
	expired, gate := f.expired, f.expiredGate
	f.mu.Unlock()
	if expired {
		if gate != nil {
			gate.Done()
			gate.Wait()
		}
		return instagram.RawItem{}, instagram.ErrLoginRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.medias {
		if it.PK == id {
			return it, nil
		}
	}
	return instagram.RawItem{}, instagram.ErrNotFound
}

type memSessions struct {
	mu          sync.Mutex
	tokens      map[string]session.Token
	saves       int
	invalidates int
}

func newMemSessions() *memSessions { return &memSessions{tokens: map[string]session.Token{}} }

func (m *memSessions) Load(_ context.Context, u string) (session.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[u]
	if !ok {
		return session.Token{}, session.ErrNotFound
	}
	return tok, nil
}

func (m *memSessions) Save(_ context.Context, u string, tok session.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.tokens[u] = tok
	return nil
}

func (m *memSessions) Invalidate(_ context.Context, u string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidates++
	delete(m.tokens, u)
	return nil
}

func newTestClient(api *fakeAPI, sessions session.Store, clk clock.Clock) *Client {
	return New(api, sessions, clk, logx.Nop(), Config{
		Username: "acme",
		Password: "pw",
		Retry:    DefaultRetryPolicy(),
	})
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}

	p.MaxDelay = 5 * time.Second
	if got := p.Backoff(3); got != 5*time.Second {
		t.Fatalf("capped Backoff(3) = %v, want 5s", got)
	}
}

func TestDelayHonoursRateLimitHint(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	tests := []struct {
		name  string
		aware bool
		err   error
		want  time.Duration
	}{
		{"hint larger", true, &instagram.RateLimitError{RetryAfter: 30 * time.Second}, 30 * time.Second},
		{"hint smaller", true, &instagram.RateLimitError{RetryAfter: time.Second}, 2 * time.Second},
		{"no hint", true, &instagram.RateLimitError{}, 2 * time.Second},
		{"not aware", false, &instagram.RateLimitError{RetryAfter: 30 * time.Second}, 2 * time.Second},
		{"transient", true, &instagram.TransientError{Op: "x"}, 2 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := p
			p.RateLimitAware = tt.aware
			if got := p.Delay(1, tt.err); got != tt.want {
				t.Fatalf("Delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchRetriesTransientWithBackoff(t *testing.T) {
	t.Parallel()

	transient := &instagram.TransientError{Op: "user_medias", Err: errors.New("503")}
	api := &fakeAPI{
		users:      map[string]instagram.RawUser{"acme": {PK: "1", Username: "acme"}},
		mediasErrs: []error{transient, transient, transient},
		medias:     []instagram.RawItem{{PK: "m1", MediaType: 1}},
	}
	clk := clock.NewFake(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	c := newTestClient(api, newMemSessions(), clk)

	items, err := c.FetchContentList(context.Background(), "acme", content.KindPost, 20)
	if err != nil {
		t.Fatalf("FetchContentList: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	if api.mediasCalls != 4 {
		t.Fatalf("medias calls = %d, want 4", api.mediasCalls)
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	transient := &instagram.TransientError{Op: "user_medias", Err: errors.New("503")}
	api := &fakeAPI{
		users:      map[string]instagram.RawUser{"acme": {PK: "1"}},
		mediasErrs: []error{transient, transient, transient, transient, transient},
	}
	clk := clock.NewFake(time.Now())
	c := newTestClient(api, newMemSessions(), clk)

	_, err := c.FetchContentList(context.Background(), "acme", content.KindPost, 20)
	var te *instagram.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want wrapped TransientError", err)
	}
	if api.mediasCalls != 4 {
		t.Fatalf("medias calls = %d, want 4", api.mediasCalls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
}

func TestFreshLoginThenCachedSession(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	store := newMemSessions()
	clk := clock.NewFake(time.Now())
	ctx := context.Background()

	fresh, err := newTestClient(api, store, clk).Login(ctx, false)
	if err != nil || !fresh {
		t.Fatalf("first Login = %v, %v; want fresh", fresh, err)
	}
	if api.loginCalls != 1 || store.saves != 1 {
		t.Fatalf("login calls = %d, saves = %d", api.loginCalls, store.saves)
	}

	// A new process restores the saved session without a credential exchange.
	fresh, err = newTestClient(api, store, clk).Login(ctx, false)
	if err != nil || fresh {
		t.Fatalf("second Login = %v, %v; want restored", fresh, err)
	}
	if api.loginCalls != 1 {
		t.Fatalf("login calls = %d, want 1", api.loginCalls)
	}
	if api.restoreCalls != 1 || api.feedCalls != 1 {
		t.Fatalf("restore = %d, feed = %d", api.restoreCalls, api.feedCalls)
	}
}

func TestInvalidStoredSessionFallsBackToFreshLogin(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{timelineErr: instagram.ErrLoginRequired}
	store := newMemSessions()
	store.tokens["acme"] = session.Token{Username: "acme", Blob: []byte(`{"old":1}`)}

	fresh, err := newTestClient(api, store, clock.NewFake(time.Now())).Login(context.Background(), false)
	if err != nil || !fresh {
		t.Fatalf("Login = %v, %v; want fresh", fresh, err)
	}
	if store.invalidates != 1 || store.saves != 1 {
		t.Fatalf("invalidates = %d, saves = %d", store.invalidates, store.saves)
	}
}

func TestCredentialErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	for _, sig := range []error{instagram.ErrChallenge, instagram.ErrTwoFactor, instagram.ErrBadCredentials} {
		sig := sig
		t.Run(sig.Error(), func(t *testing.T) {
			t.Parallel()
			api := &fakeAPI{loginErrs: []error{sig}}
			clk := clock.NewFake(time.Now())
			_, err := newTestClient(api, newMemSessions(), clk).Login(context.Background(), true)
			if !errors.Is(err, sig) {
				t.Fatalf("err = %v, want %v", err, sig)
			}
			if api.loginCalls != 1 {
				t.Fatalf("login calls = %d, want 1", api.loginCalls)
			}
			if len(clk.Sleeps()) != 0 {
				t.Fatalf("slept %v", clk.Sleeps())
			}
		})
	}
}

func TestRateLimitedLoginWaitsForHint(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{loginErrs: []error{&instagram.RateLimitError{RetryAfter: time.Minute}}}
	clk := clock.NewFake(time.Now())
	if _, err := newTestClient(api, newMemSessions(), clk).Login(context.Background(), true); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := clk.Sleeps(); len(got) != 1 || got[0] != time.Minute {
		t.Fatalf("sleeps = %v, want [1m]", got)
	}
}

func TestExpiredSessionReloginsOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		users:      map[string]instagram.RawUser{"acme": {PK: "1"}},
		mediasErrs: []error{instagram.ErrLoginRequired},
		medias:     []instagram.RawItem{{PK: "m1"}},
	}
	c := newTestClient(api, newMemSessions(), clock.NewFake(time.Now()))
	if _, err := c.FetchContentList(context.Background(), "acme", content.KindPost, 5); err != nil {
		t.Fatalf("FetchContentList: %v", err)
	}
	if api.loginCalls != 2 {
		t.Fatalf("login calls = %d, want 2", api.loginCalls)
	}
}

func TestContentListFiltersByKind(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		users: map[string]instagram.RawUser{"acme": {PK: "1"}},
		medias: []instagram.RawItem{
			{PK: "p1", MediaType: 1},
			{PK: "r1", MediaType: 2, ProductType: "clips"},
			{PK: "p2", MediaType: 8},
			{PK: "r2", MediaType: 2, ProductType: "clips"},
		},
		stories: []instagram.RawItem{{PK: "s1", Story: true}, {PK: "s2", Story: true}},
	}
	c := newTestClient(api, newMemSessions(), clock.NewFake(time.Now()))
	ctx := context.Background()

	pks := func(items []instagram.RawItem) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.PK)
		}
		return out
	}

	posts, err := c.FetchContentList(ctx, "acme", content.KindPost, 20)
	if err != nil || !reflect.DeepEqual(pks(posts), []string{"p1", "p2"}) {
		t.Fatalf("posts = %v, %v", pks(posts), err)
	}
	reels, err := c.FetchContentList(ctx, "acme", content.KindReel, 1)
	if err != nil || !reflect.DeepEqual(pks(reels), []string{"r1"}) {
		t.Fatalf("reels = %v, %v", pks(reels), err)
	}
	if api.lastAmount != 3 {
		t.Fatalf("reel page amount = %d, want 3", api.lastAmount)
	}
	stories, err := c.FetchContentList(ctx, "acme", content.KindStory, 1)
	if err != nil || !reflect.DeepEqual(pks(stories), []string{"s1"}) {
		t.Fatalf("stories = %v, %v", pks(stories), err)
	}
	if api.resolveCalls != 1 {
		t.Fatalf("resolve calls = %d, want 1 (cached)", api.resolveCalls)
	}
}

func TestFetchUserInfoNotFound(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{users: map[string]instagram.RawUser{"acme": {PK: "1", Username: "acme", FollowerCount: 500}}}
	c := newTestClient(api, newMemSessions(), clock.NewFake(time.Now()))
	ctx := context.Background()

	info, err := c.FetchUserInfo(ctx, "acme")
	if err != nil || info == nil || info.Followers != 500 {
		t.Fatalf("FetchUserInfo = %+v, %v", info, err)
	}
	info, err = c.FetchUserInfo(ctx, "ghost")
	if err != nil || info != nil {
		t.Fatalf("FetchUserInfo(ghost) = %+v, %v; want nil, nil", info, err)
	}
	item, err := c.FetchContentByID(ctx, "nope")
	if err != nil || item != nil {
		t.Fatalf("FetchContentByID = %+v, %v", item, err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	transient := &instagram.TransientError{Op: "user_medias", Err: errors.New("503")}
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = transient
	}
	api := &fakeAPI{users: map[string]instagram.RawUser{"acme": {PK: "1"}}, mediasErrs: errs}
	c := New(api, newMemSessions(), clock.NewFake(time.Now()), logx.Nop(), Config{
		Username: "acme",
		Retry:    RetryPolicy{MaxRetries: 0},
		Breaker:  BreakerConfig{Enabled: true, ConsecutiveFailures: 3, OpenTimeout: time.Hour},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchContentList(ctx, "acme", content.KindPost, 5); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
	calls := api.mediasCalls
	_, err := c.FetchContentList(ctx, "acme", content.KindPost, 5)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if api.mediasCalls != calls {
		t.Fatalf("open breaker still reached the API")
	}
}

func TestConcurrentExpiryLogsInOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{medias: []instagram.RawItem{{PK: "m1"}}}
	c := newTestClient(api, newMemSessions(), clock.NewFake(time.Now()))
	ctx := context.Background()
	if _, err := c.Login(ctx, false); err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 2
	gate := &sync.WaitGroup{}
	gate.Add(callers)
	api.mu.Lock()
	api.expired = true
	api.expiredGate = gate
	api.loginCalls = 0
	api.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := c.FetchContentByID(ctx, "m1")
			if err == nil && (item == nil || item.PK != "m1") {
				err = errors.New("item missing")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("FetchContentByID: %v", err)
		}
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.loginCalls != 1 {
		t.Fatalf("credential exchanges after expiry = %d, want 1", api.loginCalls)
	}
}
