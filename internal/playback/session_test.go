package playback

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/models"
)

var start = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due callbacks in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the fire times of active timers.
func (c *fakeClock) Pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}

type gatewayResult struct {
	grant Grant
	err   error
}

type gatewayStub struct {
	mu      sync.Mutex
	results []gatewayResult
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatewayStub) push(grant Grant, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, gatewayResult{grant, err})
}

func (g *gatewayStub) Stream(context.Context, string) (Grant, error) {
	g.mu.Lock()
	g.calls++
	entered, release := g.entered, g.release
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.results) == 0 {
		return Grant{}, errors.New("no scripted result")
	}
	res := g.results[0]
	if len(g.results) > 1 {
		g.results = g.results[1:]
	}
	return res.grant, res.err
}

func (g *gatewayStub) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type loadCall struct {
	ref models.PlayableReference
	at  time.Duration
}

type playerStub struct {
	mu       sync.Mutex
	position time.Duration
	loads    []loadCall
	errors   []error
}

func (p *playerStub) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *playerStub) Load(ref models.PlayableReference, at time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, loadCall{ref, at})
	return nil
}

func (p *playerStub) ShowAccessError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, err)
}

func (p *playerStub) Loads() []loadCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]loadCall(nil), p.loads...)
}

func (p *playerStub) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errors...)
}

func signedGrant(url string, expiresAt time.Time) Grant {
	return Grant{Reference: models.PlayableReference{URL: url, IssuedAt: start, ExpiresAt: expiresAt}}
}

func newTestSession(t *testing.T, gw Gateway, player Player, clock Clock) *Session {
	t.Helper()
	s := NewSession("gated", gw, player, Options{Clock: clock})
	t.Cleanup(s.Close)
	return s
}

func TestSessionStartSchedulesRefreshBeforeExpiry(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	loads := player.Loads()
	require.Len(t, loads, 1)
	assert.Equal(t, time.Duration(0), loads[0].at)
	assert.Equal(t, "https://cdn/a.m3u8?sig=1", s.Current().URL)
	assert.Equal(t, []time.Time{start.Add(55 * time.Minute)}, clock.Pending())
}

func TestSessionRefreshFloor(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(2*time.Minute)), nil)

	s := newTestSession(t, gw, &playerStub{}, clock)
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, []time.Time{start.Add(time.Minute)}, clock.Pending())
}

func TestRefreshDelay(t *testing.T) {
	cases := map[string]struct {
		expiresAt time.Time
		want      time.Duration
	}{
		"longWindow":    {start.Add(time.Hour), 55 * time.Minute},
		"exactlyLead":   {start.Add(6 * time.Minute), time.Minute},
		"shortWindow":   {start.Add(3 * time.Minute), time.Minute},
		"alreadyPassed": {start.Add(-time.Hour), time.Minute},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := refreshDelay(tc.expiresAt, start, RefreshLead, MinRefreshDelay)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, MinRefreshDelay)
		})
	}
}

func TestSessionPublicReferenceNeverRefreshes(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(Grant{Reference: models.PlayableReference{URL: "https://cdn/public/intro.m3u8"}}, nil)

	s := newTestSession(t, gw, &playerStub{}, clock)
	require.NoError(t, s.Start(context.Background()))

	assert.Empty(t, clock.Pending())
	clock.Advance(48 * time.Hour)
	assert.Equal(t, 1, gw.Calls())
}

func TestSessionTimerSwapsReferenceAtCurrentPosition(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	player.mu.Lock()
	player.position = 42 * time.Second
	player.mu.Unlock()
	gw.push(signedGrant("https://cdn/a.m3u8?sig=2", start.Add(2*time.Hour)), nil)

	clock.Advance(55 * time.Minute)

	loads := player.Loads()
	require.Len(t, loads, 2)
	assert.Equal(t, "https://cdn/a.m3u8?sig=2", loads[1].ref.URL)
	assert.Equal(t, 42*time.Second, loads[1].at)
	assert.Equal(t, "https://cdn/a.m3u8?sig=2", s.Current().URL)
	assert.Equal(t, []time.Time{start.Add(115 * time.Minute)}, clock.Pending())
}

func TestSessionRefreshFailureRetriesThenEscalates(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(10*time.Minute)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	gw.push(Grant{}, gateway.ErrUnavailable)

	// First attempt at expiry-5m fails while the reference is still valid.
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 2, gw.Calls())
	assert.Empty(t, player.Errors(), "playback must continue on a transient failure")
	assert.Equal(t, []time.Time{start.Add(6 * time.Minute)}, clock.Pending())

	// Retries continue on a fixed backoff until the reference has expired and
	// the failure budget is exhausted.
	for i := 0; i < 6 && len(player.Errors()) == 0; i++ {
		clock.Advance(RetryBackoff)
	}

	errs := player.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAccessExpired)
	assert.ErrorIs(t, errs[0], gateway.ErrUnavailable)
	assert.Empty(t, clock.Pending())
	assert.False(t, clock.Now().Before(start.Add(10*time.Minute)), "must not escalate before expiry")
	assert.Len(t, player.Loads(), 1)
}

func TestSessionRefreshRecoversAfterTransientFailure(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	gw.push(Grant{}, gateway.ErrUnavailable)
	gw.push(signedGrant("https://cdn/a.m3u8?sig=2", start.Add(2*time.Hour)), nil)

	clock.Advance(55 * time.Minute)
	clock.Advance(RetryBackoff)

	assert.Equal(t, "https://cdn/a.m3u8?sig=2", s.Current().URL)
	assert.Empty(t, player.Errors())
}

func TestSessionForbiddenRefreshEscalatesImmediately(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	gw.push(Grant{}, &gateway.ForbiddenError{NeedsPurchase: true, Price: 2500})
	_, err := s.Refresh(context.Background())

	var forbidden *gateway.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	errs := player.Errors()
	require.Len(t, errs, 1)
	require.ErrorAs(t, errs[0], &forbidden)
	assert.Equal(t, int64(2500), forbidden.Price)
	assert.Empty(t, clock.Pending())
}

func TestSessionCloseCancelsPendingRefresh(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)

	s := newTestSession(t, gw, &playerStub{}, clock)
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, clock.Pending(), 1)

	s.Close()
	assert.Empty(t, clock.Pending())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, gw.Calls())

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestSessionStaleTimerIsNoop(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)

	s := newTestSession(t, gw, &playerStub{}, clock)
	require.NoError(t, s.Start(context.Background()))

	s.mu.Lock()
	stale := s.generation
	s.mu.Unlock()

	s.Close()
	s.onTimer(stale)
	assert.Equal(t, 1, gw.Calls())
}

func TestSessionDiscardsRefreshArrivingAfterClose(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	player := &playerStub{}

	s := newTestSession(t, gw, player, clock)
	require.NoError(t, s.Start(context.Background()))

	gw.mu.Lock()
	gw.entered = make(chan struct{}, 1)
	gw.release = make(chan struct{})
	gw.results = []gatewayResult{{grant: signedGrant("https://cdn/a.m3u8?sig=2", start.Add(2*time.Hour))}}
	gw.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		done <- err
	}()

	<-gw.entered
	s.Close()
	close(gw.release)

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	assert.Len(t, player.Loads(), 1)
	assert.Empty(t, player.Errors())
	assert.Equal(t, "https://cdn/a.m3u8?sig=1", s.Current().URL)
}

func TestSessionConcurrentRefreshesShareOneRequest(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)

	s := newTestSession(t, gw, &playerStub{}, clock)
	require.NoError(t, s.Start(context.Background()))

	gw.mu.Lock()
	gw.entered = make(chan struct{}, 8)
	gw.release = make(chan struct{})
	gw.results = []gatewayResult{{grant: signedGrant("https://cdn/a.m3u8?sig=2", start.Add(2*time.Hour))}}
	gw.mu.Unlock()

	const callers = 5
	var wg sync.WaitGroup
	refs := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := s.Refresh(context.Background())
			if err == nil {
				refs[i] = ref.URL
			}
		}(i)
	}

	<-gw.entered
	time.Sleep(50 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	assert.Equal(t, 2, gw.Calls())
	for _, url := range refs {
		assert.Equal(t, "https://cdn/a.m3u8?sig=2", url)
	}
}

func TestSessionStartErrors(t *testing.T) {
	clock := newFakeClock()
	gw := &gatewayStub{}
	gw.push(Grant{}, gateway.ErrUnauthenticated)

	s := newTestSession(t, gw, &playerStub{}, clock)
	err := s.Start(context.Background())
	require.ErrorIs(t, err, gateway.ErrUnauthenticated)

	gw.push(signedGrant("https://cdn/a.m3u8?sig=1", start.Add(time.Hour)), nil)
	gw.mu.Lock()
	gw.results = gw.results[1:]
	gw.mu.Unlock()

	require.NoError(t, s.Start(context.Background()), "a failed start may be retried")
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}
