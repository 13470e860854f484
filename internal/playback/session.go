// Package playback keeps a player authorized for the lifetime of a viewing
// session. A Session holds the current playable reference, schedules a refresh
// ahead of its expiry and swaps the fresh reference into the player at the
// current position.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lessonreel/backend/internal/gateway"
	"github.com/lessonreel/backend/internal/models"
)

const (
	// RefreshLead is how long before expiry a refresh is attempted.
	RefreshLead = 5 * time.Minute
	// MinRefreshDelay is the earliest a refresh may be scheduled after now.
	MinRefreshDelay = time.Minute
	// RetryBackoff is the fixed delay between failed refresh attempts.
	RetryBackoff = time.Minute
	// MaxConsecutiveFailures is how many failed refreshes of an expired
	// reference are tolerated before the player is told access has expired.
	MaxConsecutiveFailures = 3
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("playback session closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("playback session already started")
	// ErrAccessExpired is reported to the player when the reference expired and
	// could not be renewed.
	ErrAccessExpired = errors.New("playback access expired")
)

// Grant is the client view of a successful gateway response.
type Grant struct {
	Reference  models.PlayableReference
	PreviewURL string
	Title      string
	Duration   *time.Duration
}

// Gateway requests playable references for a video.
type Gateway interface {
	Stream(ctx context.Context, videoID string) (Grant, error)
}

// Player is the media element a session drives. Load must swap the media
// source without a user-visible restart. Implementations must not call Close
// from within Load or ShowAccessError.
type Player interface {
	Position() time.Duration
	Load(ref models.PlayableReference, at time.Duration) error
	ShowAccessError(err error)
}

// Options tune a Session. Zero values select the package defaults.
type Options struct {
	Clock        Clock
	Logger       *slog.Logger
	RefreshLead  time.Duration
	MinDelay     time.Duration
	RetryBackoff time.Duration
	MaxFailures  int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RefreshLead <= 0 {
		o.RefreshLead = RefreshLead
	}
	if o.MinDelay <= 0 {
		o.MinDelay = MinRefreshDelay
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = RetryBackoff
	}
	if o.RetryBackoff < o.MinDelay {
		o.RetryBackoff = o.MinDelay
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = MaxConsecutiveFailures
	}
	return o
}

// Session owns one player's authorization state and its refresh timer.
type Session struct {
	videoID string
	gateway Gateway
	player  Player
	opts    Options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	// swapMu orders player mutations against Close.
	swapMu sync.Mutex

	mu         sync.Mutex
	grant      Grant
	timer      Timer
	generation uint64
	failures   int
	started    bool
	escalated  bool
	closed     bool
}

// NewSession creates a session for videoID. Nothing happens until Start.
func NewSession(videoID string, gw Gateway, player Player, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		videoID: videoID,
		gateway: gw,
		player:  player,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("video_id", videoID)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start requests the first reference and begins playback from the start.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	grant, err := s.gateway.Stream(ctx, s.videoID)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("start playback: %w", err)
	}

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.player.Load(grant.Reference, 0); err != nil {
		return fmt.Errorf("load initial reference: %w", err)
	}
	s.install(grant)
	return nil
}

// Refresh obtains a new reference and swaps it into the player at the current
// position. Concurrent callers share a single gateway request.
func (s *Session) Refresh(ctx context.Context) (models.PlayableReference, error) {
	if s.isClosed() {
		return models.PlayableReference{}, ErrSessionClosed
	}

	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		return s.refresh()
	})

	select {
	case <-ctx.Done():
		return models.PlayableReference{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.PlayableReference{}, res.Err
		}
		return res.Val.(models.PlayableReference), nil
	}
}

func (s *Session) refresh() (models.PlayableReference, error) {
	grant, err := s.gateway.Stream(s.ctx, s.videoID)

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	// A result arriving after teardown is discarded.
	if s.isClosed() {
		return models.PlayableReference{}, ErrSessionClosed
	}

	if err == nil {
		if err = s.player.Load(grant.Reference, s.player.Position()); err == nil {
			s.install(grant)
			s.logger.Info("playback reference refreshed", slog.Time("expires_at", grant.Reference.ExpiresAt))
			return grant.Reference, nil
		}
		err = fmt.Errorf("swap refreshed reference: %w", err)
	}

	s.fail(err)
	return models.PlayableReference{}, err
}

// install records grant as current and schedules its refresh. swapMu must be held.
func (s *Session) install(grant Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grant = grant
	s.failures = 0
	s.escalated = false
	s.generation++

	if !grant.Reference.Expires() {
		s.stopTimerLocked()
		return
	}
	s.scheduleLocked(refreshDelay(grant.Reference.ExpiresAt, s.opts.Clock.Now(), s.opts.RefreshLead, s.opts.MinDelay))
}

// fail applies the error policy after a failed refresh. swapMu must be held.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	expired := s.grant.Reference.ExpiredAt(s.opts.Clock.Now())

	var escalate error
	switch {
	case s.escalated:
	case isTerminal(err):
		escalate = err
	case expired && failures >= s.opts.MaxFailures:
		escalate = fmt.Errorf("%w: %w", ErrAccessExpired, err)
	}

	if escalate != nil {
		s.escalated = true
		s.stopTimerLocked()
	} else if !s.escalated && s.grant.Reference.Expires() {
		s.scheduleLocked(s.opts.RetryBackoff)
	}
	s.mu.Unlock()

	s.logger.Warn("playback refresh failed",
		slog.Int("consecutive_failures", failures),
		slog.Bool("reference_expired", expired),
		slog.Any("error", err),
	)

	if escalate != nil {
		s.player.ShowAccessError(escalate)
	}
}

func (s *Session) scheduleLocked(delay time.Duration) {
	s.stopTimerLocked()
	generation := s.generation
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.onTimer(generation) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimer(generation uint64) {
	s.mu.Lock()
	stale := s.closed || generation != s.generation
	s.mu.Unlock()
	if stale {
		return
	}

	if _, err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) && !errors.Is(err, context.Canceled) {
		s.logger.Debug("scheduled refresh did not complete", slog.Any("error", err))
	}
}

// Current returns the reference the player is using.
func (s *Session) Current() models.PlayableReference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant.Reference
}

// Grant returns the latest gateway grant including video metadata.
func (s *Session) Grant() Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant
}

// Close tears the session down. It cancels any pending timer and in-flight
// refresh; once Close returns the player is never touched again.
func (s *Session) Close() {
	s.cancel()

	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.generation++
	s.stopTimerLocked()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// refreshDelay returns max(expiresAt-lead, now+floor) relative to now.
func refreshDelay(expiresAt, now time.Time, lead, floor time.Duration) time.Duration {
	delay := expiresAt.Add(-lead).Sub(now)
	if delay < floor {
		return floor
	}
	return delay
}

func isTerminal(err error) bool {
	var forbidden *gateway.ForbiddenError
	return errors.Is(err, gateway.ErrUnauthenticated) ||
		errors.Is(err, gateway.ErrNotFound) ||
		errors.As(err, &forbidden)
}
