// Package probe plays a video headlessly through the client-side stack: a
// playback session against a running gateway, with media requests signed by
// the segment transport. It is used to smoke-test deployments.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lessonreel/backend/internal/models"
	"github.com/lessonreel/backend/internal/playback"
	"github.com/lessonreel/backend/internal/segments"
)

const (
	defaultSegments = 3
	maxPlaylistSize = 1 << 20
)

// Config describes one probe run.
type Config struct {
	BaseURL  string
	Token    string
	VideoID  string
	Segments int
	// Client is used for gateway calls.
	Client *http.Client
	// Media is the round tripper under the segment transport.
	Media  http.RoundTripper
	Logger *slog.Logger
}

// Result summarizes what the probe fetched.
type Result struct {
	VideoID   string
	Title     string
	Manifest  string
	Variant   string
	Public    bool
	ExpiresAt time.Time
	Segments  []FetchedSegment
	Played    time.Duration
}

// FetchedSegment is one segment the probe downloaded.
type FetchedSegment struct {
	URI   string
	Bytes int64
}

// Run starts a playback session for cfg.VideoID, fetches its manifest and the
// first cfg.Segments segments, and tears the session down.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.BaseURL == "" || cfg.VideoID == "" {
		return Result{}, errors.New("probe: base url and video id are required")
	}
	if cfg.Segments <= 0 {
		cfg.Segments = defaultSegments
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := segments.NewTransport(cfg.Media, nil)
	transport.Logger = logger
	player := &headlessPlayer{transport: transport}

	gw := &playback.HTTPGateway{BaseURL: cfg.BaseURL, Client: cfg.Client, Tokens: playback.StaticToken(cfg.Token)}
	session := playback.NewSession(cfg.VideoID, gw, player, playback.Options{Logger: logger})
	defer session.Close()
	transport.Refresher = session

	if err := session.Start(ctx); err != nil {
		return Result{}, err
	}

	grant := session.Grant()
	ref := grant.Reference
	result := Result{
		VideoID:   cfg.VideoID,
		Title:     grant.Title,
		Manifest:  redact(ref.URL),
		Public:    !ref.Expires(),
		ExpiresAt: ref.ExpiresAt,
	}

	client := &http.Client{Transport: transport}

	playlistURL, err := url.Parse(ref.URL)
	if err != nil {
		return result, fmt.Errorf("parse manifest url: %w", err)
	}
	playlist, err := fetchPlaylist(ctx, client, playlistURL)
	if err != nil {
		return result, err
	}

	if len(playlist.Variants) > 0 {
		variant, err := playlistURL.Parse(playlist.Variants[0])
		if err != nil {
			return result, fmt.Errorf("resolve variant %q: %w", playlist.Variants[0], err)
		}
		result.Variant = redact(variant.String())
		playlistURL = variant
		if playlist, err = fetchPlaylist(ctx, client, variant); err != nil {
			return result, err
		}
	}

	if len(playlist.Segments) == 0 {
		return result, fmt.Errorf("%w: no segments", ErrInvalidPlaylist)
	}

	for i, seg := range playlist.Segments {
		if i >= cfg.Segments {
			break
		}
		segURL, err := playlistURL.Parse(seg.URI)
		if err != nil {
			return result, fmt.Errorf("resolve segment %q: %w", seg.URI, err)
		}
		n, err := fetch(ctx, client, segURL, io.Discard)
		if err != nil {
			return result, err
		}
		result.Segments = append(result.Segments, FetchedSegment{URI: redact(segURL.String()), Bytes: n})
		player.advance(seg.Duration)
		logger.Debug("segment fetched", slog.String("uri", seg.URI), slog.Int64("bytes", n))
	}

	result.Played = player.Position()
	if err := player.accessError(); err != nil {
		return result, err
	}
	return result, nil
}

func fetchPlaylist(ctx context.Context, client *http.Client, u *url.URL) (Playlist, error) {
	var buf bytes.Buffer
	n, err := fetch(ctx, client, u, &buf)
	if err != nil {
		return Playlist{}, err
	}
	if n > maxPlaylistSize {
		return Playlist{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidPlaylist, redact(u.String()), maxPlaylistSize)
	}
	playlist, err := ParsePlaylist(&buf)
	if err != nil {
		return Playlist{}, fmt.Errorf("parse %s: %w", redact(u.String()), err)
	}
	return playlist, nil
}

func fetch(ctx context.Context, client *http.Client, u *url.URL, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("build media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", redact(u.String()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch %s: HTTP %d", redact(u.String()), resp.StatusCode)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", redact(u.String()), err)
	}
	return n, nil
}

// headlessPlayer tracks position and points the segment transport at the
// current reference.
type headlessPlayer struct {
	transport *segments.Transport

	mu       sync.Mutex
	position time.Duration
	err      error
}

func (p *headlessPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *headlessPlayer) Load(ref models.PlayableReference, at time.Duration) error {
	if err := p.transport.Apply(ref); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = at
	p.mu.Unlock()
	return nil
}

func (p *headlessPlayer) ShowAccessError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *headlessPlayer) advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position += d
}

func (p *headlessPlayer) accessError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
