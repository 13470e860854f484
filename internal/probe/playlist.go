package probe

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPlaylist reports a body that is not an HLS playlist.
var ErrInvalidPlaylist = errors.New("invalid m3u8 playlist")

// Playlist is the subset of an HLS playlist the probe follows.
type Playlist struct {
	// Variants are the URIs of a master playlist's renditions.
	Variants []string
	Segments []Segment
}

// Segment is one media segment of a media playlist.
type Segment struct {
	URI      string
	Duration time.Duration
}

// ParsePlaylist reads a master or media playlist.
func ParsePlaylist(r io.Reader) (Playlist, error) {
	var (
		pl          Playlist
		sawHeader   bool
		nextVariant bool
		nextDur     time.Duration
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return Playlist{}, fmt.Errorf("%w: missing #EXTM3U header", ErrInvalidPlaylist)
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			nextVariant = true
		case strings.HasPrefix(line, "#EXTINF:"):
			d, err := parseExtInf(line)
			if err != nil {
				return Playlist{}, err
			}
			nextDur = d
		case strings.HasPrefix(line, "#"):
		case nextVariant:
			pl.Variants = append(pl.Variants, line)
			nextVariant = false
		default:
			pl.Segments = append(pl.Segments, Segment{URI: line, Duration: nextDur})
			nextDur = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return Playlist{}, fmt.Errorf("read playlist: %w", err)
	}
	if !sawHeader {
		return Playlist{}, fmt.Errorf("%w: empty body", ErrInvalidPlaylist)
	}
	return pl, nil
}

// parseExtInf reads the duration from "#EXTINF:<seconds>,[title]".
func parseExtInf(line string) (time.Duration, error) {
	value := strings.TrimPrefix(line, "#EXTINF:")
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("%w: bad segment duration %q", ErrInvalidPlaylist, line)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
