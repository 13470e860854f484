package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lessonreel/backend/internal/config"
	"github.com/lessonreel/backend/internal/probe"
)

const probeTimeout = 30 * time.Second

// runProbe plays a video headlessly against a running gateway and prints what
// was fetched.
func runProbe(ctx context.Context, args []string, out io.Writer) error {
	cfg := config.FromEnv()

	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(out)
	baseURL := fs.String("base-url", cfg.Probe.BaseURL, "gateway base url")
	token := fs.String("token", cfg.Probe.Token, "bearer token; empty probes anonymously")
	count := fs.Int("segments", 3, "number of segments to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected video id: probe [-base-url URL] [-token T] [-segments N] <videoID>")
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	logger := newLogger(cfg.LogLevel)
	result, err := probe.Run(ctx, probe.Config{
		BaseURL:  *baseURL,
		Token:    *token,
		VideoID:  fs.Arg(0),
		Segments: *count,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Logger:   logger,
	})
	if err != nil {
		logger.Error("probe failed", slog.String("video_id", fs.Arg(0)), slog.Any("error", err))
		return fmt.Errorf("probe %s: %w", fs.Arg(0), err)
	}

	fmt.Fprintf(out, "video %s (%s)\n", result.VideoID, result.Title)
	if result.Public {
		fmt.Fprintf(out, "manifest %s (public)\n", result.Manifest)
	} else {
		fmt.Fprintf(out, "manifest %s (expires %s)\n", result.Manifest, result.ExpiresAt.Format(time.RFC3339))
	}
	if result.Variant != "" {
		fmt.Fprintf(out, "variant %s\n", result.Variant)
	}
	for _, seg := range result.Segments {
		fmt.Fprintf(out, "segment %s %d bytes\n", seg.URI, seg.Bytes)
	}
	fmt.Fprintf(out, "played %s\n", result.Played)
	return nil
}
