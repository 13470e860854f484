package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Timeouts bounds each phase of a connection. Stream responses are small JSON
// documents, so the write budget stays short.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
	Drain      time.Duration
}

// DefaultTimeouts are used for any zero field passed to New.
var DefaultTimeouts = Timeouts{
	ReadHeader: 5 * time.Second,
	Read:       15 * time.Second,
	Write:      10 * time.Second,
	Idle:       60 * time.Second,
	Drain:      15 * time.Second,
}

// Server serves the gateway handler until its context ends, then drains.
type Server struct {
	inner *http.Server
	drain time.Duration
}

// New constructs a server for addr (":8080", "127.0.0.1:0").
func New(addr string, handler http.Handler, timeouts Timeouts) *Server {
	t := timeouts.withDefaults()
	return &Server{
		inner: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: t.ReadHeader,
			ReadTimeout:       t.Read,
			WriteTimeout:      t.Write,
			IdleTimeout:       t.Idle,
		},
		drain: t.Drain,
	}
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	return s.inner.Addr
}

// Run listens on the configured address and blocks until ctx is canceled or
// the listener fails. On cancellation in-flight requests get the drain budget.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.inner.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.inner.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.inner.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.inner.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "draining http server", "addr", ln.Addr().String(), "budget", s.drain)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drain)
	defer cancel()
	if err := s.inner.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}

func (t Timeouts) withDefaults() Timeouts {
	if t.ReadHeader <= 0 {
		t.ReadHeader = DefaultTimeouts.ReadHeader
	}
	if t.Read <= 0 {
		t.Read = DefaultTimeouts.Read
	}
	if t.Write <= 0 {
		t.Write = DefaultTimeouts.Write
	}
	if t.Idle <= 0 {
		t.Idle = DefaultTimeouts.Idle
	}
	if t.Drain <= 0 {
		t.Drain = DefaultTimeouts.Drain
	}
	return t
}
