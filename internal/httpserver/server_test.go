package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestNewAppliesDefaultTimeouts(t *testing.T) {
	srv := New(":8080", http.NotFoundHandler(), Timeouts{Write: time.Second})
	if srv.Addr() != ":8080" {
		t.Fatalf("unexpected addr %q", srv.Addr())
	}
	if srv.inner.WriteTimeout != time.Second {
		t.Fatalf("expected explicit write timeout to win got %s", srv.inner.WriteTimeout)
	}
	if srv.inner.ReadHeaderTimeout != DefaultTimeouts.ReadHeader || srv.drain != DefaultTimeouts.Drain {
		t.Fatalf("expected defaults for unset fields got %+v drain %s", srv.inner, srv.drain)
	}
}

func TestServeDrainsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	srv := New(ln.Addr().String(), handler, Timeouts{Drain: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean drain got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	err = New(ln.Addr().String(), http.NotFoundHandler(), Timeouts{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected error when the address is taken")
	}
}
