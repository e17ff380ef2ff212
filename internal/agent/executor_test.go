package agent

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/magnitudedev/bunnel/internal/wireproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectFailsWhenLocalServiceProbeFails(t *testing.T) {
	t.Parallel()

	// Nothing listens on this URL.
	e, err := New("http://127.0.0.1:1", "ws://127.0.0.1:1", false, 200*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail when the local service is unreachable")
	}
}

func TestForwardLocalStripsHopByHopAndReturnsBody(t *testing.T) {
	t.Parallel()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.Header().Set("X-Echo-Method", r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	defer local.Close()

	localURL, _ := url.Parse(local.URL)
	e := &Executor{localURL: localURL, fwdClient: local.Client()}

	resp := e.forwardLocal(&wireproto.Request{ID: "req_1", Method: "GET", Path: "/abc", Headers: map[string]string{}})
	if resp.Status != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Status)
	}
	if !strings.Contains(resp.Body, "hello /abc") {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if _, ok := resp.Headers["connection"]; ok {
		t.Fatal("expected Connection header to be stripped")
	}
	if resp.Headers["x-echo-method"] != "GET" {
		t.Fatalf("unexpected headers: %v", resp.Headers)
	}
}

func TestForwardLocalReturnsBadGatewayOnTransportFailure(t *testing.T) {
	t.Parallel()

	localURL, _ := url.Parse("http://127.0.0.1:1")
	e := &Executor{localURL: localURL, fwdClient: &http.Client{Timeout: 200 * time.Millisecond}}

	resp := e.forwardLocal(&wireproto.Request{ID: "req_2", Method: "GET", Path: "/", Headers: map[string]string{}})
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Status)
	}
}

func TestTunnelURLForDerivesSubdomainHost(t *testing.T) {
	t.Parallel()

	got := tunnelURLFor("ws://localhost:4444", "abc123def456")
	if got != "http://abc123def456.localhost:4444" {
		t.Fatalf("unexpected tunnel url: %q", got)
	}
}

func TestIsConnectedReflectsConnectionState(t *testing.T) {
	t.Parallel()

	e := &Executor{}
	if e.IsConnected() {
		t.Fatal("expected a fresh executor to report not connected")
	}
}
