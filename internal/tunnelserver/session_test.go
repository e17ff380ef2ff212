package tunnelserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/magnitudedev/bunnel/internal/config"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/tunnel"
)

func TestAgentConnectAssignsUniqueSubdomains(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.route))
	defer ts.Close()

	conn1, sub1 := dialAgent(t, ts)
	defer conn1.Close()
	conn2, sub2 := dialAgent(t, ts)
	defer conn2.Close()

	if sub1 == "" || sub2 == "" {
		t.Fatal("expected non-empty subdomains")
	}
	if sub1 == sub2 {
		t.Fatalf("expected distinct subdomains, got %q twice", sub1)
	}
	if s.registry.Len() != 2 {
		t.Fatalf("expected 2 registered tunnels, got %d", s.registry.Len())
	}
}

func TestControlChannelProtocolViolationReapsTunnel(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.route))
	defer ts.Close()

	agentConn, sub := dialAgent(t, ts)
	defer agentConn.Close()

	if err := agentConn.WriteMessage(websocket.TextMessage, []byte("not a valid frame")); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Lookup(sub) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected tunnel %q to be reaped after a protocol violation", sub)
}

func TestAgentDisconnectEntersOfflineGraceThenReaps(t *testing.T) {
	s := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.GracePeriod = 30 * time.Millisecond
	})
	ts := httptest.NewServer(http.HandlerFunc(s.route))
	defer ts.Close()

	agentConn, sub := dialAgent(t, ts)

	if err := agentConn.Close(); err != nil {
		t.Fatalf("close agent conn: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		info := s.registry.Lookup(sub)
		if info != nil && info.State() == tunnel.OfflineGrace {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if info := s.registry.Lookup(sub); info == nil || info.State() != tunnel.OfflineGrace {
		t.Fatalf("expected tunnel %q to enter offline grace", sub)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Lookup(sub) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected tunnel %q to be reaped once its grace window expired", sub)
}

func TestGraceExpiryReapIsCountedInMetrics(t *testing.T) {
	s := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.GracePeriod = 30 * time.Millisecond
	})
	ts := httptest.NewServer(http.HandlerFunc(s.route))
	defer ts.Close()

	agentConn, sub := dialAgent(t, ts)
	if err := agentConn.Close(); err != nil {
		t.Fatalf("close agent conn: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.registry.Lookup(sub) == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.registry.Lookup(sub) != nil {
		t.Fatalf("expected tunnel %q to be reaped once its grace window expired", sub)
	}

	got := testutil.ToFloat64(s.metrics.TunnelsReaped.WithLabelValues(metrics.ReasonGraceExpired))
	if got != 1 {
		t.Fatalf("expected 1 grace_expired reap recorded, got %v", got)
	}
}
