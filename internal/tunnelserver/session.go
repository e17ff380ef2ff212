package tunnelserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/errs"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/subdomain"
	"github.com/magnitudedev/bunnel/internal/tunnel"
	"github.com/magnitudedev/bunnel/internal/wireproto"
)

// registerAgent upgrades r into a new agent control connection, allocates
// it a fresh subdomain, registers it, and sends the one-shot
// ConnectedNotice before handing off to controlReadLoop. Per spec.md §9,
// every fresh control connection gets a brand new subdomain; the
// registry's reattach path exists but is never reached from here.
func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	sub, err := subdomain.New(s.registry.Exists)
	if err != nil {
		http.Error(w, "failed to allocate subdomain", http.StatusInternalServerError)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("agent upgrade failed", "err", err)
		return
	}
	wsConn.SetReadLimit(wsReadLimit)
	conn := newControlConn(wsConn)
	info := s.registry.Register(sub, conn)

	raw, err := wireproto.EncodeConnected(&wireproto.ConnectedNotice{Subdomain: sub})
	if err != nil {
		_ = conn.Close()
		s.registry.Reap(sub, metrics.ReasonSendFailed)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.registry.Reap(sub, metrics.ReasonSendFailed)
		return
	}

	if s.metrics != nil {
		s.metrics.TunnelsRegistered.Inc()
		s.metrics.TunnelsOnline.Inc()
	}
	s.log.Info("agent connected", "subdomain", sub)

	go s.controlReadLoop(sub, wsConn, info)
}

// controlReadLoop is the per-agent inbound dispatcher: it decodes each
// frame and routes it to the pending table (WireResponse), the tracked
// client channel (RelayFrame). It reaps the tunnel on a protocol
// violation; on channel loss it marks the tunnel offline, starting its
// grace window, per spec.md §4.6.
func (s *Server) controlReadLoop(sub string, wsConn *websocket.Conn, info *tunnel.Info) {
	defer s.onControlClosed(sub)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		s.registry.Touch(sub)

		dec, err := wireproto.Decode(raw)
		if err != nil {
			s.log.Warn("reaping control channel", "subdomain", sub,
				"err", fmt.Errorf("%w: %w", errs.ErrProtocolViolation, err))
			s.registry.Reap(sub, metrics.ReasonProtocol)
			return
		}

		switch {
		case dec.Response != nil:
			// dec.Response.ID already carries the "<subdomain>:" prefix the
			// listener stamped into the outbound request's id; the agent
			// echoes it back unchanged.
			s.pending.Complete(dec.Response.ID, dec.Response)
		case dec.Relay != nil:
			s.dispatchRelayToClient(info, dec.Relay)
		default:
			// A ConnectedNotice or Request arriving from the agent side makes
			// no sense on this direction of the channel; treat it the same
			// as an unparseable frame.
			s.log.Warn("reaping control channel", "subdomain", sub, "err", errs.ErrProtocolViolation)
			s.registry.Reap(sub, metrics.ReasonProtocol)
			return
		}
	}
}

func (s *Server) onControlClosed(sub string) {
	if s.metrics != nil {
		s.metrics.TunnelsOnline.Dec()
	}
	s.registry.MarkOffline(sub)
	s.log.Info("agent disconnected, entering grace window", "subdomain", sub, "grace", s.cfg.GracePeriod)
}

// onReap drains every pending request owned by sub with a 502 "tunnel
// lost" completion, per spec.md §4.3's reap semantics, and records the
// reap reason in metrics. It's the registry's only OnReap hook, so every
// Reap call site in this package passes a reason instead of touching
// TunnelsReaped itself.
func (s *Server) onReap(sub string, info *tunnel.Info, reason string) {
	prefix := sub + ":"
	s.pending.Drain(func(id string) bool {
		return strings.HasPrefix(id, prefix)
	}, nil)
	bytesIn, bytesOut := info.Bytes()
	s.log.Info("tunnel reaped", "subdomain", sub, "reason", reason,
		"bytes_in", humanize.Bytes(uint64(bytesIn)), "bytes_out", humanize.Bytes(uint64(bytesOut)))
	if s.metrics != nil {
		s.metrics.TunnelsReaped.WithLabelValues(reason).Inc()
	}
}
