package tunnelserver

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/errs"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/netutil"
	"github.com/magnitudedev/bunnel/internal/wireproto"
)

// route dispatches an incoming HTTP request per spec.md §4.5's routing
// priority: health probe, WebSocket upgrade, tunneled HTTP, else 404.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	host := netutil.NormalizeHost(r.Host)

	if s.cfg.MetricsAddr == "" && r.URL.Path == "/metrics" && host == s.cfg.RootHost {
		metricsHandlerFor(s.metricsReg).ServeHTTP(w, r)
		return
	}

	if host == s.cfg.RootHost && r.URL.Path == "/" && r.Method == http.MethodGet && !netutil.IsUpgradeRequest(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Tunnel server is running"))
		return
	}

	if netutil.IsUpgradeRequest(r) {
		s.routeUpgrade(w, r, host)
		return
	}

	sub, ok := netutil.SplitSubdomain(host, s.cfg.RootHost)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.handleTunneledHTTP(w, r, sub)
}

func (s *Server) routeUpgrade(w http.ResponseWriter, r *http.Request, host string) {
	if host == s.cfg.RootHost || !strings.Contains(host, ".") {
		// Root host, or a bare single-label host, connecting with an
		// upgrade request is a new agent control connection.
		s.registerAgent(w, r)
		return
	}

	sub, ok := netutil.SplitSubdomain(host, s.cfg.RootHost)
	if !ok {
		http.Error(w, errs.ErrMalformedHost.Error(), http.StatusBadRequest)
		return
	}

	info := s.registry.Lookup(sub)
	if info == nil {
		http.Error(w, errs.ErrSubdomainNotFound.Error(), http.StatusNotFound)
		return
	}
	s.registerClientChannel(w, r, info)
}

func (s *Server) handleTunneledHTTP(w http.ResponseWriter, r *http.Request, sub string) {
	info := s.registry.Lookup(sub)
	if info == nil {
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
		}
		http.Error(w, errs.ErrSubdomainNotFound.Error(), http.StatusNotFound)
		return
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		limited := io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1)
		b, err := io.ReadAll(limited)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if int64(len(b)) > s.cfg.MaxBodyBytes {
			if s.metrics != nil {
				s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBodyTooLarge).Inc()
			}
			http.Error(w, errs.ErrBodyTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}

	netutil.RemoveHopByHopHeadersPreserveUpgrade(r.Header)
	headers := netutil.HeaderMapToWire(r.Header)
	req := &wireproto.Request{
		ID:      sub + ":" + uuid.NewString(),
		Method:  r.Method,
		Path:    pathAndQuery(r),
		Headers: headers,
		Body:    string(body),
	}

	channel := info.Channel()
	conn, ok := channel.(*controlConn)
	if channel == nil || !ok {
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTunnelLost).Inc()
		}
		http.Error(w, errs.ErrTunnelLost.Error(), http.StatusBadGateway)
		return
	}

	start := time.Now()
	var timedOut bool
	wait := s.pending.Put(req.ID, s.cfg.RequestTimeout, func() {
		timedOut = true
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
		}
	})

	raw, err := wireproto.EncodeRequest(req)
	if err != nil {
		s.pending.Complete(req.ID, nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.pending.Complete(req.ID, nil)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTunnelLost).Inc()
		}
		http.Error(w, errs.ErrTunnelLost.Error(), http.StatusBadGateway)
		s.registry.Reap(sub, metrics.ReasonSendFailed)
		return
	}
	if s.metrics != nil {
		s.metrics.BytesIn.Add(float64(len(body)))
		s.metrics.PendingRequests.Inc()
	}

	resp := wait()

	if s.metrics != nil {
		s.metrics.PendingRequests.Dec()
		s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}

	s.registry.Touch(sub)
	info.AddBytes(int64(len(body)), bodyLen(resp))

	if resp == nil {
		if timedOut {
			http.Error(w, errs.ErrRequestTimeout.Error(), http.StatusGatewayTimeout)
			return
		}
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeTunnelLost).Inc()
		}
		http.Error(w, errs.ErrTunnelLost.Error(), http.StatusBadGateway)
		return
	}

	writeWireResponse(w, resp)
	if s.metrics != nil {
		s.metrics.BytesOut.Add(float64(len(resp.Body)))
		s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	}
}

func writeWireResponse(w http.ResponseWriter, resp *wireproto.Response) {
	h := netutil.WireHeadersToHeaderMap(resp.Headers)
	netutil.RemoveHopByHopHeadersPreserveUpgrade(h)
	for k, vals := range h {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.Body))
}

func pathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return fmt.Sprintf("%s?%s", r.URL.Path, r.URL.RawQuery)
}

func bodyLen(resp *wireproto.Response) int64 {
	if resp == nil {
		return 0
	}
	return int64(len(resp.Body))
}
