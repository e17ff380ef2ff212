// Package tunnelserver implements the tunnel listener: the HTTP front
// door that dispatches health probes, WebSocket upgrades (new agent
// control connections and secondary client channels), and tunneled HTTP
// requests. See spec.md §4.5/§4.6/§4.7. Grounded on koltyakov-expose's
// internal/server package, generalized from its SQLite-backed multi-host
// routing to this protocol's in-memory subdomain registry.
package tunnelserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magnitudedev/bunnel/internal/config"
	"github.com/magnitudedev/bunnel/internal/metrics"
	"github.com/magnitudedev/bunnel/internal/pending"
	"github.com/magnitudedev/bunnel/internal/tlsutil"
	"github.com/magnitudedev/bunnel/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the tunnel listener: one HTTPS endpoint serving both the
// agent/client WebSocket upgrade paths and tunneled HTTP, plus an
// optional cleartext proxy port in front of it.
type Server struct {
	cfg        config.ServerConfig
	log        *slog.Logger
	registry   *tunnel.Registry
	pending    *pending.Table
	metrics    *metrics.Metrics
	metricsReg *prometheus.Registry
}

// New builds a Server from cfg. It does not start listening until Run.
func New(cfg config.ServerConfig, logger *slog.Logger) *Server {
	registry := tunnel.New(cfg.GracePeriod)
	metricsReg := prometheus.NewRegistry()
	s := &Server{
		cfg:        cfg,
		log:        logger,
		registry:   registry,
		pending:    pending.New(),
		metrics:    metrics.New(metricsReg),
		metricsReg: metricsReg,
	}
	registry.OnReap = s.onReap
	return s
}

func metricsHandlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Run serves the tunnel listener (and, if configured, the cleartext
// proxy port and a dedicated metrics listener) until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cert, err := tlsutil.LoadOrSelfSign(s.cfg.CertFile, s.cfg.KeyFile, s.cfg.RootHost)
	if err != nil {
		return fmt.Errorf("tunnelserver: %w", err)
	}
	if s.cfg.CertFile == "" {
		s.log.Warn("no --cert/--key given, using a self-signed certificate", "root_host", s.cfg.RootHost)
	}
	caPool, err := tlsutil.LoadCAPool(s.cfg.CAFiles)
	if err != nil {
		return fmt.Errorf("tunnelserver: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if caPool != nil {
		tlsConfig.ClientCAs = caPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	handler := http.Handler(http.HandlerFunc(s.route))
	handler = requestlog.Wrap(handler)

	tunnelAddr := fmt.Sprintf(":%d", s.cfg.Port)
	tunnelSrv := &http.Server{
		Addr:              tunnelAddr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		s.log.Info("tunnel listener starting", "addr", tunnelAddr)
		if err := tunnelSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("tunnel listener: %w", err)
		}
	}()

	var proxySrv *http.Server
	if s.cfg.ProxyPort > 0 {
		proxySrv = s.newProxyServer(tunnelAddr)
		go func() {
			s.log.Info("cleartext proxy starting", "addr", proxySrv.Addr)
			if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("proxy listener: %w", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsHandlerFor(s.metricsReg)}
		go func() {
			s.log.Info("metrics listener starting", "addr", s.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go s.runIdleMonitor(monitorCtx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopMonitor()
		s.shutdownAll(tunnelSrv, proxySrv, metricsSrv)
		return err
	}

	stopMonitor()
	s.drainAll(metrics.ReasonShutdown)
	s.shutdownAll(tunnelSrv, proxySrv, metricsSrv)
	return nil
}

func (s *Server) newProxyServer(tunnelAddr string) *http.Server {
	target := &url.URL{Scheme: "https", Host: "127.0.0.1" + tunnelAddr}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // proxying to our own self-signed tunnel port
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.ProxyPort),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) shutdownAll(servers ...*http.Server) {
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("graceful shutdown failed", "addr", srv.Addr, "err", err)
		}
		cancel()
	}
}

// drainAll reaps every live tunnel, which in turn drains its pending
// requests with a 502. Used on process shutdown per spec.md §5. Each
// reap is recorded individually by onReap, so this does no metrics
// accounting of its own.
func (s *Server) drainAll(reason string) {
	var subs []string
	s.registry.Sweep(func(sub string, info *tunnel.Info) { subs = append(subs, sub) })
	for _, sub := range subs {
		s.registry.Reap(sub, reason)
	}
}
