// Package agent implements the agent-side request executor: the half of
// the tunnel that runs next to the private service being exposed. It
// dials the tunnel server's control channel, forwards inbound
// WireRequests to the local service, and relays the results back. See
// spec.md §4.8. Grounded on koltyakov-expose's internal/client package,
// adapted from its registration+session-loop shape to this protocol's
// single control channel, and its reconnect loop rebuilt around
// jpillora/backoff (grounded on sammck-go-wstunnel's connectionLoop).
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/magnitudedev/bunnel/internal/errs"
	"github.com/magnitudedev/bunnel/internal/netutil"
	"github.com/magnitudedev/bunnel/internal/tlsutil"
	"github.com/magnitudedev/bunnel/internal/wireproto"
)

const (
	handshakeTimeout = 10 * time.Second
	wsReadLimit      = 32 * 1024 * 1024
	writeTimeout     = 15 * time.Second
)

// ConnectResult is what a successful [Executor.Connect] resolves with:
// the subdomain the server assigned, and the public URL callers reach it
// at.
type ConnectResult struct {
	Subdomain string
	TunnelURL string
}

// Executor maintains the agent's control channel to the tunnel server
// and forwards incoming requests to a local HTTP service.
type Executor struct {
	localURL     *url.URL
	tunnelURL    string
	insecure     bool
	probeTimeout time.Duration
	log          *slog.Logger

	fwdClient   *http.Client
	probeClient *http.Client

	writeMu   sync.Mutex
	connMu    sync.Mutex
	conn      *websocket.Conn
	closed    chan struct{}
	connected atomic.Bool
}

// New builds an Executor forwarding to localURL and controlled from
// tunnelURL (the server's root-host WebSocket endpoint). insecure mirrors
// the agent's --self-signed flag.
func New(localURL, tunnelURL string, insecure bool, probeTimeout time.Duration, logger *slog.Logger) (*Executor, error) {
	parsedLocal, err := url.Parse(localURL)
	if err != nil {
		return nil, fmt.Errorf("agent: invalid local url: %w", err)
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Executor{
		localURL:     parsedLocal,
		tunnelURL:    tunnelURL,
		insecure:     insecure,
		probeTimeout: probeTimeout,
		log:          logger,
		fwdClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		probeClient: &http.Client{
			Timeout: probeTimeout,
		},
	}, nil
}

// IsConnected reports whether the control channel is currently open.
func (e *Executor) IsConnected() bool {
	return e.connected.Load()
}

// Connect probes the local service, dials the tunnel server's control
// endpoint, and blocks until the server's ConnectedNotice arrives (or the
// attempt fails). On success it starts the background read loop that
// dispatches inbound requests for the lifetime of the connection.
func (e *Executor) Connect(ctx context.Context) (ConnectResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	if err := e.probeLocalService(probeCtx); err != nil {
		return ConnectResult{}, fmt.Errorf("agent: %w: %w", errs.ErrLocalUnreachable, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  tlsutil.ClientTLSConfig(e.insecure),
	}
	conn, _, err := dialer.DialContext(ctx, e.tunnelURL, nil)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("agent: %w: %w", errs.ErrTunnelLost, err)
	}
	conn.SetReadLimit(wsReadLimit)

	e.connMu.Lock()
	e.conn = conn
	closed := make(chan struct{})
	e.closed = closed
	e.connMu.Unlock()
	e.connected.Store(true)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		e.connected.Store(false)
		return ConnectResult{}, fmt.Errorf("agent: %w: %w", errs.ErrTunnelLost, err)
	}
	dec, err := wireproto.Decode(raw)
	if err != nil {
		_ = conn.Close()
		e.connected.Store(false)
		return ConnectResult{}, fmt.Errorf("agent: %w: %w", errs.ErrProtocolViolation, err)
	}
	if dec.Connected == nil {
		_ = conn.Close()
		e.connected.Store(false)
		return ConnectResult{}, fmt.Errorf("agent: %w: expected connected notice", errs.ErrProtocolViolation)
	}

	result := ConnectResult{
		Subdomain: dec.Connected.Subdomain,
		TunnelURL: tunnelURLFor(e.tunnelURL, dec.Connected.Subdomain),
	}

	go e.readLoop(conn)

	return result, nil
}

// Disconnect closes the control channel. It is safe to call multiple
// times and safe to call when never connected.
func (e *Executor) Disconnect() {
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run maintains the control channel for the lifetime of ctx, reconnecting
// with jpillora/backoff on every drop, until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return nil
		}
		result, err := e.Connect(ctx)
		if err != nil {
			d := b.Duration()
			e.log.Warn("connect failed, retrying", "err", err, "retry_in", d.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		e.log.Info("tunnel established", "subdomain", result.Subdomain, "tunnel_url", result.TunnelURL)

		select {
		case <-ctx.Done():
			e.Disconnect()
			return nil
		case <-e.closed:
		}
		e.log.Warn("tunnel connection lost, reconnecting")
	}
}

func (e *Executor) readLoop(conn *websocket.Conn) {
	defer func() {
		e.connected.Store(false)
		e.connMu.Lock()
		closed := e.closed
		e.connMu.Unlock()
		close(closed)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		dec, err := wireproto.Decode(raw)
		if err != nil || dec.Request == nil {
			// Anything other than a well-formed request (including a stray
			// response or an unparseable frame) is dropped, per spec.md
			// §4.8's "if the inbound frame cannot be parsed ... drop" policy.
			continue
		}
		go e.handleRequest(dec.Request)
	}
}

func (e *Executor) handleRequest(req *wireproto.Request) {
	resp := e.forwardLocal(req)
	raw, err := wireproto.EncodeResponse(resp)
	if err != nil {
		e.log.Error("encode response failed", "id", req.ID, "err", err)
		return
	}
	if err := e.writeMessage(raw); err != nil {
		e.log.Warn("failed to send response to tunnel server", "id", req.ID, "err", err)
	}
}

func (e *Executor) logLocalForwardFailure(id string, err error) {
	if e.log == nil {
		return
	}
	e.log.Warn("local forward failed", "id", id, "err", fmt.Errorf("%w: %w", errs.ErrLocalUnreachable, err))
}

func (e *Executor) forwardLocal(req *wireproto.Request) *wireproto.Response {
	target := *e.localURL
	reqPath, rawQuery, _ := strings.Cut(req.Path, "?")
	target.Path = joinPath(e.localURL.Path, reqPath)
	target.RawQuery = rawQuery

	httpReq, err := http.NewRequest(req.Method, target.String(), strings.NewReader(req.Body))
	if err != nil {
		e.logLocalForwardFailure(req.ID, err)
		return badGateway(req.ID)
	}
	headers := netutil.WireHeadersToHeaderMap(req.Headers)
	netutil.RemoveHopByHopHeadersPreserveUpgrade(headers)
	httpReq.Header = headers
	httpReq.Host = e.localURL.Host

	resp, err := e.fwdClient.Do(httpReq)
	if err != nil {
		e.logLocalForwardFailure(req.ID, err)
		return badGateway(req.ID)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.logLocalForwardFailure(req.ID, err)
		return badGateway(req.ID)
	}

	netutil.RemoveHopByHopHeadersPreserveUpgrade(resp.Header)
	return &wireproto.Response{
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: netutil.HeaderMapToWire(resp.Header),
		Body:    string(body),
	}
}

func (e *Executor) probeLocalService(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.localURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := e.probeClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (e *Executor) writeMessage(raw []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	conn := e.conn
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func badGateway(id string) *wireproto.Response {
	return &wireproto.Response{
		ID:      id,
		Status:  http.StatusBadGateway,
		Headers: map[string]string{"content-type": "text/plain; charset=utf-8"},
		Body:    "Bad Gateway",
	}
}

func joinPath(base, reqPath string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(reqPath, "/") {
		reqPath = "/" + reqPath
	}
	return base + reqPath
}

func tunnelURLFor(tunnelURL, subdomain string) string {
	u, err := url.Parse(tunnelURL)
	if err != nil {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	host := u.Hostname()
	port := u.Port()
	hostport := subdomain + "." + host
	if port != "" {
		hostport += ":" + port
	}
	return fmt.Sprintf("%s://%s", scheme, hostport)
}
