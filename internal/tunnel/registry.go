// Package tunnel implements the tunnel registry: the shared map from
// subdomain to live tunnel state, and the Online/OfflineGrace/Reaped
// lifecycle that governs it. See spec.md §3 and §4.3.
package tunnel

import (
	"io"
	"sync"
	"time"
)

// State is a TunnelInfo's position in the Online/OfflineGrace/Reaped
// lifecycle. There is no explicit Absent state value: absence is the
// registry simply holding no entry for a subdomain.
type State int

const (
	Online State = iota
	OfflineGrace
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case OfflineGrace:
		return "offline_grace"
	default:
		return "unknown"
	}
}

// ControlChannel is the control-channel collaborator a TunnelInfo binds
// to: the WebSocket connection to the agent. Closing it must be
// idempotent, matching gorilla/websocket's own Close() contract.
type ControlChannel interface {
	io.Closer
}

// Info is a single subdomain's registry entry: spec.md §3's TunnelInfo.
type Info struct {
	Subdomain string

	mu         sync.Mutex
	state      State
	channel    ControlChannel
	clients    map[string]io.Closer
	lastActive time.Time
	graceTimer *time.Timer
	bytesIn    int64
	bytesOut   int64
}

// State reports the tunnel's current lifecycle state.
func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastActive reports the last time this tunnel observed traffic.
func (i *Info) LastActive() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActive
}

// Channel returns the tunnel's current control channel, or nil if the
// tunnel is in OfflineGrace.
func (i *Info) Channel() ControlChannel {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Online {
		return nil
	}
	return i.channel
}

// AddBytes accumulates body bytes observed for this tunnel, for logging
// and metrics only; this is not part of any wire invariant.
func (i *Info) AddBytes(in, out int64) {
	i.mu.Lock()
	i.bytesIn += in
	i.bytesOut += out
	i.mu.Unlock()
}

// Bytes reports the accumulated byte counters.
func (i *Info) Bytes() (in, out int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bytesIn, i.bytesOut
}

// AddClient tracks a secondary client channel, keyed by the id the relay
// protocol tags its frames with, so Reap can close every one of them and
// inbound relay frames can be routed back to the right channel.
func (i *Info) AddClient(id string, c io.Closer) {
	i.mu.Lock()
	if i.clients == nil {
		i.clients = make(map[string]io.Closer)
	}
	i.clients[id] = c
	i.mu.Unlock()
}

// RemoveClient stops tracking a secondary client channel, e.g. once it
// closes on its own.
func (i *Info) RemoveClient(id string) {
	i.mu.Lock()
	delete(i.clients, id)
	i.mu.Unlock()
}

// Client returns the secondary client channel tracked under id, or nil.
func (i *Info) Client(id string) io.Closer {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clients[id]
}

// Registry is the shared subdomain → [Info] table. All methods are safe
// for concurrent use; register/reattach/markOffline/reap are mutually
// exclusive with each other per spec.md §5.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Info

	// GraceDuration is the OfflineGrace window armed by markOffline. New
	// sets it from its argument (bunnel-server passes the configured grace
	// period, 1s by default); it is per Registry instance so tests can use
	// a much shorter window.
	GraceDuration time.Duration

	// OnReap, if set, is invoked (off the registry lock) every time a
	// tunnel is reaped, so the owner can drain that tunnel's pending
	// requests and record the reap reason in metrics.
	OnReap func(sub string, info *Info, reason string)
}

// ReasonGraceExpired is the reason Reap is called with when a tunnel's
// offline grace timer fires unattached. It must match
// metrics.ReasonGraceExpired; this package doesn't import metrics to
// keep the reap reason a plain string at this layer.
const ReasonGraceExpired = "grace_expired"

// New returns an empty registry with the given default grace window.
func New(graceDuration time.Duration) *Registry {
	return &Registry{
		entries:       make(map[string]*Info),
		GraceDuration: graceDuration,
	}
}

// Exists reports whether sub already has a live registry entry. It
// satisfies [subdomain.Exists].
func (r *Registry) Exists(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sub]
	return ok
}

// Register creates a new Online entry for sub bound to channel. The
// caller must have already confirmed sub is unused (e.g. via the
// subdomain allocator); Register overwrites any existing entry, which
// should never legitimately happen.
func (r *Registry) Register(sub string, channel ControlChannel) *Info {
	info := &Info{
		Subdomain:  sub,
		state:      Online,
		channel:    channel,
		lastActive: time.Now(),
	}
	r.mu.Lock()
	r.entries[sub] = info
	r.mu.Unlock()
	return info
}

// Reattach rebinds sub's existing OfflineGrace entry to a new channel,
// cancelling its grace timer and transitioning it back to Online. It
// returns false if no OfflineGrace entry exists for sub (including the
// case where grace expiry already reaped it, per spec.md §4.3's
// reattach-races-expiry tie-break: the caller must then treat sub as a
// fresh Register).
func (r *Registry) Reattach(sub string, channel ControlChannel) bool {
	r.mu.Lock()
	info, ok := r.entries[sub]
	r.mu.Unlock()
	if !ok {
		return false
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.state != OfflineGrace {
		return false
	}
	if info.graceTimer != nil {
		info.graceTimer.Stop()
		info.graceTimer = nil
	}
	info.state = Online
	info.channel = channel
	info.lastActive = time.Now()
	return true
}

// Lookup returns sub's entry, or nil if absent.
func (r *Registry) Lookup(sub string) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[sub]
}

// MarkOffline transitions sub's entry from Online to OfflineGrace and
// arms a grace timer that reaps sub after r.GraceDuration. If sub is
// already OfflineGrace, its existing timer is left untouched: repeated
// disconnects never extend the grace window, per spec.md §4.3.
func (r *Registry) MarkOffline(sub string) {
	r.mu.Lock()
	info, ok := r.entries[sub]
	r.mu.Unlock()
	if !ok {
		return
	}

	info.mu.Lock()
	if info.state != Online {
		info.mu.Unlock()
		return
	}
	info.state = OfflineGrace
	info.graceTimer = time.AfterFunc(r.GraceDuration, func() { r.Reap(sub, ReasonGraceExpired) })
	info.mu.Unlock()
}

// Touch refreshes sub's lastActive timestamp to now, marking the tunnel
// as having observed traffic.
func (r *Registry) Touch(sub string) {
	r.mu.Lock()
	info, ok := r.entries[sub]
	r.mu.Unlock()
	if !ok {
		return
	}
	info.mu.Lock()
	info.lastActive = time.Now()
	info.mu.Unlock()
}

// Reap removes sub's entry, closing its control channel and every
// tracked client channel. It is idempotent: a second Reap of the same
// subdomain, or a Reap racing a Reattach that already claimed the
// entry, is a no-op for the loser. reason is passed through to OnReap
// unchanged, for metrics labeling by the caller.
func (r *Registry) Reap(sub string, reason string) {
	r.mu.Lock()
	info, ok := r.entries[sub]
	if ok {
		delete(r.entries, sub)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	info.mu.Lock()
	if info.graceTimer != nil {
		info.graceTimer.Stop()
		info.graceTimer = nil
	}
	channel := info.channel
	info.channel = nil
	clients := info.clients
	info.clients = nil
	info.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}

	if r.OnReap != nil {
		r.OnReap(sub, info, reason)
	}
}

// Sweep calls fn for every registered tunnel. Online tunnels have their
// lastActive refreshed as a side effect of the sweep (the idle monitor's
// activity heartbeat, per spec.md §4.7), before fn observes them.
func (r *Registry) Sweep(fn func(sub string, info *Info)) {
	r.mu.Lock()
	snapshot := make([]*Info, 0, len(r.entries))
	for _, info := range r.entries {
		snapshot = append(snapshot, info)
	}
	r.mu.Unlock()

	for _, info := range snapshot {
		info.mu.Lock()
		if info.state == Online {
			info.lastActive = time.Now()
		}
		sub := info.Subdomain
		info.mu.Unlock()
		fn(sub, info)
	}
}

// Len reports the number of registered tunnels, for metrics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
