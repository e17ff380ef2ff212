// Package wireproto defines the JSON wire protocol exchanged between the
// bunnel server and its tunnel agents over a WebSocket control channel.
//
// Unlike a tagged-union protocol, frames here are discriminated by which
// fields are present: a frame with "type":"connected" is a ConnectedNotice,
// a frame carrying "status" is a Response, and a frame carrying "method" is
// a Request. This mirrors the wire shape spec.md §4.1 calls for.
package wireproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectedKind is the discriminator value for a ConnectedNotice frame.
const ConnectedKind = "connected"

// RelayKind is the discriminator value for a RelayFrame: spec.md §9's
// secondary-client-channel/WireResponse coexistence is resolved by tagging
// relayed bytes with this type so the control channel's decoder never
// mistakes them for a correlated Response.
const RelayKind = "relay"

// Request is a server→agent frame describing an inbound HTTP request to be
// executed against the agent's local service.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Response is an agent→server frame carrying the result of executing a
// [Request].
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// ConnectedNotice is sent server→agent exactly once per session
// establishment (including after a grace-window reconnect).
type ConnectedNotice struct {
	Type      string `json:"type"`
	Subdomain string `json:"subdomain"`
}

// RelayFrame carries opaque bytes between a secondary client channel and
// the control channel it is bound to, per spec.md §4.6. Data is the raw
// payload, base64-encoded so it travels safely inside a JSON text frame
// regardless of whether the secondary channel used a text or binary
// WebSocket frame.
type RelayFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Binary   bool   `json:"binary,omitempty"`
	Data     string `json:"data"`
}

// envelope is the superset used only for decoding: it is unmarshaled once
// and then classified by which fields are non-empty, instead of relying on
// a single discriminator field for every frame kind.
type envelope struct {
	Type      string            `json:"type,omitempty"`
	ID        string            `json:"id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      *string           `json:"body,omitempty"`
	Subdomain string            `json:"subdomain,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	Binary    bool              `json:"binary,omitempty"`
	Data      string            `json:"data,omitempty"`
}

// Decoded is the result of decoding a single frame: exactly one of
// Request, Response, Connected, or Relay is non-nil.
type Decoded struct {
	Request   *Request
	Response  *Response
	Connected *ConnectedNotice
	Relay     *RelayFrame
}

// Decode classifies and unmarshals a single JSON frame read from the
// control channel. It rejects frames missing the fields required for the
// kind it infers, per spec.md §4.1's "rejects frames missing required
// fields with a protocol-error outcome" decoder guarantee.
func Decode(raw []byte) (Decoded, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Decoded{}, fmt.Errorf("wireproto: invalid json: %w", err)
	}

	switch {
	case env.Type == ConnectedKind:
		if strings.TrimSpace(env.Subdomain) == "" {
			return Decoded{}, fmt.Errorf("wireproto: connected notice missing subdomain")
		}
		return Decoded{Connected: &ConnectedNotice{Type: ConnectedKind, Subdomain: env.Subdomain}}, nil

	case env.Type == RelayKind:
		if strings.TrimSpace(env.ClientID) == "" {
			return Decoded{}, fmt.Errorf("wireproto: relay frame missing client_id")
		}
		return Decoded{Relay: &RelayFrame{
			Type:     RelayKind,
			ClientID: env.ClientID,
			Binary:   env.Binary,
			Data:     env.Data,
		}}, nil

	case env.Status != 0:
		if strings.TrimSpace(env.ID) == "" {
			return Decoded{}, fmt.Errorf("wireproto: response missing id")
		}
		body := ""
		if env.Body != nil {
			body = *env.Body
		}
		return Decoded{Response: &Response{
			ID:      env.ID,
			Status:  env.Status,
			Headers: env.Headers,
			Body:    body,
		}}, nil

	case env.Method != "":
		if strings.TrimSpace(env.ID) == "" {
			return Decoded{}, fmt.Errorf("wireproto: request missing id")
		}
		body := ""
		if env.Body != nil {
			body = *env.Body
		}
		return Decoded{Request: &Request{
			ID:      env.ID,
			Method:  env.Method,
			Path:    env.Path,
			Headers: env.Headers,
			Body:    body,
		}}, nil

	default:
		return Decoded{}, fmt.Errorf("wireproto: frame matches no known message kind")
	}
}

// EncodeRequest serializes a Request frame.
func EncodeRequest(r *Request) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeResponse serializes a Response frame.
func EncodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

// EncodeConnected serializes a ConnectedNotice frame.
func EncodeConnected(c *ConnectedNotice) ([]byte, error) {
	c.Type = ConnectedKind
	return json.Marshal(c)
}

// EncodeRelay serializes a RelayFrame.
func EncodeRelay(r *RelayFrame) ([]byte, error) {
	r.Type = RelayKind
	return json.Marshal(r)
}

// JoinHeaderValues folds a multi-value HTTP header into the wire's
// single-valued header representation, joining duplicates with ", " per
// spec.md §3's "last-write-wins on duplicates" rule relaxed to preserve all
// values rather than silently dropping them.
func JoinHeaderValues(values []string) string {
	return strings.Join(values, ", ")
}

// CloneHeaders returns a shallow copy of a wire header map.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// LowercaseHeaders returns a copy of h with lowercased keys, per spec.md
// §3's WireRequest.headers definition. Keys that collide after lowercasing
// collapse to one entry; since h is a map, which of their values survives
// is not defined.
func LowercaseHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
