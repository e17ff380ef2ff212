package tunnelserver

import (
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	"github.com/magnitudedev/bunnel/internal/tunnel"
	"github.com/magnitudedev/bunnel/internal/wireproto"
)

// registerClientChannel upgrades r into a secondary client channel bound
// to info, per spec.md §4.6: its bytes relay opaquely to the control
// channel, tagged with a client id so the agent side (and this side, on
// the way back) can route them without colliding with correlated
// WireResponse frames.
func (s *Server) registerClientChannel(w http.ResponseWriter, r *http.Request, info *tunnel.Info) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("client channel upgrade failed", "err", err)
		return
	}
	wsConn.SetReadLimit(wsReadLimit)

	clientID := uuid.NewString()
	info.AddClient(clientID, wsConn)
	var received int64
	defer func() {
		info.RemoveClient(clientID)
		_ = wsConn.Close()
		s.log.Debug("client channel closed", "subdomain", info.Subdomain, "client_id", clientID,
			"received", sizestr.ToString(received))
	}()

	for {
		messageType, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		received += int64(len(data))
		relay := &wireproto.RelayFrame{
			ClientID: clientID,
			Binary:   messageType == websocket.BinaryMessage,
			Data:     base64.StdEncoding.EncodeToString(data),
		}
		raw, err := wireproto.EncodeRelay(relay)
		if err != nil {
			continue
		}

		channel := info.Channel()
		conn, ok := channel.(*controlConn)
		if channel == nil || !ok {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

// dispatchRelayToClient forwards a RelayFrame arriving on the control
// channel (agent → server) to the secondary client channel it is tagged
// for, if still tracked. Frames for an unknown or already-closed client
// id are dropped.
func (s *Server) dispatchRelayToClient(info *tunnel.Info, relay *wireproto.RelayFrame) {
	closer := info.Client(relay.ClientID)
	if closer == nil {
		return
	}
	wsConn, ok := closer.(*websocket.Conn)
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(relay.Data)
	if err != nil {
		return
	}
	messageType := websocket.TextMessage
	if relay.Binary {
		messageType = websocket.BinaryMessage
	}
	_ = wsConn.WriteMessage(messageType, data)
}

const wsReadLimit = 32 * 1024 * 1024
