package mc

import (
	"fmt"
	"net"
	"strconv"

	"github.com/naphtha/eastwood/pkg/session"
)

// Adapter tracks per-session protocol mode and applies the two packet
// rewrites this proxy pair performs on the Minecraft wire stream itself:
// handshake host/port rewriting (IP forwarding) and the login_success
// mode-transition ordering. Grounded on external_proxy/external.py's
// packet_recv_handshake / packet_send_login_success and
// internal_proxy.py's packet_mc_handshake.
type Adapter struct {
	ipForwarding bool
}

func NewAdapter(ipForwarding bool) *Adapter {
	return &Adapter{ipForwarding: ipForwarding}
}

// HandleHandshake decodes a handshake payload and captures the session's
// next mode. The external side's client-frame handler calls it on the
// intercept path, just before the handshake is queued for the outbound
// poem, rather than from any lower-level "connection made" hook. It does not touch
// the embedded server address — that rewrite happens on the internal side
// via RewriteHandshake, which is the side that actually owns the real
// server's address.
func (a *Adapter) HandleHandshake(sess *session.Client, payload []byte) ([]byte, error) {
	h, err := DecodeHandshake(payload)
	if err != nil {
		return nil, err
	}

	switch h.NextState {
	case 1:
		sess.Mode = session.ModeStatus
	case 2:
		sess.Mode = session.ModeLogin
	}

	return payload, nil
}

// RewriteHandshake implements packet_mc_handshake's host/port rewrite on
// the internal side: when ip_forwarding is disabled, the embedded server
// address is replaced with the real backend's host:port (realServerAddr,
// e.g. internal.minecraft), since the backend was never told the address
// the client actually dialed. When ip_forwarding is enabled, the original
// fields are preserved untouched — the real client address reaches the
// backend some other way, not by mangling this field.
func (a *Adapter) RewriteHandshake(realServerAddr string, payload []byte) ([]byte, error) {
	h, err := DecodeHandshake(payload)
	if err != nil {
		return nil, err
	}

	if a.ipForwarding {
		return payload, nil
	}

	host, portStr, err := net.SplitHostPort(realServerAddr)
	if err != nil {
		return nil, fmt.Errorf("mc: split real server address %q: %w", realServerAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("mc: parse real server port %q: %w", portStr, err)
	}

	h.ServerAddress = host
	h.ServerPort = uint16(port)
	return EncodeHandshake(h), nil
}

// HandleLoginSuccess runs send (which must transmit the login_success
// packet to the client under the session's current — still Login —
// packet table) and only flips the session to Play mode once send
// returns successfully, matching packet_send_login_success's
// send-then-switch ordering. Reordering this would mean later code reads
// the wrong mode while the packet is still in flight.
func (a *Adapter) HandleLoginSuccess(sess *session.Client, send func() error) error {
	if err := send(); err != nil {
		return err
	}
	sess.Mode = session.ModePlay
	return nil
}

// HandleJoinGame captures the dimension a session is about to render, so
// the chunk-cache module knows which per-dimension tracker and cache files
// a later chunk_data/block_change/... on this session belongs to.
func (a *Adapter) HandleJoinGame(sess *session.Client, payload []byte) error {
	j, err := DecodeJoinGame(payload)
	if err != nil {
		return err
	}
	sess.Dimension = j.Dimension
	return nil
}

// HandleRespawn captures the dimension change a respawn packet carries,
// same reasoning as HandleJoinGame.
func (a *Adapter) HandleRespawn(sess *session.Client, payload []byte) error {
	rs, err := DecodeRespawn(payload)
	if err != nil {
		return err
	}
	sess.Dimension = rs.Dimension
	return nil
}
