// Package pinger implements the short-lived status ping the internal
// proxy uses to check the real server is up before dialing a full
// connection for an admitted session, grounded on
// eastwood/server_pinger.py.
package pinger

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/naphtha/eastwood/pkg/proto"
)

const (
	handshakeNextStateStatus = 1
	packetIDHandshake        = 0x00
	packetIDStatusRequest    = 0x00
)

// Pinger performs rate-limited Minecraft status pings against one backend
// address. The limiter paces repeated ping attempts while connection
// slots are reserved, replacing the original's unthrottled do_ping call on
// every add_connection.
type Pinger struct {
	addr    string
	timeout time.Duration
	limiter *rate.Limiter
}

// New builds a Pinger against addr, allowing at most one ping per interval
// (plus a small burst), with timeout bounding each individual attempt.
func New(addr string, interval time.Duration, burst int, timeout time.Duration) *Pinger {
	if burst < 1 {
		burst = 1
	}
	return &Pinger{
		addr:    addr,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Ping blocks (respecting ctx) until the rate limiter admits this attempt,
// then performs one status handshake against the backend, returning
// whether it responded before timeout.
func (p *Pinger) Ping(ctx context.Context) (bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return p.doPing(ctx)
}

func (p *Pinger) doPing(ctx context.Context) (bool, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false, nil
	}
	defer conn.Close()

	if p.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.timeout))
	}

	host, portStr, err := net.SplitHostPort(p.addr)
	if err != nil {
		return false, fmt.Errorf("pinger: split addr: %w", err)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	handshake := proto.NewWriter()
	handshake.WriteVarInt(packetIDHandshake)
	handshake.WriteVarInt(0) // protocol version, unused by status
	handshake.WriteString(host)
	handshake.WriteUint16(port)
	handshake.WriteVarInt(handshakeNextStateStatus)
	frame := proto.NewWriter()
	frame.WritePacket(handshake.Bytes())
	if _, err := conn.Write(frame.Bytes()); err != nil {
		return false, nil
	}

	statusReq := proto.NewWriter()
	statusReq.WriteVarInt(packetIDStatusRequest)
	frame2 := proto.NewWriter()
	frame2.WritePacket(statusReq.Bytes())
	if _, err := conn.Write(frame2.Bytes()); err != nil {
		return false, nil
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return false, nil
	}

	var fr proto.FrameReader
	fr.Feed(buf[:n])
	respFrame, ok := fr.Next()
	if !ok {
		return false, nil
	}
	r := proto.NewReader(respFrame)
	if _, err := r.ReadVarInt(); err != nil { // packet id
		return false, nil
	}
	if _, err := r.ReadString(); err != nil { // JSON status string, unparsed
		return false, nil
	}
	return true, nil
}
