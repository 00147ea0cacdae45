package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/naphtha/eastwood/pkg/proto"
	"github.com/naphtha/eastwood/pkg/session"
	"github.com/naphtha/eastwood/pkg/workerpool"
)

// ErrClosedConn mirrors connection.go's sentinel for operations attempted
// on an already-closed link.
var ErrClosedConn = errors.New("link: use of closed connection")

// ErrAuthFailed is returned by the server side when the first frame it
// receives isn't a valid auth packet, or the hash doesn't match.
var ErrAuthFailed = errors.New("link: authentication failed")

// Role distinguishes which end of the link this process is.
type Role int

const (
	// RoleExternal is the link client: it dials the internal proxy and
	// sends the auth packet immediately upon connecting.
	RoleExternal Role = iota
	// RoleInternal is the link server: it treats every inbound byte as
	// an auth candidate until a valid auth packet is seen.
	RoleInternal
)

// Config controls a Link's framing and crypto behavior. Password, Secret
// and BufferDuration come from the global.* section of the TOML
// configuration; Workers and AuthIterations are not config options and
// are set by the caller (pkg/proxy uses runtime.NumCPU() and the default
// hash work factor).
type Config struct {
	Password       string
	Secret         string
	BufferDuration time.Duration
	Workers        int
	AuthIterations int
}

// Handler receives dispatched inbound link messages. pkg/proxy supplies
// the concrete implementation for each Role.
type Handler interface {
	HandlePoemItem(item PoemItem)
	HandleAddConn(id session.ID)
	HandleDeleteConn(id session.ID)
	HandleReleaseQueue(id session.ID)
	HandleToggleChunk(pkt ToggleChunkPacket)
}

// Link is one side of the single long-lived EW connection between the
// external and internal proxy. Grounded on protocols/ew_protocol.py's
// EWProtocol and internal_proxy/internal.py.
type Link struct {
	conn    net.Conn
	cfg     Config
	role    Role
	handler Handler
	log     *zap.Logger

	authed atomic.Bool

	writeMu sync.Mutex

	inMu  sync.Mutex
	queue []PoemItem

	outboundPool   *workerpool.Pool
	outReassembler *workerpool.Reassembler
	inboundPool    *workerpool.Pool
	inReassembler  *workerpool.Reassembler

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an already-established net.Conn as a Link. The caller must
// call Serve to start its read/flush loops.
func New(conn net.Conn, cfg Config, role Role, handler Handler) *Link {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	l := &Link{
		conn:           conn,
		cfg:            cfg,
		role:           role,
		handler:        handler,
		log:            zap.L().With(zap.String("component", "link"), zap.Stringer("role", roleStringer(role))),
		outReassembler: workerpool.NewReassembler(0),
		inReassembler:  workerpool.NewReassembler(0),
		closed:         make(chan struct{}),
	}

	outboundFn := l.buildPipelineFunc(true)
	inboundFn := l.buildPipelineFunc(false)
	l.outboundPool = workerpool.New(cfg.Workers, outboundFn)
	l.inboundPool = workerpool.New(cfg.Workers, inboundFn)
	return l
}

type roleStringer Role

func (r roleStringer) String() string {
	if Role(r) == RoleExternal {
		return "external"
	}
	return "internal"
}

// buildPipelineFunc composes compress+encrypt (outbound) or decrypt+
// decompress (inbound) into a single workerpool.Func, so both transforms
// share one index space and land on one Reassembler.
func (l *Link) buildPipelineFunc(outbound bool) workerpool.Func {
	compress := workerpool.CompressFunc()
	decompress := workerpool.DecompressFunc()

	var key [32]byte
	hasSecret := l.cfg.Secret != ""
	if hasSecret {
		key = workerpool.DeriveKey([]byte(l.cfg.Secret))
	}

	if outbound {
		return func(data []byte) ([]byte, error) {
			out, err := compress(data)
			if err != nil {
				return nil, &workerpool.ErrCompress{Err: err}
			}
			if hasSecret {
				enc, err := workerpool.EncryptFunc(key)
				if err != nil {
					return nil, err
				}
				out, err = enc(out)
				if err != nil {
					return nil, err
				}
			}
			return out, nil
		}
	}
	return func(data []byte) ([]byte, error) {
		in := data
		if hasSecret {
			dec, err := workerpool.DecryptFunc(key)
			if err != nil {
				return nil, err
			}
			var derr error
			in, derr = dec(in)
			if derr != nil {
				return nil, &workerpool.ErrDecrypt{Err: derr}
			}
		}
		out, err := decompress(in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Enqueue queues one client packet for inclusion in the next flushed poem.
func (l *Link) Enqueue(item PoemItem) {
	l.inMu.Lock()
	l.queue = append(l.queue, item)
	l.inMu.Unlock()
}

func (l *Link) drainQueue() []PoemItem {
	l.inMu.Lock()
	defer l.inMu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	out := l.queue
	l.queue = nil
	return out
}

// Serve runs the link's flush loop, outbound-pipeline drain loop, and
// read loop until ctx is cancelled or the connection fails. It blocks
// until the link is closed.
func (l *Link) Serve(ctx context.Context) error {
	if l.role == RoleExternal {
		if err := l.sendAuth(); err != nil {
			l.Close()
			return fmt.Errorf("link: send auth: %w", err)
		}
		l.authed.Store(true)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		l.drainOutbound()
	}()
	go func() {
		defer wg.Done()
		l.drainInbound()
	}()
	go func() {
		defer wg.Done()
		l.flushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		// readLoop blocks on conn.Read with no deadline; closing the
		// conn is what unwinds it on cancellation.
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.closed:
		}
	}()

	err := l.readLoop()
	l.Close()
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *Link) sendAuth() error {
	hash, salt, err := IteratedSaltedHash([]byte(l.cfg.Password), nil, l.cfg.AuthIterations)
	if err != nil {
		return err
	}
	return l.writeLinkPacket(PacketAuth, EncodeAuth(AuthPacket{Hash: hash, Salt: salt}))
}

func (l *Link) flushLoop(ctx context.Context) {
	interval := l.cfg.BufferDuration
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

func (l *Link) flush(ctx context.Context) {
	items := l.drainQueue()
	if len(items) == 0 {
		return
	}
	w := proto.NewWriter()
	for _, item := range items {
		EncodePoemItem(w, item)
	}
	if _, err := l.outboundPool.Submit(ctx, w.Bytes()); err != nil {
		l.log.Warn("submit poem to outbound pipeline failed", zap.Error(err))
	}
}

func (l *Link) drainOutbound() {
	for res := range l.outboundPool.Results() {
		data := res.Data
		if res.Err != nil {
			l.log.Warn("outbound pipeline failed for poem, dropping", zap.Int("index", res.Index), zap.Error(res.Err))
			data = nil
		}
		released, err := l.outReassembler.Push(res.Index, data)
		if err != nil {
			l.log.Error("outbound reassembler overflow", zap.Error(err))
			l.Close()
			return
		}
		for _, b := range released {
			if err := l.writeLinkPacket(PacketPoem, b); err != nil {
				l.log.Warn("write poem failed", zap.Error(err))
				l.Close()
				return
			}
		}
	}
}

func (l *Link) writeLinkPacket(id uint8, body []byte) error {
	inner := proto.NewWriter()
	inner.WriteVarInt(int32(id))
	inner.WriteBytes(body)
	w := proto.NewWriter()
	w.WritePacket(inner.Bytes())

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.conn.Write(w.Bytes())
	return err
}

func (l *Link) readLoop() error {
	var fr proto.FrameReader
	buf := make([]byte, 64*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
			for {
				frame, ok := fr.Next()
				if !ok {
					break
				}
				if derr := l.dispatchFrame(frame); derr != nil {
					return derr
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

func (l *Link) dispatchFrame(frame []byte) error {
	if !l.authed.Load() {
		return l.handleAuthCandidate(frame)
	}

	r := proto.NewReader(frame)
	id, err := r.ReadVarInt()
	if err != nil {
		return fmt.Errorf("link: malformed frame: %w", err)
	}
	body := r.Remaining()

	switch uint8(id) {
	case PacketPoem:
		if _, serr := l.inboundPool.Submit(context.Background(), body); serr != nil {
			return serr
		}
		return nil
	case PacketAddConn:
		sid, derr := DecodeSessionPacket(body)
		if derr != nil {
			return derr
		}
		l.handler.HandleAddConn(sid)
	case PacketDeleteConn:
		sid, derr := DecodeSessionPacket(body)
		if derr != nil {
			return derr
		}
		l.handler.HandleDeleteConn(sid)
	case PacketReleaseQueue:
		sid, derr := DecodeSessionPacket(body)
		if derr != nil {
			return derr
		}
		l.handler.HandleReleaseQueue(sid)
	case PacketToggleChunk:
		pkt, derr := DecodeToggleChunk(body)
		if derr != nil {
			return derr
		}
		l.handler.HandleToggleChunk(pkt)
	case PacketAuth:
		// Re-authentication mid-session is not supported; ignore.
	default:
		return fmt.Errorf("link: unknown packet id %d", id)
	}
	return nil
}

// drainInbound dispatches completed inbound pipeline results, in order, as
// they arrive, for the lifetime of the link.
func (l *Link) drainInbound() {
	for res := range l.inboundPool.Results() {
		data := res.Data
		if res.Err != nil {
			l.log.Error("inbound pipeline failed, closing link", zap.Int("index", res.Index), zap.Error(res.Err))
			l.Close()
			return
		}
		released, err := l.inReassembler.Push(res.Index, data)
		if err != nil {
			l.log.Error("inbound reassembler overflow", zap.Error(err))
			l.Close()
			return
		}
		for _, poem := range released {
			for _, item := range DecodePoem(poem) {
				l.handler.HandlePoemItem(item)
			}
		}
	}
}

func (l *Link) handleAuthCandidate(frame []byte) error {
	r := proto.NewReader(frame)
	id, err := r.ReadVarInt()
	if err != nil || uint8(id) != PacketAuth {
		l.Close()
		return ErrAuthFailed
	}
	pkt, err := DecodeAuth(r.Remaining())
	if err != nil {
		l.Close()
		return ErrAuthFailed
	}
	if !VerifyAuth(l.cfg.Password, pkt, l.cfg.AuthIterations) {
		l.Close()
		return ErrAuthFailed
	}
	l.authed.Store(true)
	l.log.Info("peer authenticated")
	return nil
}

// Close shuts down the link's connection and signals its loops to stop.
// Safe to call multiple times and from multiple goroutines.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
		l.outboundPool.Close()
		l.inboundPool.Close()
	})
	return nil
}

// Authed reports whether the peer has completed authentication.
func (l *Link) Authed() bool { return l.authed.Load() }

// SendControl writes one control packet (add_conn/delete_conn/
// release_queue/toggle_chunk) immediately, bypassing the poem buffer —
// these are one-off signals, not batched client traffic.
func (l *Link) SendControl(id uint8, body []byte) error {
	return l.writeLinkPacket(id, body)
}

// DialWithBackoff repeatedly dials addr, constructing and serving a Link
// with exponential backoff between attempts, resetting the backoff after
// each successful authenticate. It blocks until ctx is cancelled. This
// replaces the original's twisted ReconnectingClientFactory. onConnect,
// if non-nil, is called with each freshly constructed Link before it
// starts serving, so a caller can keep a reference for Enqueue/SendControl
// across reconnects; it may be nil.
func DialWithBackoff(ctx context.Context, addr string, cfg Config, handler Handler, onConnect func(*Link)) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	log := zap.L().With(zap.String("component", "link"), zap.String("addr", addr))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			d := b.Duration()
			log.Warn("dial failed, backing off", zap.Error(err), zap.Duration("backoff", d))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}

		l := New(conn, cfg, RoleExternal, handler)
		if onConnect != nil {
			onConnect(l)
		}
		log.Info("link connected")
		serveErr := l.Serve(ctx)
		if l.Authed() {
			b.Reset()
		}
		if serveErr != nil {
			log.Warn("link disconnected", zap.Error(serveErr))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d := b.Duration()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}
