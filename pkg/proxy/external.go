package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/chunkmodule"
	"github.com/naphtha/eastwood/pkg/config"
	"github.com/naphtha/eastwood/pkg/link"
	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/pipeline"
	"github.com/naphtha/eastwood/pkg/proto"
	"github.com/naphtha/eastwood/pkg/session"
)

// External accepts real Minecraft clients, multiplexing their packets
// onto a single link.Link to the internal proxy. Grounded on
// external_proxy/external.py and external_proxy/internal.py.
type External struct {
	cfg     *config.Config
	adapter *mc.Adapter
	chunks  *chunkmodule.Module
	chain   *pipeline.Pipeline
	log     *zap.Logger

	numConns atomic.Int64

	linkMu sync.Mutex
	link   *link.Link

	mu       sync.Mutex
	sessions map[session.ID]*extSession
}

// extSession is one admitted client's bookkeeping: its protocol state,
// the socket it was accepted on, and the queue held until the internal
// proxy's release_queue tells us its emulated backend client exists.
// releaseMu guards released together with every enqueue onto
// client's pre-backend queue, so a frame arriving concurrently with
// HandleReleaseQueue's drain can never land in the queue after the drain
// has already run.
type extSession struct {
	client *session.Client
	conn   net.Conn

	releaseMu sync.Mutex
	released  bool
}

func NewExternal(cfg *config.Config) (*External, error) {
	adapter := mc.NewAdapter(cfg.Global.IPForwarding)

	e := &External{
		cfg:      cfg,
		adapter:  adapter,
		sessions: map[session.ID]*extSession{},
		log:      logger("external"),
	}

	modules := []pipeline.Module{adapter.PipelineModule()}
	if cfg.ChunkCaching.Enabled {
		cache, err := buildCache(cfg)
		if err != nil {
			return nil, err
		}
		threshold := cfg.ChunkCaching.Threshold
		if threshold < 1 {
			threshold = 1
		}
		chunks, err := chunkmodule.New(cache, threshold, cfg.Global.BufferDuration(), e.sendToggleChunk)
		if err != nil {
			return nil, fmt.Errorf("proxy: build chunk module: %w", err)
		}
		e.chunks = chunks
		modules = append(modules, chunks.PipelineModule())
	}

	e.chain = pipeline.New(modules...)
	return e, nil
}

func (e *External) sendToggleChunk(dimension int32, key chunkcache.Key) {
	pkt := link.ToggleChunkPacket{Dimension: dimension, Key: key}
	e.linkMu.Lock()
	l := e.link
	e.linkMu.Unlock()
	if l == nil {
		return
	}
	if err := l.SendControl(link.PacketToggleChunk, link.EncodeToggleChunk(pkt)); err != nil {
		e.log.Warn("send toggle_chunk failed", zap.Error(err))
	}
}

// Run dials the internal proxy and, concurrently, listens for and serves
// real clients until ctx is cancelled.
func (e *External) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.cfg.External.Bind)
	if err != nil {
		return fmt.Errorf("proxy: external listen %s: %w", e.cfg.External.Bind, err)
	}
	defer listener.Close()
	e.log.Info("listening for clients", zap.String("addr", e.cfg.External.Bind))

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- link.DialWithBackoff(ctx, e.cfg.External.Internal, linkConfig(e.cfg), e, e.setLink)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-linkErr
				return ctx.Err()
			default:
			}
			return err
		}
		go e.handleClient(ctx, conn)
	}
}

var _ link.Handler = (*External)(nil)

// setLink is passed to DialWithBackoff as its onConnect callback, so it
// runs once per (re)connect, before Serve blocks, giving enqueueLink/
// sendToggleChunk/sendSessionControl a live *Link. Guarded by linkMu since
// a reconnect replaces it out from under in-flight callers.
func (e *External) setLink(l *link.Link) {
	e.linkMu.Lock()
	e.link = l
	e.linkMu.Unlock()
}

func (e *External) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	n := e.numConns.Add(1)
	if e.cfg.External.PlayerLimit > 0 && int(n) > e.cfg.External.PlayerLimit {
		e.numConns.Add(-1)
		e.log.Debug("rejecting connection over player_limit", zap.String("addr", conn.RemoteAddr().String()))
		return
	}
	defer e.numConns.Add(-1)

	id := session.NewID()
	sess := &extSession{client: session.NewClient(id), conn: conn}

	e.mu.Lock()
	e.sessions[id] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
		e.sendSessionControl(link.PacketDeleteConn, id)
	}()

	e.sendSessionControl(link.PacketAddConn, id)

	var fr proto.FrameReader
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n])
			for {
				frame, ok := fr.Next()
				if !ok {
					break
				}
				if derr := e.handleClientFrame(sess, frame); derr != nil {
					e.log.Debug("client frame error, closing", zap.Stringer("session", id), zap.Error(derr))
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handleClientFrame special-cases handshake for its mode-capture side
// effect only; the host/port rewrite itself happens on the internal side,
// which is the side that owns the real backend address.
func (e *External) handleClientFrame(sess *extSession, frame []byte) error {
	name, payload, err := mc.DecodeNamedPacket(frame)
	if err != nil {
		return err
	}

	if name == mc.NameHandshake {
		rewritten, herr := e.adapter.HandleHandshake(sess.client, payload)
		if herr != nil {
			return herr
		}
		payload = rewritten
	} else {
		item := session.Item{Session: sess.client.ID, Direction: session.Upstream, Name: name, Payload: payload}
		result := e.chain.Dispatch(sess.client, item)
		if result.Action == pipeline.Drop {
			return nil
		}
		name, payload = result.Name, result.Payload
	}

	item := link.PoemItem{Session: sess.client.ID, Name: name, Payload: payload}
	sess.releaseMu.Lock()
	if sess.released {
		sess.releaseMu.Unlock()
		e.enqueueLink(item)
		return nil
	}
	sess.client.Enqueue(session.Item{Session: item.Session, Name: item.Name, Payload: item.Payload})
	sess.releaseMu.Unlock()
	return nil
}

func (e *External) enqueueLink(item link.PoemItem) {
	e.linkMu.Lock()
	l := e.link
	e.linkMu.Unlock()
	if l == nil {
		return
	}
	l.Enqueue(item)
}

func (e *External) sendSessionControl(id uint8, sid session.ID) {
	e.linkMu.Lock()
	l := e.link
	e.linkMu.Unlock()
	if l == nil {
		return
	}
	if err := l.SendControl(id, link.EncodeSessionPacket(sid)); err != nil {
		e.log.Warn("send session control failed", zap.Uint8("packet", id), zap.Error(err))
	}
}

// --- link.Handler ---

// HandlePoemItem delivers one server->client packet to the session it
// belongs to, special-casing login_success's send-then-switch-mode
// ordering, which needs direct write access this module owns.
func (e *External) HandlePoemItem(item link.PoemItem) {
	e.mu.Lock()
	sess, ok := e.sessions[item.Session]
	e.mu.Unlock()
	if !ok {
		return
	}

	if item.Name == mc.NameLoginSuccess {
		payload := item.Payload
		err := e.adapter.HandleLoginSuccess(sess.client, func() error {
			return writeFramed(sess.conn, mc.NameLoginSuccess, payload)
		})
		if err != nil {
			e.log.Debug("write login_success failed", zap.Error(err))
		}
		return
	}

	sessItem := session.Item{Session: item.Session, Direction: session.Downstream, Name: item.Name, Payload: item.Payload}
	result := e.chain.Dispatch(sess.client, sessItem)
	if result.Action == pipeline.Drop {
		return
	}
	if err := writeFramed(sess.conn, result.Name, result.Payload); err != nil {
		e.log.Debug("write to client failed", zap.Stringer("session", item.Session), zap.Error(err))
	}
}

// HandleAddConn/HandleDeleteConn are sent BY the external side, never
// received by it.
func (e *External) HandleAddConn(session.ID)    {}
func (e *External) HandleDeleteConn(session.ID) {}

// HandleReleaseQueue flushes the held pre-backend queue for a session once
// the internal proxy's emulated client has connected, mirroring
// ExternalProxyInternalProtocol.packet_recv_release_queue. The drain and
// the released flip happen under the same lock handleClientFrame takes
// before enqueueing, so a frame racing this call either lands in the
// drained batch or is sent straight through afterward — never dropped.
func (e *External) HandleReleaseQueue(id session.ID) {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.releaseMu.Lock()
	drained := sess.client.Drain()
	sess.released = true
	sess.releaseMu.Unlock()

	for _, item := range drained {
		e.enqueueLink(link.PoemItem{Session: item.Session, Name: item.Name, Payload: item.Payload})
	}
}

// HandleToggleChunk never arrives on the external side — it is this
// side's own chunk module that emits toggle_chunk, to the internal side.
func (e *External) HandleToggleChunk(link.ToggleChunkPacket) {}

func writeFramed(conn net.Conn, name string, payload []byte) error {
	w := proto.NewWriter()
	w.WritePacket(mc.EncodeNamedPacket(name, payload))
	_, err := conn.Write(w.Bytes())
	return err
}
