package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/chunkmodule"
	"github.com/naphtha/eastwood/pkg/config"
	"github.com/naphtha/eastwood/pkg/link"
	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/pinger"
	"github.com/naphtha/eastwood/pkg/pipeline"
	"github.com/naphtha/eastwood/pkg/proto"
	"github.com/naphtha/eastwood/pkg/session"
)

const (
	pingInterval = 500 * time.Millisecond
	pingBurst    = 1
	pingTimeout  = 3 * time.Second
	dialTimeout  = 5 * time.Second
)

// Internal holds emulated clients against the real Minecraft server on
// behalf of whichever sessions the external proxy has admitted. Grounded
// on internal_proxy/internal.py and internal_proxy/external.py's
// InternalProxyMCClientFactory/Protocol pair.
type Internal struct {
	cfg        *config.Config
	adapter    *mc.Adapter
	chain      *pipeline.Pipeline
	suppressor *chunkmodule.Suppressor
	pinger     *pinger.Pinger
	log        *zap.Logger

	linkMu sync.Mutex
	link   *link.Link

	mu       sync.Mutex
	sessions map[session.ID]*intSession
}

// intSession is one session reserved on the internal side: its protocol
// state, and the backend connection once the ping-gated dial succeeds.
// conn is nil between reservation and a successful dial.
type intSession struct {
	client *session.Client

	connMu sync.Mutex
	conn   net.Conn
}

func NewInternal(cfg *config.Config) (*Internal, error) {
	adapter := mc.NewAdapter(cfg.Global.IPForwarding)
	i := &Internal{
		cfg:        cfg,
		adapter:    adapter,
		suppressor: chunkmodule.NewSuppressor(),
		pinger:     pinger.New(cfg.Internal.Minecraft, pingInterval, pingBurst, pingTimeout),
		sessions:   map[session.ID]*intSession{},
		log:        logger("internal"),
	}
	i.chain = pipeline.New(adapter.PipelineModule())
	return i, nil
}

var _ link.Handler = (*Internal)(nil)

// Run listens for the external proxy's single link connection and serves
// it until ctx is cancelled, reconnecting on each new dial the way
// DialWithBackoff's peer expects.
func (i *Internal) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", i.cfg.Internal.Bind)
	if err != nil {
		return fmt.Errorf("proxy: internal listen %s: %w", i.cfg.Internal.Bind, err)
	}
	defer listener.Close()
	i.log.Info("listening for link", zap.String("addr", i.cfg.Internal.Bind))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		go i.serveLink(ctx, conn)
	}
}

func (i *Internal) serveLink(ctx context.Context, conn net.Conn) {
	i.linkMu.Lock()
	if i.link != nil {
		i.linkMu.Unlock()
		i.log.Warn("link already established, dropping second connection", zap.String("addr", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	l := link.New(conn, linkConfig(i.cfg), link.RoleInternal, i)
	i.link = l
	i.linkMu.Unlock()

	if err := l.Serve(ctx); err != nil {
		i.log.Warn("link disconnected", zap.Error(err))
	}

	i.linkMu.Lock()
	if i.link == l {
		i.link = nil
	}
	i.linkMu.Unlock()
}

func (i *Internal) currentLink() *link.Link {
	i.linkMu.Lock()
	defer i.linkMu.Unlock()
	return i.link
}

func (i *Internal) enqueueLink(item link.PoemItem) {
	if l := i.currentLink(); l != nil {
		l.Enqueue(item)
	}
}

// HandleAddConn reserves a session slot and, once the backend server
// answers a status ping, dials it and starts relaying its packets back to
// the external side, mirroring packet_recv_add_conn's
// other_factory.add_connection -> ping -> connectTCP chain.
func (i *Internal) HandleAddConn(id session.ID) {
	sess := &intSession{client: session.NewClient(id)}
	i.mu.Lock()
	i.sessions[id] = sess
	i.mu.Unlock()

	go i.dialBackend(id, sess)
}

func (i *Internal) dialBackend(id session.ID, sess *intSession) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	for {
		ok, err := i.pinger.Ping(ctx)
		if err != nil {
			i.log.Warn("backend ping failed, dropping reservation", zap.Stringer("session", id), zap.Error(err))
			i.removeSession(id)
			return
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			i.log.Warn("backend never answered ping, dropping reservation", zap.Stringer("session", id))
			i.removeSession(id)
			return
		default:
		}
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", i.cfg.Internal.Minecraft)
	if err != nil {
		i.log.Warn("backend dial failed, dropping reservation", zap.Stringer("session", id), zap.Error(err))
		i.removeSession(id)
		return
	}

	sess.connMu.Lock()
	sess.conn = conn
	sess.connMu.Unlock()

	go i.readBackend(id, sess, conn)

	if l := i.currentLink(); l != nil {
		if err := l.SendControl(link.PacketReleaseQueue, link.EncodeSessionPacket(id)); err != nil {
			i.log.Warn("send release_queue failed", zap.Error(err))
		}
	}
}

func (i *Internal) removeSession(id session.ID) {
	i.mu.Lock()
	delete(i.sessions, id)
	i.mu.Unlock()
}

// HandleDeleteConn closes and forgets a session's backend connection, sent
// by the external side when its client disconnects.
func (i *Internal) HandleDeleteConn(id session.ID) {
	i.mu.Lock()
	sess, ok := i.sessions[id]
	delete(i.sessions, id)
	i.mu.Unlock()
	if !ok {
		return
	}
	sess.connMu.Lock()
	if sess.conn != nil {
		sess.conn.Close()
	}
	sess.connMu.Unlock()
}

// HandlePoemItem writes one client->server packet onto the matching
// session's backend connection.
func (i *Internal) HandlePoemItem(item link.PoemItem) {
	i.mu.Lock()
	sess, ok := i.sessions[item.Session]
	i.mu.Unlock()
	if !ok {
		return
	}

	sess.connMu.Lock()
	conn := sess.conn
	sess.connMu.Unlock()
	if conn == nil {
		return
	}

	// The external side already captured this session's mode from the
	// handshake before this item was ever enqueued onto the link; the
	// host/port rewrite itself belongs here, since this side is the one
	// that knows the real backend address.
	payload := item.Payload
	if item.Name == mc.NameHandshake {
		rewritten, err := i.adapter.RewriteHandshake(i.cfg.Internal.Minecraft, payload)
		if err != nil {
			i.log.Debug("rewrite handshake failed", zap.Stringer("session", item.Session), zap.Error(err))
			return
		}
		payload = rewritten
	}

	if err := writeFramed(conn, item.Name, payload); err != nil {
		i.log.Debug("write to backend failed", zap.Stringer("session", item.Session), zap.Error(err))
	}
}

// HandleReleaseQueue never arrives on the internal side — it is this side
// that sends it, once a dialed backend connection is ready.
func (i *Internal) HandleReleaseQueue(session.ID) {}

// HandleToggleChunk flips local suppression membership for the
// (dimension, key) the external side's chunk module reports as cached.
func (i *Internal) HandleToggleChunk(pkt link.ToggleChunkPacket) {
	i.suppressor.Toggle(pkt.Dimension, chunkcache.Key(pkt.Key))
}

// readBackend relays one session's server->client packets from its real
// backend connection back to the external side: dimension tracking via
// the shared mc adapter pipeline, then chunk_data suppression, then
// enqueueing onto the link.
func (i *Internal) readBackend(id session.ID, sess *intSession, conn net.Conn) {
	defer func() {
		conn.Close()
		i.removeSession(id)
	}()

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
				if derr := i.handleBackendFrame(id, sess, frame); derr != nil {
					i.log.Debug("backend frame error, closing", zap.Stringer("session", id), zap.Error(derr))
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (i *Internal) handleBackendFrame(id session.ID, sess *intSession, frame []byte) error {
	name, payload, err := mc.DecodeNamedPacket(frame)
	if err != nil {
		return err
	}

	item := session.Item{Session: id, Direction: session.Downstream, Name: name, Payload: payload}
	result := i.chain.Dispatch(sess.client, item)
	if result.Action == pipeline.Drop {
		return nil
	}
	name, payload = result.Name, result.Payload

	if name == mc.NameChunkData {
		cd, err := mc.DecodeChunkData(payload)
		if err != nil {
			zap.L().Warn("proxy: decode chunk_data from backend", zap.Error(err))
		} else {
			filtered := i.suppressor.Filter(sess.client.Dimension, cd)
			payload = mc.EncodeChunkData(filtered)
		}
	}

	i.enqueueLink(link.PoemItem{Session: id, Name: name, Payload: payload})
	return nil
}
