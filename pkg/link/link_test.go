package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naphtha/eastwood/pkg/proto"
	"github.com/naphtha/eastwood/pkg/session"
)

func TestPoemItemEncodeDecode(t *testing.T) {
	sid := session.NewID()
	items := []PoemItem{
		{Session: sid, Name: "keep_alive", Payload: []byte{1, 2, 3}},
		{Session: session.NewID(), Name: "chat", Payload: []byte("hello")},
	}

	w := proto.NewWriter()
	for _, it := range items {
		EncodePoemItem(w, it)
	}
	data := w.Bytes()

	decoded := DecodePoem(data)
	require.Len(t, decoded, 2)
	assert.Equal(t, items[0].Session, decoded[0].Session)
	assert.Equal(t, items[0].Name, decoded[0].Name)
	assert.Equal(t, items[0].Payload, decoded[0].Payload)
	assert.Equal(t, items[1].Payload, decoded[1].Payload)
}

func TestDecodePoemStopsCleanlyOnTrailingPartialItem(t *testing.T) {
	sid := session.NewID()
	w := proto.NewWriter()
	EncodePoemItem(w, PoemItem{Session: sid, Name: "a", Payload: []byte{1}})
	full := w.Bytes()
	truncated := full[:len(full)-1]

	items := DecodePoem(truncated)
	assert.Len(t, items, 0)
}

func TestVerifyAuthRoundTrip(t *testing.T) {
	hash, salt, err := IteratedSaltedHash([]byte("hunter2"), nil, 1000)
	require.NoError(t, err)

	ok := VerifyAuth("hunter2", AuthPacket{Hash: hash, Salt: salt}, 1000)
	assert.True(t, ok)

	bad := VerifyAuth("wrong-password", AuthPacket{Hash: hash, Salt: salt}, 1000)
	assert.False(t, bad)
}

type recordingHandler struct {
	items chan PoemItem
}

func newRecordingHandler() *recordingHandler { return &recordingHandler{items: make(chan PoemItem, 16)} }

func (h *recordingHandler) HandlePoemItem(item PoemItem)            { h.items <- item }
func (h *recordingHandler) HandleAddConn(id session.ID)             {}
func (h *recordingHandler) HandleDeleteConn(id session.ID)          {}
func (h *recordingHandler) HandleReleaseQueue(id session.ID)        {}
func (h *recordingHandler) HandleToggleChunk(pkt ToggleChunkPacket) {}

func TestLinkAuthenticatesAndDeliversPoem(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	cfg := Config{
		Password:       "shared-password",
		Secret:         "shared-secret",
		BufferDuration: 10 * time.Millisecond,
		Workers:        2,
		AuthIterations: 1000,
	}

	serverHandler := newRecordingHandler()
	server := New(serverConn, cfg, RoleInternal, serverHandler)
	clientHandler := newRecordingHandler()
	client := New(clientConn, cfg, RoleExternal, clientHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx)
	go client.Serve(ctx)

	require.Eventually(t, func() bool { return client.Authed() && server.Authed() }, time.Second, 5*time.Millisecond)

	sid := session.NewID()
	client.Enqueue(PoemItem{Session: sid, Name: "chat", Payload: []byte("hi")})

	select {
	case item := <-serverHandler.items:
		assert.Equal(t, sid, item.Session)
		assert.Equal(t, "chat", item.Name)
		assert.Equal(t, []byte("hi"), item.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for poem item to arrive")
	}
}

func TestServeReturnsPromptlyOnContextCancellation(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	cfg := Config{
		Password:       "shared-password",
		Secret:         "shared-secret",
		BufferDuration: 10 * time.Millisecond,
		Workers:        2,
		AuthIterations: 1000,
	}

	server := New(serverConn, cfg, RoleInternal, newRecordingHandler())
	client := New(clientConn, cfg, RoleExternal, newRecordingHandler())

	ctx, cancel := context.WithCancel(context.Background())

	serverDone := make(chan error, 1)
	clientDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()
	go func() { clientDone <- client.Serve(ctx) }()

	require.Eventually(t, func() bool { return client.Authed() && server.Authed() }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-serverDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("server Serve did not return after context cancellation")
	}

	select {
	case err := <-clientDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("client Serve did not return after context cancellation")
	}
}
