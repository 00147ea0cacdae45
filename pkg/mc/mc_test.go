package mc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naphtha/eastwood/pkg/session"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{ProtocolVersion: 763, ServerAddress: "play.example.com", ServerPort: 25565, NextState: 2}
	data := EncodeHandshake(h)
	got, err := DecodeHandshake(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHandleHandshakeCapturesModeAndNeverRewrites(t *testing.T) {
	a := NewAdapter(false)
	sess := session.NewClient(session.NewID())
	payload := EncodeHandshake(Handshake{ProtocolVersion: 763, ServerAddress: "a.example", ServerPort: 25500, NextState: 1})

	out, err := a.HandleHandshake(sess, payload)
	require.NoError(t, err)
	assert.Equal(t, session.ModeStatus, sess.Mode)
	assert.Equal(t, payload, out, "HandleHandshake only captures mode, never rewrites the address")
}

func TestRewriteHandshakeReplacesAddressWhenForwardingDisabled(t *testing.T) {
	a := NewAdapter(false)
	payload := EncodeHandshake(Handshake{ProtocolVersion: 763, ServerAddress: "a.example", ServerPort: 25500, NextState: 2})

	out, err := a.RewriteHandshake("10.0.0.5:25565", payload)
	require.NoError(t, err)

	got, err := DecodeHandshake(out)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.ServerAddress)
	assert.Equal(t, uint16(25565), got.ServerPort)
}

func TestRewriteHandshakePreservesAddressWhenForwardingEnabled(t *testing.T) {
	a := NewAdapter(true)
	payload := EncodeHandshake(Handshake{ProtocolVersion: 763, ServerAddress: "a.example", ServerPort: 25500, NextState: 2})

	out, err := a.RewriteHandshake("10.0.0.5:25565", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out, "ip_forwarding enabled means the original fields pass through untouched")
}

func TestHandleLoginSuccessSendsBeforeSwitchingMode(t *testing.T) {
	a := NewAdapter(false)
	sess := session.NewClient(session.NewID())
	sess.Mode = session.ModeLogin

	var modeDuringSend session.Mode
	err := a.HandleLoginSuccess(sess, func() error {
		modeDuringSend = sess.Mode
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, session.ModeLogin, modeDuringSend, "send must observe the pre-switch mode")
	assert.Equal(t, session.ModePlay, sess.Mode)
}

func TestHandleLoginSuccessLeavesModeUnchangedOnSendFailure(t *testing.T) {
	a := NewAdapter(false)
	sess := session.NewClient(session.NewID())
	sess.Mode = session.ModeLogin

	err := a.HandleLoginSuccess(sess, func() error { return errors.New("write failed") })
	assert.Error(t, err)
	assert.Equal(t, session.ModeLogin, sess.Mode)
}

func TestBlockChangeRoundTrip(t *testing.T) {
	b := BlockChange{X: 10, Y: 64, Z: -5, BlockID: 42}
	data := EncodeBlockChange(b)
	got, err := DecodeBlockChange(data)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestMultiBlockChangeRoundTrip(t *testing.T) {
	m := MultiBlockChange{
		ChunkX: 1, ChunkZ: -1, ChunkY: 4,
		Changes: []BlockChangeRecord{{X: 1, Y: 2, Z: 3, BlockID: 7}, {X: 4, Y: 5, Z: 6, BlockID: 8}},
	}
	data := EncodeMultiBlockChange(m)
	got, err := DecodeMultiBlockChange(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestChunkDataRoundTrip(t *testing.T) {
	c := ChunkData{ChunkX: 3, ChunkZ: -3, FullChunk: true, Column: []byte{1, 2, 3, 4}}
	data := EncodeChunkData(c)
	got, err := DecodeChunkData(data)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
