package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/config"
	"github.com/naphtha/eastwood/pkg/link"
	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Global: config.Global{
			Type:     config.TypeBoth,
			Password: "hunter2",
			Secret:   "s3cr3t",
			BufferMS: 25,
		},
		Internal: config.Internal{Bind: "127.0.0.1:41429", Minecraft: "127.0.0.1:25565"},
		External: config.External{Bind: "127.0.0.1:37721", Internal: "127.0.0.1:41429", PlayerLimit: 10},
		ChunkCaching: config.ChunkCaching{
			Enabled:   true,
			Threshold: 3,
			Path:      ":memory:",
		},
	}
}

func TestLinkConfigDefaultsWorkersAndAuthIterations(t *testing.T) {
	cfg := testConfig()
	lc := linkConfig(cfg)
	assert.Equal(t, cfg.Global.Password, lc.Password)
	assert.Equal(t, cfg.Global.Secret, lc.Secret)
	assert.Greater(t, lc.Workers, 0)
	assert.Equal(t, defaultAuthIterations, lc.AuthIterations)
}

func TestBuildCacheUsesMemStoreForMemoryPath(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkCaching.Path = ":memory:"
	cache, err := buildCache(cfg)
	require.NoError(t, err)
	defer cache.Close()
}

func TestBuildCacheUsesMemStoreForEmptyPath(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkCaching.Path = ""
	cache, err := buildCache(cfg)
	require.NoError(t, err)
	defer cache.Close()
}

func TestNewExternalBuildsChunkModuleWhenCachingEnabled(t *testing.T) {
	cfg := testConfig()
	e, err := NewExternal(cfg)
	require.NoError(t, err)
	assert.NotNil(t, e.chunks)
}

func TestNewExternalSkipsChunkModuleWhenCachingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkCaching.Enabled = false
	e, err := NewExternal(cfg)
	require.NoError(t, err)
	assert.Nil(t, e.chunks)
}

func TestNewExternalClampsThresholdBelowOne(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkCaching.Threshold = 0
	e, err := NewExternal(cfg)
	require.NoError(t, err)
	assert.NotNil(t, e.chunks)
}

func TestSendToggleChunkNoopsWithoutLiveLink(t *testing.T) {
	cfg := testConfig()
	e, err := NewExternal(cfg)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		e.sendToggleChunk(0, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	})
}

func TestNewInternalBuildsSuppressorAndPinger(t *testing.T) {
	cfg := testConfig()
	in, err := NewInternal(cfg)
	require.NoError(t, err)
	assert.NotNil(t, in.suppressor)
	assert.NotNil(t, in.pinger)
}

func TestInternalHandlePoemItemIgnoresUnknownSession(t *testing.T) {
	cfg := testConfig()
	in, err := NewInternal(cfg)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		in.HandlePoemItem(link.PoemItem{Session: session.NewID(), Name: "keep_alive", Payload: []byte{1}})
	})
}

func TestInternalHandleToggleChunkFlipsSuppressorMembership(t *testing.T) {
	cfg := testConfig()
	in, err := NewInternal(cfg)
	require.NoError(t, err)

	cd := mc.ChunkData{ChunkX: 1, ChunkZ: 1, FullChunk: true, Column: []byte{9, 9, 9}}
	pkt := link.ToggleChunkPacket{Dimension: 0, Key: chunkcache.KeyFromChunk(cd.ChunkX, cd.ChunkZ)}

	in.HandleToggleChunk(pkt)
	filtered := in.suppressor.Filter(pkt.Dimension, cd)
	assert.Empty(t, filtered.Column, "toggled on: full chunk_data should be truncated")

	in.HandleToggleChunk(pkt)
	filtered2 := in.suppressor.Filter(pkt.Dimension, cd)
	assert.Equal(t, cd, filtered2, "toggled back off: unchanged")
}
