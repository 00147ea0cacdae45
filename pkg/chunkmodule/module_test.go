package chunkmodule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/proto"
)

func newTestModule(t *testing.T, threshold int) (*Module, *[]chunkcache.Key) {
	t.Helper()
	store := chunkcache.NewMemStore(100)
	cache := chunkcache.New(store, time.Hour, 0)
	t.Cleanup(cache.Close)

	toggled := &[]chunkcache.Key{}
	m, err := New(cache, threshold, 10*time.Millisecond, func(dimension int32, key chunkcache.Key) {
		*toggled = append(*toggled, key)
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, toggled
}

func fullColumn(t *testing.T, fill uint16) []byte {
	t.Helper()
	col := proto.NewChunkColumn()
	col.PrimaryBitMask = 1
	col.Sections[0].Set(0, 0, 0, fill)
	data, err := col.Encode()
	require.NoError(t, err)
	return data
}

func TestNewRejectsThresholdBelowOne(t *testing.T) {
	store := chunkcache.NewMemStore(10)
	cache := chunkcache.New(store, time.Hour, 0)
	defer cache.Close()
	_, err := New(cache, 0, time.Millisecond, nil)
	assert.Error(t, err)
}

func TestHandleChunkDataCachesAfterThreshold(t *testing.T) {
	m, toggled := newTestModule(t, 2)
	col := fullColumn(t, 7)
	key := chunkcache.KeyFromChunk(1, 2)
	cd := mc.ChunkData{ChunkX: 1, ChunkZ: 2, FullChunk: true, Column: col}

	// threshold occurrences still just pass through; only the (threshold+1)th
	// crosses into caching.
	for i := 0; i < 2; i++ {
		r, err := m.HandleChunkData(5, cd)
		require.NoError(t, err)
		assert.False(t, r.Drop)
		assert.Empty(t, *toggled)
	}

	r3, err := m.HandleChunkData(5, cd)
	require.NoError(t, err)
	assert.False(t, r3.Drop)
	assert.Contains(t, *toggled, key)

	entry, ok, err := m.cache.Get(5, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, col, entry.Data)
}

func TestHandleChunkDataBelowThresholdPassesThroughUnchanged(t *testing.T) {
	m, _ := newTestModule(t, 3)
	col := fullColumn(t, 7)
	cd := mc.ChunkData{ChunkX: 1, ChunkZ: 1, FullChunk: true, Column: col}
	res, err := m.HandleChunkData(0, cd)
	require.NoError(t, err)
	assert.False(t, res.Drop)
	assert.Equal(t, mc.EncodeChunkData(cd), res.Forward)
}

func TestHandleChunkDataEmptyMarkerReplaysCachedCopy(t *testing.T) {
	m, _ := newTestModule(t, 1)
	col := fullColumn(t, 9)
	cd := mc.ChunkData{ChunkX: 4, ChunkZ: -2, FullChunk: true, Column: col}
	// threshold=1: the 2nd occurrence is what actually caches it.
	_, err := m.HandleChunkData(0, cd)
	require.NoError(t, err)
	res, err := m.HandleChunkData(0, cd)
	require.NoError(t, err)
	assert.False(t, res.Drop)

	marker := mc.ChunkData{ChunkX: 4, ChunkZ: -2, FullChunk: true}
	res2, err := m.HandleChunkData(0, marker)
	require.NoError(t, err)
	require.False(t, res2.Drop)
	got, err := mc.DecodeChunkData(res2.Forward)
	require.NoError(t, err)
	assert.Equal(t, col, got.Column)
}

func TestHandleChunkDataEmptyMarkerOnCacheMissRetires(t *testing.T) {
	m, toggled := newTestModule(t, 1)
	marker := mc.ChunkData{ChunkX: 4, ChunkZ: -2, FullChunk: true}
	res, err := m.HandleChunkData(0, marker)
	require.NoError(t, err)
	assert.True(t, res.Drop)
	assert.Contains(t, *toggled, chunkcache.KeyFromChunk(4, -2))
}

func TestSeedMarksCachedAndEmitsToggle(t *testing.T) {
	store := chunkcache.NewMemStore(10)
	cache := chunkcache.New(store, time.Hour, 0)
	defer cache.Close()

	key := chunkcache.KeyFromChunk(3, -3)
	require.NoError(t, cache.Put(3, chunkcache.Entry{Key: key, Data: []byte{1}, AccessedAt: time.Now().Unix()}))

	toggled := []chunkcache.Key{}
	m, err := New(cache, 1, time.Millisecond, func(dimension int32, k chunkcache.Key) {
		toggled = append(toggled, k)
	})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Seed([]int32{3}))
	assert.Contains(t, toggled, key)
}

func cacheFullChunk(t *testing.T, m *Module, dimension int32, cx, cz int32, col []byte) {
	t.Helper()
	cd := mc.ChunkData{ChunkX: cx, ChunkZ: cz, FullChunk: true, Column: col}
	_, err := m.HandleChunkData(dimension, cd)
	require.NoError(t, err)
	res, err := m.HandleChunkData(dimension, cd)
	require.NoError(t, err)
	require.False(t, res.Drop)
}

func TestApplyBlockChangeMutatesCachedColumn(t *testing.T) {
	m, _ := newTestModule(t, 1)
	col := fullColumn(t, 7)
	cacheFullChunk(t, m, 1, 0, 0, col)

	err := m.ApplyBlockChange(1, []byte("change-a"), mc.BlockChange{X: 2, Y: 3, Z: 4, BlockID: 99})
	require.NoError(t, err)

	key := chunkcache.KeyFromChunk(0, 0)
	entry, ok, err := m.cache.Get(1, key)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := proto.DecodeColumn(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(99), got.Sections[0].Get(2, 3, 4))
}

func TestApplyBlockChangeNoopWhenChunkNotCached(t *testing.T) {
	m, _ := newTestModule(t, 5)
	err := m.ApplyBlockChange(1, []byte("change-a"), mc.BlockChange{X: 1, Y: 1, Z: 1, BlockID: 1})
	assert.NoError(t, err)
}

func TestApplyBlockChangeDedupsIdenticalPayload(t *testing.T) {
	m, _ := newTestModule(t, 1)
	col := fullColumn(t, 7)
	cacheFullChunk(t, m, 2, 0, 0, col)

	payload := []byte("same-change")
	require.NoError(t, m.ApplyBlockChange(2, payload, mc.BlockChange{X: 1, Y: 1, Z: 1, BlockID: 5}))
	// second identical payload is suppressed; applying a different block
	// id under the same bytes should not happen in practice, but the
	// suppression itself must not error.
	require.NoError(t, m.ApplyBlockChange(2, payload, mc.BlockChange{X: 1, Y: 1, Z: 1, BlockID: 6}))

	key := chunkcache.KeyFromChunk(0, 0)
	entry, ok, err := m.cache.Get(2, key)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := proto.DecodeColumn(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), got.Sections[0].Get(1, 1, 1), "second call's payload was a dup and should not have re-applied")
}

func TestApplyExplosionClearsAffectedBlocks(t *testing.T) {
	m, _ := newTestModule(t, 1)
	col := proto.NewChunkColumn()
	col.PrimaryBitMask = 1
	col.Sections[0].Set(5, 5, 5, 42)
	data, err := col.Encode()
	require.NoError(t, err)
	cacheFullChunk(t, m, 3, 0, 0, data)

	ex := mc.Explosion{X: 0, Y: 0, Z: 0, Records: []mc.ExplosionRecord{{DX: 5, DY: 5, DZ: 5}}}
	require.NoError(t, m.ApplyExplosion(3, []byte("explosion-a"), ex))

	key := chunkcache.KeyFromChunk(0, 0)
	entry, ok, err := m.cache.Get(3, key)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := proto.DecodeColumn(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), got.Sections[0].Get(5, 5, 5))
}

func TestApplyUpdateBlockEntityUpsertsAndDeletes(t *testing.T) {
	m, _ := newTestModule(t, 1)
	col := fullColumn(t, 1)
	cacheFullChunk(t, m, 9, 0, 0, col)
	key := chunkcache.KeyFromChunk(0, 0)

	upsert := mc.UpdateBlockEntity{X: 1, Y: 2, Z: 3, Action: 1, NBT: []byte{0xAA}}
	require.NoError(t, m.ApplyUpdateBlockEntity(9, []byte("upsert"), upsert))

	entry, ok, err := m.cache.Get(9, key)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := proto.DecodeColumn(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, got.TileEntities[proto.Position{X: 1, Y: 2, Z: 3}])

	clear := mc.UpdateBlockEntity{X: 1, Y: 2, Z: 3, Action: 1, NBT: nil}
	require.NoError(t, m.ApplyUpdateBlockEntity(9, []byte("clear"), clear))

	entry2, ok, err := m.cache.Get(9, key)
	require.NoError(t, err)
	require.True(t, ok)
	got2, err := proto.DecodeColumn(entry2.Data)
	require.NoError(t, err)
	_, present := got2.TileEntities[proto.Position{X: 1, Y: 2, Z: 3}]
	assert.False(t, present)
}

func TestSuppressorTogglesAndTruncatesFullChunk(t *testing.T) {
	s := NewSuppressor()
	col := fullColumn(t, 7)
	cd := mc.ChunkData{ChunkX: 2, ChunkZ: 2, FullChunk: true, Column: col}

	assert.Equal(t, cd, s.Filter(0, cd), "not yet suppressed: unchanged")

	s.Toggle(0, chunkcache.KeyFromChunk(2, 2))
	filtered := s.Filter(0, cd)
	assert.Empty(t, filtered.Column)
	assert.True(t, filtered.FullChunk)

	s.Toggle(0, chunkcache.KeyFromChunk(2, 2))
	assert.Equal(t, cd, s.Filter(0, cd), "toggled back off: unchanged again")
}

func TestSuppressorLeavesNonFullChunkDataUntouched(t *testing.T) {
	s := NewSuppressor()
	s.Toggle(0, chunkcache.KeyFromChunk(1, 1))
	cd := mc.ChunkData{ChunkX: 1, ChunkZ: 1, FullChunk: false, Column: []byte{1, 2, 3}}
	assert.Equal(t, cd, s.Filter(0, cd))
}
