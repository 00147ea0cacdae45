// Package chunkmodule implements the chunk-cache module, mounted on
// the clientbound path of each external-side ClientSession. It watches
// full chunk_data sends; once a given chunk coordinate has been observed
// more than `threshold` times, the chunk is cached and the peer (the internal side)
// is told via toggle_chunk to stop shipping the full payload and instead
// send an empty "please replay the cached copy" marker. Delta packets
// (block_change, multi_block_change, explosion, update_block_entity) are
// applied in place to whichever cached chunk they touch. Grounded on
// eastwood/modules/chunk_cacher.py: ChunkKey is the chunk (x, z)
// coordinate, not a content hash, tracked per-dimension with one threshold
// shared by every dimension. Module.Seed re-seeds trackers from the chunk
// cache; pkg/proxy does not call it, so an external process starts with
// empty trackers.
package chunkmodule

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/mc"
	"github.com/naphtha/eastwood/pkg/proto"
)

type trackerEntry struct {
	count  int
	cached bool
}

// ToggleFunc is called whenever (dimension, key) crosses the caching
// threshold, is retired on a cache miss, or a seeded entry is restored at
// startup — in every case the caller must emit a link.ToggleChunkPacket to
// the peer.
type ToggleFunc func(dimension int32, key chunkcache.Key)

// Module is the external side's chunk-cache module state. pkg/proxy builds
// one Module per External process and mounts it in the pipeline every
// session shares, so the tracker and recent-hash set are shared across all
// sessions, like the cache (*chunkcache.Cache) itself.
type Module struct {
	cache     *chunkcache.Cache
	threshold int
	onToggle  ToggleFunc

	mu       sync.Mutex
	tracker  map[int32]map[chunkcache.Key]*trackerEntry
	recent   map[int32]map[chunkcache.Key]time.Time
	dedupTTL time.Duration

	stopDedup chan struct{}
}

// New builds a Module. threshold must be >= 1; occurrences of a chunk
// coordinate are counted separately in each dimension.
// bufferDuration is the link's flush interval; recent-hash dedup entries
// for delta packets are cleared every 2x that interval.
func New(cache *chunkcache.Cache, threshold int, bufferDuration time.Duration, onToggle ToggleFunc) (*Module, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("chunkmodule: threshold must be >= 1, got %d", threshold)
	}
	m := &Module{
		cache:     cache,
		threshold: threshold,
		onToggle:  onToggle,
		tracker:   map[int32]map[chunkcache.Key]*trackerEntry{},
		recent:    map[int32]map[chunkcache.Key]time.Time{},
		dedupTTL:  2 * bufferDuration,
		stopDedup: make(chan struct{}),
	}
	if m.dedupTTL <= 0 {
		m.dedupTTL = 100 * time.Millisecond
	}
	go m.dedupLoop()
	return m, nil
}

func (m *Module) dedupLoop() {
	ticker := time.NewTicker(m.dedupTTL)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopDedup:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for dim, hashes := range m.recent {
				for k, seenAt := range hashes {
					if now.Sub(seenAt) >= m.dedupTTL {
						delete(hashes, k)
					}
				}
				if len(hashes) == 0 {
					delete(m.recent, dim)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Module) Close() { close(m.stopDedup) }

func (m *Module) trackerFor(dimension int32) map[chunkcache.Key]*trackerEntry {
	t, ok := m.tracker[dimension]
	if !ok {
		t = map[chunkcache.Key]*trackerEntry{}
		m.tracker[dimension] = t
	}
	return t
}

func (m *Module) recentFor(dimension int32) map[chunkcache.Key]time.Time {
	h, ok := m.recent[dimension]
	if !ok {
		h = map[chunkcache.Key]time.Time{}
		m.recent[dimension] = h
	}
	return h
}

// Seed re-seeds trackers for every key already present in dimension's
// on-disk cache, starting each at threshold+1 cached and firing onToggle
// immediately, so a freshly (re)started external process doesn't have the
// internal side reship chunks it already holds cached from a prior run.
func (m *Module) Seed(dimensions []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dim := range dimensions {
		keys, err := m.cache.Keys(dim)
		if err != nil {
			return fmt.Errorf("chunkmodule: seed dimension %d: %w", dim, err)
		}
		tracker := m.trackerFor(dim)
		for _, key := range keys {
			tracker[key] = &trackerEntry{count: m.threshold + 1, cached: true}
			if m.onToggle != nil {
				m.onToggle(dim, key)
			}
		}
	}
	return nil
}

// ChunkResult is what HandleChunkData decides to do with one chunk_data
// packet arriving on the clientbound path.
type ChunkResult struct {
	// Drop is true when nothing should be forwarded to the client (a
	// retirement with no cached data to fall back on, or a delta applied
	// silently to the cache with nothing further to send).
	Drop bool
	// Forward is the bytes to actually send onward when Drop is false:
	// the original packet, or a synthesised one carrying cached data.
	Forward []byte
}

func hashDelta(payload []byte) chunkcache.Key {
	sum := sha256.Sum256(payload)
	return chunkcache.KeyFromHash(sum[:])
}

// HandleChunkData processes one chunk_data packet: full chunks feed the
// occurrence tracker and cache; non-full (delta) chunks are applied to the
// cached column when the chunk is cached, and are dropped either way.
func (m *Module) HandleChunkData(dimension int32, cd mc.ChunkData) (ChunkResult, error) {
	key := chunkcache.KeyFromChunk(cd.ChunkX, cd.ChunkZ)

	if !cd.FullChunk {
		return m.handleChunkDelta(dimension, key, cd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tracker := m.trackerFor(dimension)
	entry, ok := tracker[key]
	if !ok {
		entry = &trackerEntry{}
		tracker[key] = entry
	}

	if len(cd.Column) == 0 {
		// "send me the cached one" marker from the peer.
		cached, found, err := m.cache.Get(dimension, key)
		if err != nil {
			return ChunkResult{}, fmt.Errorf("chunkmodule: load cached chunk: %w", err)
		}
		if !found {
			delete(tracker, key)
			if m.onToggle != nil {
				m.onToggle(dimension, key)
			}
			return ChunkResult{Drop: true}, nil
		}
		out := mc.ChunkData{ChunkX: cd.ChunkX, ChunkZ: cd.ChunkZ, FullChunk: true, Column: cached.Data}
		return ChunkResult{Forward: mc.EncodeChunkData(out)}, nil
	}

	if entry.count < m.threshold {
		entry.count++
		return ChunkResult{Forward: mc.EncodeChunkData(cd)}, nil
	}

	justCached := !entry.cached
	entry.cached = true
	entry.count++
	if err := m.cache.Put(dimension, chunkcache.Entry{Key: key, Data: cd.Column, AccessedAt: time.Now().Unix()}); err != nil {
		return ChunkResult{}, fmt.Errorf("chunkmodule: cache chunk: %w", err)
	}
	if justCached && m.onToggle != nil {
		m.onToggle(dimension, key)
	}
	return ChunkResult{Forward: mc.EncodeChunkData(cd)}, nil
}

// handleChunkDelta applies a non-full chunk_data (a partial-section
// update) to whichever cached column it targets, overlaying any non-empty
// incoming sections and upserting the accompanying tile-entity list.
func (m *Module) handleChunkDelta(dimension int32, key chunkcache.Key, cd mc.ChunkData) (ChunkResult, error) {
	h := hashDelta(mc.EncodeChunkData(cd))
	m.mu.Lock()
	if _, dup := m.recentFor(dimension)[h]; dup {
		m.mu.Unlock()
		return ChunkResult{Drop: true}, nil
	}
	m.recentFor(dimension)[h] = time.Now()
	entry, ok := m.trackerFor(dimension)[key]
	m.mu.Unlock()

	if !ok || entry.count <= m.threshold {
		return ChunkResult{Drop: true}, nil
	}

	delta, err := proto.DecodeColumn(cd.Column)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("chunkmodule: decode chunk delta: %w", err)
	}

	err = m.mutateCachedColumn(dimension, key, func(col *proto.ChunkColumn) {
		for i := 0; i < proto.SectionsPerColumn; i++ {
			if delta.HasSection(i) && !delta.Sections[i].IsEmpty() {
				col.Sections[i] = delta.Sections[i]
				col.PrimaryBitMask |= 1 << uint(i)
			}
		}
		for pos, data := range delta.TileEntities {
			if len(data) == 0 {
				delete(col.TileEntities, pos)
			} else {
				col.TileEntities[pos] = data
			}
		}
	})
	if err != nil {
		return ChunkResult{}, err
	}
	return ChunkResult{Drop: true}, nil
}

// mutateCachedColumn loads, mutates, and stores back the cached column for
// (dimension, key), matching chunk_cacher.py's get_chunk_sections /
// set_chunk_sections read-mutate-write cycle. A cache miss here means the
// chunk was retired or evicted out from under a still-cached tracker
// entry; this emits a retirement toggle and drops the tracker entry rather
// than failing.
func (m *Module) mutateCachedColumn(dimension int32, key chunkcache.Key, mutate func(*proto.ChunkColumn)) error {
	entry, ok, err := m.cache.Get(dimension, key)
	if err != nil {
		return err
	}
	if !ok {
		m.mu.Lock()
		delete(m.trackerFor(dimension), key)
		m.mu.Unlock()
		if m.onToggle != nil {
			m.onToggle(dimension, key)
		}
		return nil
	}
	column, err := proto.DecodeColumn(entry.Data)
	if err != nil {
		return fmt.Errorf("chunkmodule: decode cached column: %w", err)
	}
	mutate(column)
	data, err := column.Encode()
	if err != nil {
		return fmt.Errorf("chunkmodule: encode cached column: %w", err)
	}
	return m.cache.Put(dimension, chunkcache.Entry{Key: key, Data: data, AccessedAt: time.Now().Unix()})
}

func (m *Module) isCached(dimension int32, key chunkcache.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tracker[dimension][key]
	return ok && entry.count > m.threshold
}

func (m *Module) dedupDelta(dimension int32, payload []byte) bool {
	key := hashDelta(payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := m.recentFor(dimension)
	if _, dup := hashes[key]; dup {
		return true
	}
	hashes[key] = time.Now()
	return false
}

// ApplyBlockChange mutates a single block within whichever cached chunk
// covers (x, z), once that chunk has crossed the caching threshold.
func (m *Module) ApplyBlockChange(dimension int32, payload []byte, bc mc.BlockChange) error {
	if m.dedupDelta(dimension, payload) {
		return nil
	}
	cx, bx := proto.FloorDivMod(bc.X, 16)
	cy, by := proto.FloorDivMod(bc.Y, 16)
	cz, bz := proto.FloorDivMod(bc.Z, 16)
	key := chunkcache.KeyFromChunk(int32(cx), int32(cz))
	if !m.isCached(dimension, key) {
		return nil
	}
	if cy < 0 || cy >= proto.SectionsPerColumn {
		return nil
	}
	return m.mutateCachedColumn(dimension, key, func(col *proto.ChunkColumn) {
		col.Sections[cy].Set(bx, by, bz, uint16(bc.BlockID))
	})
}

// ApplyMultiBlockChange applies every record in one multi_block_change
// packet to its cached chunk, once cached.
func (m *Module) ApplyMultiBlockChange(dimension int32, payload []byte, mb mc.MultiBlockChange) error {
	if m.dedupDelta(dimension, payload) {
		return nil
	}
	key := chunkcache.KeyFromChunk(mb.ChunkX, mb.ChunkZ)
	if !m.isCached(dimension, key) {
		return nil
	}
	return m.mutateCachedColumn(dimension, key, func(col *proto.ChunkColumn) {
		for _, c := range mb.Changes {
			cy, by := proto.FloorDivMod(c.Y, 16)
			_, bx := proto.FloorDivMod(c.X, 16)
			_, bz := proto.FloorDivMod(c.Z, 16)
			if cy < 0 || cy >= proto.SectionsPerColumn {
				continue
			}
			col.Sections[cy].Set(bx, by, bz, uint16(c.BlockID))
		}
	})
}

// ApplyExplosion clears every block an explosion destroyed (relative
// offsets from its origin) to air (block id 0) within its cached chunk(s).
// The duplicate-suppression hash is computed over payload with the
// trailing 12 bytes of player motion excluded, since the server resends
// that motion with jitter on every retry.
func (m *Module) ApplyExplosion(dimension int32, payload []byte, ex mc.Explosion) error {
	hashable := payload
	if len(hashable) > 12 {
		hashable = hashable[:len(hashable)-12]
	}
	if m.dedupDelta(dimension, hashable) {
		return nil
	}

	ox, oy, oz := int(ex.X), int(ex.Y), int(ex.Z)
	byKey := map[chunkcache.Key][]mc.ExplosionRecord{}
	for _, rec := range ex.Records {
		cx, _ := proto.FloorDivMod(ox+int(rec.DX), 16)
		cz, _ := proto.FloorDivMod(oz+int(rec.DZ), 16)
		key := chunkcache.KeyFromChunk(int32(cx), int32(cz))
		byKey[key] = append(byKey[key], rec)
	}
	for key, recs := range byKey {
		if !m.isCached(dimension, key) {
			continue
		}
		recsCopy := recs
		err := m.mutateCachedColumn(dimension, key, func(col *proto.ChunkColumn) {
			for _, rec := range recsCopy {
				cy, by := proto.FloorDivMod(oy+int(rec.DY), 16)
				_, bx := proto.FloorDivMod(ox+int(rec.DX), 16)
				_, bz := proto.FloorDivMod(oz+int(rec.DZ), 16)
				if cy < 0 || cy >= proto.SectionsPerColumn {
					continue
				}
				col.Sections[cy].Set(bx, by, bz, 0)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ApplyUpdateBlockEntity upserts (or, for an empty NBT payload, deletes)
// one tile entity's cached compound.
func (m *Module) ApplyUpdateBlockEntity(dimension int32, payload []byte, u mc.UpdateBlockEntity) error {
	if m.dedupDelta(dimension, payload) {
		return nil
	}
	cx, _ := proto.FloorDivMod(u.X, 16)
	cz, _ := proto.FloorDivMod(u.Z, 16)
	key := chunkcache.KeyFromChunk(int32(cx), int32(cz))
	if !m.isCached(dimension, key) {
		return nil
	}
	return m.mutateCachedColumn(dimension, key, func(col *proto.ChunkColumn) {
		pos := proto.Position{X: u.X, Y: u.Y, Z: u.Z}
		if len(u.NBT) == 0 {
			delete(col.TileEntities, pos)
			return
		}
		col.TileEntities[pos] = u.NBT
	})
}
