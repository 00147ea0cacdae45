package chunkmodule

import (
	"sync"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/mc"
)

// Suppressor is the internal-side counterpart to Module: it holds no
// cache of its own, only the set of (dimension, key) pairs the external
// side has told it (via toggle_chunk) it already has cached. When a full
// chunk_data for a suppressed key arrives bound for the link, Suppressor
// truncates it to an empty marker to save link bandwidth, matching
// internal_proxy/internal.py's packet_recv_toggle_chunk list-membership
// flip (the same toggle_chunk message both enables and disables
// suppression — the receiver just flips its own local membership).
type Suppressor struct {
	mu         sync.Mutex
	suppressed map[int32]map[chunkcache.Key]struct{}
}

func NewSuppressor() *Suppressor {
	return &Suppressor{suppressed: map[int32]map[chunkcache.Key]struct{}{}}
}

// Toggle flips whether (dimension, key) is currently suppressed.
func (s *Suppressor) Toggle(dimension int32, key chunkcache.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.suppressed[dimension]
	if !ok {
		set = map[chunkcache.Key]struct{}{}
		s.suppressed[dimension] = set
	}
	if _, on := set[key]; on {
		delete(set, key)
	} else {
		set[key] = struct{}{}
	}
}

func (s *Suppressor) isSuppressed(dimension int32, key chunkcache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, on := s.suppressed[dimension][key]
	return on
}

// Filter truncates a full chunk_data bound for the link to an empty
// marker when its (dimension, key) is currently suppressed, leaving every
// other packet — including non-full chunk deltas, which the internal side
// never interprets — untouched.
func (s *Suppressor) Filter(dimension int32, cd mc.ChunkData) mc.ChunkData {
	if !cd.FullChunk {
		return cd
	}
	key := chunkcache.KeyFromChunk(cd.ChunkX, cd.ChunkZ)
	if !s.isSuppressed(dimension, key) {
		return cd
	}
	return mc.ChunkData{ChunkX: cd.ChunkX, ChunkZ: cd.ChunkZ, FullChunk: true}
}
