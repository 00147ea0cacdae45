// Package proxy wires together the protocol adapter (pkg/mc), the chunk
// cache (pkg/chunkmodule), the packet pipeline (pkg/pipeline), and the
// inter-proxy link (pkg/link) into the two cooperating roles eastwood
// runs as: an external proxy accepting real Minecraft clients, and an
// internal proxy holding emulated clients against the real server.
// Grounded on external_proxy/*.py and internal_proxy/*.py.
package proxy

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/naphtha/eastwood/pkg/chunkcache"
	"github.com/naphtha/eastwood/pkg/config"
	"github.com/naphtha/eastwood/pkg/link"
)

// defaultAuthIterations is IteratedSaltedHash's default work factor N
// (0x0002FFFF), not a tunable config option.
const defaultAuthIterations = 0x0002FFFF

// Run starts whichever role(s) cfg.Global.Type names and blocks until ctx
// is cancelled or one of them fails.
func Run(ctx context.Context, cfg *config.Config) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Global.Type == config.TypeInternal || cfg.Global.Type == config.TypeBoth {
		internal, err := NewInternal(cfg)
		if err != nil {
			return fmt.Errorf("proxy: build internal role: %w", err)
		}
		g.Go(func() error { return internal.Run(ctx) })
	}

	if cfg.Global.Type == config.TypeExternal || cfg.Global.Type == config.TypeBoth {
		external, err := NewExternal(cfg)
		if err != nil {
			return fmt.Errorf("proxy: build external role: %w", err)
		}
		g.Go(func() error { return external.Run(ctx) })
	}

	return g.Wait()
}

// linkConfig builds the shared link.Config both roles use from the
// global options.
func linkConfig(cfg *config.Config) link.Config {
	return link.Config{
		Password:       cfg.Global.Password,
		Secret:         cfg.Global.Secret,
		BufferDuration: cfg.Global.BufferDuration(),
		Workers:        runtime.NumCPU(),
		AuthIterations: defaultAuthIterations,
	}
}

// buildCache constructs the chunk-cache store per config: an in-memory
// LRU when chunk_caching.path is ":memory:" or unset, a sqlite-backed
// store on disk otherwise. Grounded on bincache.py's sqlite3/":memory:"
// connection-string switch.
// cacheCapacity caps entries kept per dimension, in either tier.
const cacheCapacity = 4096

func buildCache(cfg *config.Config) (*chunkcache.Cache, error) {
	const gcInterval = 0 // no periodic GC sweep (and a zero ttl disables Cache.GC); each store's per-dimension capacity cap bounds its size
	if cfg.ChunkCaching.Path == "" || cfg.ChunkCaching.Path == ":memory:" {
		store := chunkcache.NewMemStore(cacheCapacity)
		return chunkcache.New(store, 0, gcInterval), nil
	}
	dir, prefix := filepath.Split(cfg.ChunkCaching.Path)
	if dir == "" {
		dir = "."
	}
	store, err := chunkcache.NewSQLStore(dir, prefix, cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("proxy: build sqlite chunk store: %w", err)
	}
	return chunkcache.New(store, 0, gcInterval), nil
}

func logger(role string) *zap.Logger {
	return zap.L().With(zap.String("component", "proxy"), zap.String("role", role))
}
