package chunkcache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLStore is the file-backed tier: one sqlite database per dimension,
// named "<prefix>_<dimension>.db", schema
// "(identifier BLOB, accessed INTEGER, data BLOB)" with an index on
// accessed — grounded on eastwood/bincache.py's sqlite3 Cache table. Every
// Put runs bincache.py's __regcall eviction pass: rank rows by accessed
// descending and drop anything outside the top capacity.
type SQLStore struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	capacity int
	opened   map[int32]*sql.DB
}

// NewSQLStore opens (creating if needed) the cache directory dir. prefix
// names each dimension's backing file: "<prefix>_<dimension>.db". capacity
// caps the number of entries kept per dimension; capacity<=0 disables the
// cap.
func NewSQLStore(dir, prefix string, capacity int) (*SQLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkcache: create cache dir: %w", err)
	}
	return &SQLStore{dir: dir, prefix: prefix, capacity: capacity, opened: map[int32]*sql.DB{}}, nil
}

func (s *SQLStore) dbPath(dimension int32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.db", s.prefix, dimension))
}

func (s *SQLStore) dimDB(dimension int32) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.opened[dimension]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath(dimension))
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	identifier BLOB PRIMARY KEY,
	accessed   INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_accessed ON chunks(accessed);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkcache: create schema for dimension %d: %w", dimension, err)
	}
	s.opened[dimension] = db
	return db, nil
}

func (s *SQLStore) Get(dimension int32, key Key) (*Entry, bool, error) {
	db, err := s.dimDB(dimension)
	if err != nil {
		return nil, false, err
	}
	var data []byte
	var accessed int64
	row := db.QueryRow(`SELECT accessed, data FROM chunks WHERE identifier = ?`, key[:])
	if err := row.Scan(&accessed, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Entry{Key: key, Data: data, AccessedAt: accessed}, true, nil
}

func (s *SQLStore) Put(dimension int32, entry Entry) error {
	db, err := s.dimDB(dimension)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO chunks (identifier, accessed, data) VALUES (?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET accessed = excluded.accessed, data = excluded.data`,
		entry.Key[:], entry.AccessedAt, entry.Data,
	)
	if err != nil {
		return err
	}
	return s.evictOverCapacity(db)
}

// evictOverCapacity keeps only the capacity rows with the most recent
// accessed, same ranking bincache.py's __regcall applies on every
// operation. SQLite's DELETE doesn't support LIMIT without a non-default
// compile flag, so the top-N set is selected via a subquery instead.
func (s *SQLStore) evictOverCapacity(db *sql.DB) error {
	if s.capacity <= 0 {
		return nil
	}
	_, err := db.Exec(
		`DELETE FROM chunks WHERE identifier NOT IN (
			SELECT identifier FROM chunks ORDER BY accessed DESC LIMIT ?
		)`,
		s.capacity,
	)
	return err
}

func (s *SQLStore) Delete(dimension int32, key Key) error {
	db, err := s.dimDB(dimension)
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM chunks WHERE identifier = ?`, key[:])
	return err
}

func (s *SQLStore) Keys(dimension int32) ([]Key, error) {
	db, err := s.dimDB(dimension)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT identifier FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, KeyFromHash(raw))
	}
	return out, rows.Err()
}

func (s *SQLStore) GC(dimension int32, cutoff int64) (int, error) {
	db, err := s.dimDB(dimension)
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`DELETE FROM chunks WHERE accessed < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Dimensions unions dimensions already opened this run with ones that only
// exist as on-disk files so far, so a freshly started process can still
// discover and re-seed from a dimension it hasn't touched yet.
func (s *SQLStore) Dimensions() ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int32]struct{}{}
	for dim := range s.opened {
		seen[dim] = struct{}{}
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, s.prefix+"_*.db"))
	if err != nil {
		return nil, err
	}
	prefixPattern := s.prefix + "_"
	for _, m := range matches {
		name := filepath.Base(m)
		name = name[:len(name)-len(".db")]
		if len(name) <= len(prefixPattern) {
			continue
		}
		var dim int32
		if _, err := fmt.Sscanf(name[len(prefixPattern):], "%d", &dim); err == nil {
			seen[dim] = struct{}{}
		}
	}

	out := make([]int32, 0, len(seen))
	for dim := range seen {
		out = append(out, dim)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.opened {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
