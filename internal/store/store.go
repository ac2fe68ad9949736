// Package store persists parsed modules between runs so that unchanged files
// are not parsed again. Entries live in a bbolt database, one JSON record per
// file keyed by its repo-relative path, and are reused only while the file's
// content hash matches.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/phobologic/protoscan/internal/model"
)

// Dir is the per-repository state directory.
const Dir = ".protoscan"

// FileName is the database file inside Dir.
const FileName = "cache.db"

// schemaVersion is bumped whenever the model encoding changes.
const schemaVersion = 1

var bucketModules = []byte("modules")

type record struct {
	Version int           `json:"version"`
	Hash    uint64        `json:"hash"`
	Module  *model.Module `json:"module"`
}

// Store is a parse cache backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store under root/.protoscan.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return OpenFile(filepath.Join(dir, FileName))
}

// OpenFile opens (or creates) a store at path.
func OpenFile(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketModules)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the module stored for path if it was parsed from content with
// the given hash. A stale, missing or undecodable entry returns nil.
func (s *Store) Get(path string, hash uint64) (*model.Module, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketModules).Get([]byte(path)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if data == nil {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	if rec.Version != schemaVersion || rec.Hash != hash || rec.Module == nil {
		return nil, nil
	}
	rec.Module.Path = path
	return rec.Module, nil
}

// PutAll stores modules in a single transaction.
func (s *Store) PutAll(mods []*model.Module) error {
	encoded := make(map[string][]byte, len(mods))
	for _, mod := range mods {
		data, err := json.Marshal(record{Version: schemaVersion, Hash: mod.ContentHash, Module: mod})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", mod.Path, err)
		}
		encoded[mod.Path] = data
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		for path, data := range encoded {
			if err := b.Put([]byte(path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put stores one module.
func (s *Store) Put(mod *model.Module) error {
	return s.PutAll([]*model.Module{mod})
}

// Delete forgets path.
func (s *Store) Delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModules).Delete([]byte(path))
	})
}

// Prune deletes every entry whose path is not in keep.
func (s *Store) Prune(keep map[string]struct{}) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModules)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Len returns the number of stored modules.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketModules).Stats().KeyN
		return nil
	})
	return n, err
}
