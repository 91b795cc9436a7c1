package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-model-fetch/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the store.
var ErrNotFound = errors.New("key not found")

const manifestKeyPrefix = "manifest_"

// Store is the bitcask-backed metadata store. It caches one manifest per
// normalized model identifier so verification passes do not have to
// re-query the hub catalog every time.
type Store struct {
	db *bitcask.Bitcask
}

// Open initializes and returns a Store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store at %s: %w", path, err)
	}
	log.Debugf("Metadata store opened at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

func manifestKey(id models.ModelIdentifier) []byte {
	return []byte(manifestKeyPrefix + id.Normalized())
}

// PutManifest caches a model's manifest.
func (s *Store) PutManifest(id models.ModelIdentifier, m models.Manifest) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest for %s: %w", id, err)
	}
	if err := s.db.Put(manifestKey(id), value); err != nil {
		return fmt.Errorf("failed to store manifest for %s: %w", id, err)
	}
	log.Debugf("Cached manifest for %s (%d files)", id, len(m.Files))
	return nil
}

// GetManifest returns the cached manifest for a model, or ErrNotFound.
func (s *Store) GetManifest(id models.ModelIdentifier) (models.Manifest, error) {
	value, err := s.db.Get(manifestKey(id))
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return models.Manifest{}, ErrNotFound
		}
		return models.Manifest{}, fmt.Errorf("failed to read manifest for %s: %w", id, err)
	}
	var m models.Manifest
	if err := json.Unmarshal(value, &m); err != nil {
		return models.Manifest{}, fmt.Errorf("failed to unmarshal manifest for %s: %w", id, err)
	}
	return m, nil
}

// DeleteManifest drops a model's cached manifest. Deleting a missing entry
// is not an error.
func (s *Store) DeleteManifest(id models.ModelIdentifier) error {
	if err := s.db.Delete(manifestKey(id)); err != nil && !errors.Is(err, bitcask.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete manifest for %s: %w", id, err)
	}
	return nil
}

// ManifestIdentifiers lists the normalized identifiers with cached manifests.
func (s *Store) ManifestIdentifiers() []string {
	var ids []string
	for key := range s.db.Keys() {
		k := string(key)
		if strings.HasPrefix(k, manifestKeyPrefix) {
			ids = append(ids, strings.TrimPrefix(k, manifestKeyPrefix))
		}
	}
	return ids
}
