// Package localcache persists the note collection as a single versioned JSON
// document in a key-value store.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/notesync/internal/note"
	"github.com/kalambet/notesync/internal/storage"
)

// CollectionKey is the key the whole note collection is stored under.
const CollectionKey = "notes.collection"

const envelopeVersion = 1

// KV is the subset of the storage layer the cache needs.
type KV interface {
	GetCacheEntry(key string) (string, error)
	PutCacheEntry(key, value string) error
}

type envelope struct {
	Version int           `json:"version"`
	Notes   []note.Record `json:"notes"`
}

// Cache reads and writes the full note collection under one key.
type Cache struct {
	kv  KV
	key string
}

// New returns a Cache storing the collection under CollectionKey.
func New(kv KV) *Cache {
	return &Cache{kv: kv, key: CollectionKey}
}

// Load returns the cached collection. A missing entry yields an empty
// collection and no error.
func (c *Cache) Load(ctx context.Context) ([]note.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := c.kv.GetCacheEntry(c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.key, err)
	}
	return decode(raw)
}

// Save replaces the cached collection with records.
func (c *Cache) Save(ctx context.Context, records []note.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(records)
	if err != nil {
		return err
	}
	if err := c.kv.PutCacheEntry(c.key, raw); err != nil {
		return fmt.Errorf("writing %s: %w", c.key, err)
	}
	return nil
}

func encode(records []note.Record) (string, error) {
	env := envelope{Version: envelopeVersion, Notes: records}
	if env.Notes == nil {
		env.Notes = []note.Record{}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding note collection: %w", err)
	}
	return string(b), nil
}

func decode(raw string) ([]note.Record, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding note collection: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported note collection version %d", env.Version)
	}
	return env.Notes, nil
}
