package embedding

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/fingerprint"
	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/store"
)

// Cache is the durable embedding cache. A cached record is reused only while
// its content fingerprint matches the concept's current text and its model
// matches the configured embedder; anything stale is recomputed. Computation
// for the same identity is serialized so concurrent callers never race a
// duplicate write.
type Cache struct {
	store    store.Store
	embedder Embedder
	logger   *zap.Logger
	locks    keyedMutex
}

// NewCache creates a cache over the given store and embedder.
func NewCache(st store.Store, embedder Embedder, logger *zap.Logger) *Cache {
	return &Cache{store: st, embedder: embedder, logger: logger}
}

// GetOrCompute returns a valid embedding record for the identity and text,
// computing and persisting a fresh one when the cache misses or is stale.
// Embedder failures propagate and leave the cache unchanged.
func (c *Cache) GetOrCompute(ctx context.Context, identity, text string) (*models.EmbeddingRecord, error) {
	c.locks.lock(identity)
	defer c.locks.unlock(identity)
	return c.getOrComputeLocked(ctx, identity, text)
}

func (c *Cache) getOrComputeLocked(ctx context.Context, identity, text string) (*models.EmbeddingRecord, error) {
	fp := fingerprint.Hash(text)
	if rec, err := c.store.GetEmbedding(ctx, identity); err == nil {
		if rec.Fingerprint == fp && rec.Model == c.embedder.Model() {
			return rec, nil
		}
		c.logger.Debug("stale embedding record",
			zap.String("identity", identity),
			zap.String("cached_fingerprint", rec.Fingerprint),
			zap.String("current_fingerprint", fp),
		)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	rec := &models.EmbeddingRecord{
		Identity:    identity,
		Fingerprint: fp,
		Vector:      vec,
		Model:       c.embedder.Model(),
	}
	if err := c.store.PutEmbedding(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetOrComputeBatch returns one record per (identity, text) pair, in input
// order. Cache hits and misses may be interleaved; misses are computed with a
// single batched embedder call. Identities and texts must have equal length.
func (c *Cache) GetOrComputeBatch(ctx context.Context, identities, texts []string) ([]*models.EmbeddingRecord, error) {
	if len(identities) != len(texts) {
		return nil, errors.New("identities and texts length mismatch")
	}
	if len(identities) == 0 {
		return nil, nil
	}

	// Lock every distinct identity in sorted order so concurrent batches (and
	// singles) cannot deadlock against each other.
	unique := make([]string, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)
	for _, id := range unique {
		c.locks.lock(id)
	}
	defer func() {
		for _, id := range unique {
			c.locks.unlock(id)
		}
	}()

	results := make([]*models.EmbeddingRecord, len(identities))
	var missIdx []int
	byIdentity := make(map[string]*models.EmbeddingRecord, len(unique))
	for i, id := range identities {
		if rec, ok := byIdentity[id]; ok {
			results[i] = rec
			continue
		}
		fp := fingerprint.Hash(texts[i])
		rec, err := c.store.GetEmbedding(ctx, id)
		if err == nil && rec.Fingerprint == fp && rec.Model == c.embedder.Model() {
			results[i] = rec
			byIdentity[id] = rec
			continue
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) == 0 {
		return results, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}
	vecs, err := c.embedder.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		rec := &models.EmbeddingRecord{
			Identity:    identities[i],
			Fingerprint: fingerprint.Hash(texts[i]),
			Vector:      vecs[j],
			Model:       c.embedder.Model(),
		}
		if err := c.store.PutEmbedding(ctx, rec); err != nil {
			return nil, err
		}
		results[i] = rec
		byIdentity[identities[i]] = rec
	}
	return results, nil
}

// keyedMutex provides a mutual-exclusion scope per string key.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	mu   sync.Mutex
}

func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()
	entry.mu.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	entry := k.entries[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	entry.mu.Unlock()
}
