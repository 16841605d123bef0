package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

const modelKeyPrefix = "models/"

// ModelStore persists serialized detector models as snappy-compressed
// blobs keyed by metric and algorithm.
type ModelStore struct {
	backend Backend
}

// NewModelStore wraps backend for model persistence.
func NewModelStore(backend Backend) *ModelStore {
	return &ModelStore{backend: backend}
}

// Save stores one serialized model, replacing any previous version.
func (m *ModelStore) Save(ctx context.Context, metric, algorithm string, blob []byte) error {
	key := modelKey(metric, algorithm)
	if err := m.backend.Write(ctx, key, snappy.Encode(nil, blob)); err != nil {
		return fmt.Errorf("save model %s: %w", key, err)
	}
	return nil
}

// Load retrieves one serialized model. Missing models surface ErrNotFound.
func (m *ModelStore) Load(ctx context.Context, metric, algorithm string) ([]byte, error) {
	key := modelKey(metric, algorithm)
	compressed, err := m.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	blob, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress model %s: %w", key, err)
	}
	return blob, nil
}

// Delete removes one saved model. Deleting a missing model is not an error.
func (m *ModelStore) Delete(ctx context.Context, metric, algorithm string) error {
	return m.backend.Delete(ctx, modelKey(metric, algorithm))
}

// List returns the (metric, algorithm) pairs with a saved model.
func (m *ModelStore) List(ctx context.Context) ([][2]string, error) {
	keys, err := m.backend.List(ctx, modelKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, modelKeyPrefix)
		metric, algorithm, ok := strings.Cut(rest, "/")
		if !ok || metric == "" || algorithm == "" {
			continue
		}
		out = append(out, [2]string{metric, algorithm})
	}
	return out, nil
}

// modelKey flattens path separators out of the metric name so a metric
// like "disk.io/read" cannot escape its slot in the key space.
func modelKey(metric, algorithm string) string {
	safe := strings.ReplaceAll(metric, "/", "_")
	return modelKeyPrefix + safe + "/" + algorithm
}
