package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/vigilstack/vigil-detect/internal/models"
)

const batchKeyPrefix = "batches/"

// BatchArchiver persists flushed pipeline batches as snappy-compressed
// JSON Lines blobs. Keys sort chronologically; a process-local sequence
// number keeps batches written in the same second distinct.
type BatchArchiver struct {
	backend Backend
	seq     atomic.Uint64
	now     func() time.Time
}

// NewBatchArchiver wraps backend for batch archival.
func NewBatchArchiver(backend Backend) *BatchArchiver {
	return &BatchArchiver{backend: backend, now: time.Now}
}

// WriteBatch archives one batch and returns the key it was stored under.
// Empty batches are skipped.
func (a *BatchArchiver) WriteBatch(ctx context.Context, points []models.DataPoint) (string, error) {
	if len(points) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range points {
		if err := enc.Encode(&points[i]); err != nil {
			return "", fmt.Errorf("encode point: %w", err)
		}
	}

	key := a.nextKey()
	compressed := snappy.Encode(nil, buf.Bytes())
	if err := a.backend.Write(ctx, key, compressed); err != nil {
		return "", fmt.Errorf("archive batch %s: %w", key, err)
	}
	return key, nil
}

// ReadBatch loads and decodes one archived batch.
func (a *BatchArchiver) ReadBatch(ctx context.Context, key string) ([]models.DataPoint, error) {
	raw, err := a.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return DecodeBatch(raw)
}

// Keys lists archived batch keys in chronological order.
func (a *BatchArchiver) Keys(ctx context.Context) ([]string, error) {
	return a.backend.List(ctx, batchKeyPrefix)
}

func (a *BatchArchiver) nextKey() string {
	seq := a.seq.Add(1)
	ts := a.now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s%s-%06d", batchKeyPrefix, ts, seq)
}

// DecodeBatch decompresses and parses a snappy-compressed JSON Lines batch.
func DecodeBatch(raw []byte) ([]models.DataPoint, error) {
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}

	var points []models.DataPoint
	scanner := bufio.NewScanner(bytes.NewReader(decompressed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p models.DataPoint
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("decode point: %w", err)
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return points, nil
}
