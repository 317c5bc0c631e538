package sink

import (
	"context"

	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// StorageSink persists batches into a storage backend.
type StorageSink struct {
	store storage.Storage
}

func NewStorageSink(store storage.Storage) *StorageSink {
	return &StorageSink{store: store}
}

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) WriteBatch(ctx context.Context, b rollup.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return s.store.Write(ctx, b.Records)
}

var _ rollup.Sink = (*StorageSink)(nil)
