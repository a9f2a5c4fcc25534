package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports a resolved market's full settlement trail (ledger entries,
// orders, resolution history) to cold storage for offline audit, and serves
// the exported bundles back.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, marketID string) (path string, err error)
	ListSettlements(ctx context.Context, marketID string) ([]BlobInfo, error)
	OpenSettlement(ctx context.Context, marketID, name string) (io.ReadCloser, error)
}
