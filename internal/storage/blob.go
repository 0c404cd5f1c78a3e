package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// BlobStore writes opaque objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// BlobBackend stores each event as a JSON object keyed by date and content hash.
type BlobBackend struct {
	blobs  BlobStore
	hasher scraper.Hasher
	clock  scraper.Clock
	prefix string
}

// NewBlobBackend wraps a BlobStore. prefix defaults to "events".
func NewBlobBackend(blobs BlobStore, hasher scraper.Hasher, clock scraper.Clock, prefix string) (*BlobBackend, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		prefix = "events"
	}
	return &BlobBackend{blobs: blobs, hasher: hasher, clock: clock, prefix: prefix}, nil
}

// Save implements scraper.Store. Targets with a DocID write under that
// sub-prefix so orgs sharing a bucket stay separate.
func (b *BlobBackend) Save(ctx context.Context, event scraper.Event, target scraper.StorageTarget) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	digest, err := b.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	now := b.clock.Now().UTC()
	key := path.Join(b.prefix, target.DocID, now.Format("2006/01/02"), digest+".json")
	uri, err := b.blobs.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}
