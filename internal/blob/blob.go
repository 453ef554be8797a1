// Package blob is the entry point for the append-only inspection image
// archive. It re-exports the core abstractions and selects a driver from
// configuration.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"medtrace/internal/blob/core"
	"medtrace/internal/infra/blob/fs"
	memorystore "medtrace/internal/infra/blob/memory"
	infraS3 "medtrace/internal/infra/blob/s3"
	"strings"
	"time"
)

type (
	// Driver identifies an archive backend driver.
	Driver = core.Driver
	// PutOptions configures an archive write.
	PutOptions = core.PutOptions
	// Info describes archived object metadata.
	Info = core.Info
	// Store is the interface for archive backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrExists is returned when writing a key that already holds an object.
	ErrExists = core.ErrExists
	// ErrNotFound is returned when reading a key that holds no object.
	ErrNotFound = core.ErrNotFound
)

// Config selects and configures an archive driver.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the archive named by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-memory archive suitable for tests.
func NewMemory() Store { return memorystore.New() }

// ImagePrefix is the key prefix under which inspection images are archived.
const ImagePrefix = "inspections/"

// ImageKey returns the archive key for an image with the given content hash
// submitted at t: inspections/YYYY/MM/DD/<hash>.
func ImageKey(t time.Time, hash string) string {
	return ImagePrefix + t.UTC().Format("2006/01/02") + "/" + strings.ToLower(hash)
}

// PutImage archives data under key. An existing object under the same key
// is accepted as-is since keys embed the content hash.
func PutImage(ctx context.Context, store Store, key string, data []byte, contentType string, metadata map[string]string) (Info, error) {
	info, err := store.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: contentType, Metadata: metadata})
	if errors.Is(err, ErrExists) {
		return store.Head(ctx, key)
	}
	return info, err
}
