package blob

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{FSRoot: filepath.Join(t.TempDir(), "img")})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected fs default, got %s", fsStore.Driver())
	}
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Config{Driver: "gcs"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestImageKey(t *testing.T) {
	ts := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("ICT", 7*3600))
	if got := ImageKey(ts, "ABCDEF"); got != "inspections/2026/03/07/abcdef" {
		t.Fatalf("unexpected key %s", got)
	}
	ts = time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("WEST", -2*3600))
	if got := ImageKey(ts, "ab"); got != "inspections/2026/03/08/ab" {
		t.Fatalf("expected UTC date, got %s", got)
	}
}

func TestPutImageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	first, err := PutImage(ctx, store, "inspections/2026/01/01/h", []byte("one"), "image/png", nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	again, err := PutImage(ctx, store, "inspections/2026/01/01/h", []byte("one"), "image/png", nil)
	if err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if again.Size != first.Size || again.Key != first.Key {
		t.Fatalf("expected existing object info, got %+v", again)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, _ := store.List(ctx, ImagePrefix)
	if len(list) != 1 {
		t.Fatalf("expected single archived image, got %d", len(list))
	}
}
