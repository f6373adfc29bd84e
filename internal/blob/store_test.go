package blob

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"roomcoordinator/server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	meta, err := store.Open(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	s, err := NewStore(filepath.Join(t.TempDir(), "blobs"), meta)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	return s
}

func TestPutThenOpenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, PutInput{
		Kind:         "upload",
		OriginalName: "notes.txt",
		ContentType:  "text/plain",
		Reader:       strings.NewReader("hello blob"),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.ID == "" || meta.SizeBytes != int64(len("hello blob")) {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	result, err := s.Open(ctx, meta.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer result.File.Close()

	data, err := io.ReadAll(result.File)
	if err != nil {
		t.Fatalf("read blob contents: %v", err)
	}
	if string(data) != "hello blob" {
		t.Fatalf("unexpected blob contents: %q", data)
	}
	if result.Metadata.ContentType != "text/plain" || result.Metadata.OriginalName != "notes.txt" {
		t.Fatalf("unexpected metadata on open: %+v", result.Metadata)
	}
}

func TestPutDefaultsContentType(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	meta, err := s.Put(context.Background(), PutInput{
		OriginalName: "blob.bin",
		Reader:       strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.ContentType != defaultContentType {
		t.Fatalf("expected default content type, got %q", meta.ContentType)
	}
	if meta.Kind != "blob" {
		t.Fatalf("expected default kind, got %q", meta.Kind)
	}
}

func TestOpenMissingBlobReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if _, err := s.Open(context.Background(), "does-not-exist"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesMetadataAndFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, PutInput{OriginalName: "x.txt", Reader: strings.NewReader("data")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Open(ctx, meta.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, meta.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound deleting already-deleted blob, got %v", err)
	}
}
