package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}

	ctx := context.Background()
	content := []byte("thumbnail bytes")

	if err := store.Put(ctx, "clips/abc/small.webp", bytes.NewReader(content), int64(len(content)), "image/webp"); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	exists, err := store.Exists(ctx, "clips/abc/small.webp")
	if err != nil {
		t.Fatalf("Exists error: %v", err)
	}
	if !exists {
		t.Fatal("expected object to exist after Put")
	}

	r, err := store.Get(ctx, "clips/abc/small.webp")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading object: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	if err := store.Delete(ctx, "clips/abc/small.webp"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}

	exists, err = store.Exists(ctx, "clips/abc/small.webp")
	if err != nil {
		t.Fatalf("Exists error: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after Delete")
	}
}

func TestLocalStoreDeleteMissingIsNotError(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}
	if err := store.Delete(context.Background(), "nonexistent"); err != nil {
		t.Errorf("Delete on missing key should not error, got: %v", err)
	}
}

func TestLocalStorePublicURLEmptyWithoutPrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}
	if got := store.PublicURL("some/key"); got != "" {
		t.Errorf("PublicURL() = %q, want empty string", got)
	}
}

func TestLocalStorePublicURLWithPrefix(t *testing.T) {
	store, err := NewLocalStoreWithPrefix(t.TempDir(), "/storage")
	if err != nil {
		t.Fatalf("NewLocalStoreWithPrefix error: %v", err)
	}
	if got, want := store.PublicURL("clips/abc/small.webp"), "/storage/clips/abc/small.webp"; got != want {
		t.Errorf("PublicURL() = %q, want %q", got, want)
	}
}

func TestLocalStorePublicURLTrimsSlashes(t *testing.T) {
	store, err := NewLocalStoreWithPrefix(t.TempDir(), "/storage/")
	if err != nil {
		t.Fatalf("NewLocalStoreWithPrefix error: %v", err)
	}
	if got, want := store.PublicURL("/clips/abc/small.webp"), "/storage/clips/abc/small.webp"; got != want {
		t.Errorf("PublicURL() = %q, want %q", got, want)
	}
}
