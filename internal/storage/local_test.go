package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("create local store: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Put(ctx, "assets/abc/merged.mp4", strings.NewReader("merged-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.Backend != BackendLocal {
		t.Fatalf("unexpected backend: %s", ref.Backend)
	}
	if ref.Location != "/media/assets/abc/merged.mp4" {
		t.Fatalf("unexpected location: %s", ref.Location)
	}

	reader, err := store.Get(ctx, ref.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != "merged-bytes" {
		t.Fatalf("unexpected object contents: %q", data)
	}

	if err := store.Delete(ctx, ref.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, ref.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key succeeds.
	if err := store.Delete(ctx, ref.Key); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("create local store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../outside", "a/../../outside"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestLocalStoreSignUsesBaseURL(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "https://clips.example.com/")
	if err != nil {
		t.Fatalf("create local store: %v", err)
	}

	url, err := store.Sign(context.Background(), "assets/abc/merged.mp4", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if url != "https://clips.example.com/media/assets/abc/merged.mp4" {
		t.Fatalf("unexpected url: %s", url)
	}
}
