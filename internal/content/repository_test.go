package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/domainctl/internal/storage"
	"pkt.systems/domainctl/internal/storage/memory"
)

func newRepo(t *testing.T, spool int64) *Repository {
	t.Helper()
	repo, err := New(Config{Backend: memory.New(), SpoolMemory: spool})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return repo
}

func TestStoreIsContentAddressed(t *testing.T) {
	repo := newRepo(t, 0)
	ctx := context.Background()
	hash, err := repo.Store(ctx, strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if hash != HashBytes([]byte("payload")) {
		t.Fatalf("unexpected hash %s", hash)
	}
	again, err := repo.Store(ctx, strings.NewReader("payload"))
	if err != nil || again != hash {
		t.Fatalf("second store: %s %v", again, err)
	}
	ok, err := repo.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	rc, err := repo.Open(ctx, hash)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}
	hashes, err := repo.Hashes(ctx)
	if err != nil || len(hashes) != 1 || hashes[0] != hash {
		t.Fatalf("hashes: %v %v", hashes, err)
	}
	if err := repo.Remove(ctx, hash); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := repo.Exists(ctx, hash); ok {
		t.Fatalf("content still present after remove")
	}
	if _, err := repo.Open(ctx, hash); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSpillsLargeBodies(t *testing.T) {
	repo := newRepo(t, 8)
	body := bytes.Repeat([]byte("x"), 1024)
	hash, err := repo.Store(context.Background(), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rc, err := repo.Open(context.Background(), hash)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !bytes.Equal(data, body) {
		t.Fatalf("spilled content corrupted (%d bytes)", len(data))
	}
}

func TestValidateHash(t *testing.T) {
	repo := newRepo(t, 0)
	for _, bad := range []string{"", "abc", strings.Repeat("G", 64), "../" + strings.Repeat("a", 61)} {
		if _, err := repo.Open(context.Background(), bad); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("%q: expected ErrInvalidHash, got %v", bad, err)
		}
	}
}
