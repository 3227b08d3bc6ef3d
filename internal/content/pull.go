package content

import (
	"context"
	"fmt"
	"io"

	"pkt.systems/domainctl/internal/mgmt"
)

// Fetcher downloads content by hash from another repository.
type Fetcher interface {
	FetchContent(ctx context.Context, hash string) (io.ReadCloser, error)
}

// Pull makes the content referenced by the add-type steps of op available
// locally, fetching each missing hash once from src. It returns the hashes
// it fetched.
func (r *Repository) Pull(ctx context.Context, src Fetcher, op mgmt.Operation) ([]string, error) {
	var fetched []string
	for _, hash := range ReferencedHashes(op) {
		ok, err := r.Exists(ctx, hash)
		if err != nil {
			return fetched, err
		}
		if ok {
			continue
		}
		if err := r.fetch(ctx, src, hash); err != nil {
			return fetched, err
		}
		fetched = append(fetched, hash)
	}
	return fetched, nil
}

func (r *Repository) fetch(ctx context.Context, src Fetcher, hash string) error {
	rc, err := src.FetchContent(ctx, hash)
	if err != nil {
		return fmt.Errorf("content: fetch %s: %w", hash, err)
	}
	defer rc.Close()
	got, err := r.Store(ctx, rc)
	if err != nil {
		return err
	}
	if got != hash {
		return fmt.Errorf("content: fetched %s but received %s", hash, got)
	}
	r.logger.Debug("content.pull.fetched", "hash", hash)
	return nil
}

// ReferencedHashes lists, in order and without duplicates, the content
// hashes carried by the add-type steps of op.
func ReferencedHashes(op mgmt.Operation) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(op mgmt.Operation)
	walk = func(op mgmt.Operation) {
		for _, step := range op.Steps {
			walk(step)
		}
		if !op.IsAddType() {
			return
		}
		for _, item := range op.Content {
			if item.Hash == "" || item.HasPayload() || seen[item.Hash] {
				continue
			}
			seen[item.Hash] = true
			out = append(out, item.Hash)
		}
	}
	walk(op)
	return out
}
