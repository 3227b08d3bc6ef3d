package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"pkt.systems/domainctl/internal/mgmt"
)

// Storer persists one payload and returns its hash.
type Storer interface {
	Store(ctx context.Context, body io.Reader) (string, error)
}

// Substitute returns a copy of op in which every content item of an
// add-type operation carries only a hash. Each distinct payload is stored
// exactly once: attachments are keyed by stream index and inline bytes by
// their digest. The returned operation has no attachments.
func Substitute(ctx context.Context, store Storer, op mgmt.Operation) (mgmt.Operation, error) {
	out := op.Clone()
	out.Attachments = nil
	if !op.HasPayloadContent() {
		return out, nil
	}
	s := substitution{store: store, attachments: op.Attachments, hashes: make(map[string]string)}
	if err := s.walk(ctx, &out); err != nil {
		return mgmt.Operation{}, &mgmt.ContentStorageError{Err: err}
	}
	return out, nil
}

type substitution struct {
	store       Storer
	attachments []io.Reader
	hashes      map[string]string
}

func (s *substitution) walk(ctx context.Context, op *mgmt.Operation) error {
	for i := range op.Steps {
		if err := s.walk(ctx, &op.Steps[i]); err != nil {
			return err
		}
	}
	if !op.IsAddType() {
		return nil
	}
	for i, item := range op.Content {
		if !item.HasPayload() {
			continue
		}
		hash, err := s.resolve(ctx, item)
		if err != nil {
			return fmt.Errorf("%s %s content[%d]: %w", op.Name, op.Address, i, err)
		}
		op.Content[i] = mgmt.ContentItem{Hash: hash}
	}
	return nil
}

func (s *substitution) resolve(ctx context.Context, item mgmt.ContentItem) (string, error) {
	var key string
	var body io.Reader
	if item.InputStreamIndex != nil {
		idx := *item.InputStreamIndex
		if idx < 0 || idx >= len(s.attachments) || s.attachments[idx] == nil {
			return "", fmt.Errorf("input stream index %d out of range (%d attachments)", idx, len(s.attachments))
		}
		key = "idx:" + strconv.Itoa(idx)
		body = s.attachments[idx]
	} else {
		key = "sha:" + HashBytes(item.Bytes)
		body = bytes.NewReader(item.Bytes)
	}
	if hash, ok := s.hashes[key]; ok {
		return hash, nil
	}
	hash, err := s.store.Store(ctx, body)
	if err != nil {
		return "", err
	}
	s.hashes[key] = hash
	return hash, nil
}
