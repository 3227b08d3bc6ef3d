// Package content stores deployment content addressed by its SHA-256 hash.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/storage"
	"pkt.systems/domainctl/internal/svcfields"
)

// DefaultPrefix is the object key prefix for content blobs.
const DefaultPrefix = "content/"

// ErrInvalidHash is returned for malformed content hashes.
var ErrInvalidHash = errors.New("content: invalid hash")

// Config configures a Repository.
type Config struct {
	Backend     storage.Backend
	Logger      pslog.Logger
	Prefix      string
	SpoolMemory int64
}

// Repository is a content-addressed blob store.
type Repository struct {
	backend     storage.Backend
	logger      pslog.Logger
	prefix      string
	spoolMemory int64
	metrics     *contentMetrics
}

// New constructs a Repository.
func New(cfg Config) (*Repository, error) {
	if cfg.Backend == nil {
		return nil, errors.New("content: backend required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	logger = svcfields.WithSubsystem(logger, "content.repo")
	return &Repository{
		backend:     cfg.Backend,
		logger:      logger,
		prefix:      prefix,
		spoolMemory: cfg.SpoolMemory,
		metrics:     newContentMetrics(logger),
	}, nil
}

// Store reads body to the end and persists it under its hash. Storing
// content that already exists is a no-op returning the same hash.
func (r *Repository) Store(ctx context.Context, body io.Reader) (string, error) {
	sp := newSpool(r.spoolMemory)
	defer sp.Close()
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(sp, hasher), body)
	if err != nil {
		return "", fmt.Errorf("content: read body: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))
	key := r.key(hash)

	if _, err := r.backend.StatObject(ctx, key); err == nil {
		r.metrics.recordStore(ctx, size, true)
		r.logger.Trace("content.store.exists", "hash", hash)
		return hash, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("content: stat %s: %w", hash, err)
	}

	reader, err := sp.Reader()
	if err != nil {
		return "", fmt.Errorf("content: rewind spool: %w", err)
	}
	_, err = r.backend.PutObject(ctx, key, reader, storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeOctetStream,
	})
	switch {
	case err == nil:
		r.metrics.recordStore(ctx, size, false)
		r.logger.Debug("content.store.success", "hash", hash, "size", humanize.Bytes(uint64(size)))
	case errors.Is(err, storage.ErrCASMismatch):
		// Lost a race with an identical upload.
		r.metrics.recordStore(ctx, size, true)
	default:
		return "", fmt.Errorf("content: put %s: %w", hash, err)
	}
	return hash, nil
}

// Open returns a reader for the content with hash.
func (r *Repository) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	res, err := r.backend.GetObject(ctx, r.key(hash))
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", hash, err)
	}
	return res.Reader, nil
}

// Exists reports whether content with hash is stored.
func (r *Repository) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	_, err := r.backend.StatObject(ctx, r.key(hash))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("content: stat %s: %w", hash, err)
	}
}

// Remove deletes the content with hash. Missing content is not an error.
func (r *Repository) Remove(ctx context.Context, hash string) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	if err := r.backend.DeleteObject(ctx, r.key(hash), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("content: remove %s: %w", hash, err)
	}
	r.logger.Debug("content.remove", "hash", hash)
	return nil
}

// Hashes lists every stored hash.
func (r *Repository) Hashes(ctx context.Context) ([]string, error) {
	var out []string
	startAfter := ""
	for {
		res, err := r.backend.ListObjects(ctx, storage.ListOptions{Prefix: r.prefix, StartAfter: startAfter, Limit: 1000})
		if err != nil {
			return nil, fmt.Errorf("content: list: %w", err)
		}
		for _, obj := range res.Objects {
			_, hash, ok := strings.Cut(strings.TrimPrefix(obj.Key, r.prefix), "/")
			if ok && ValidateHash(hash) == nil {
				out = append(out, hash)
			}
		}
		if !res.Truncated || res.NextStartAfter == "" {
			return out, nil
		}
		startAfter = res.NextStartAfter
	}
}

// Close releases the backend.
func (r *Repository) Close() error {
	return r.backend.Close()
}

func (r *Repository) key(hash string) string {
	return r.prefix + hash[:2] + "/" + hash
}

// ValidateHash checks that hash is a lowercase hex SHA-256 digest.
func ValidateHash(hash string) error {
	if len(hash) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
		}
	}
	return nil
}

// HashBytes returns the content hash of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
