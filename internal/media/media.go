// Package media stores fetched media in a content-addressed blob store.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/JakeFAU/harvester/internal/harvest"
)

// BlobStore is the object storage backend behind a Store.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignGetObject(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config tunes a Store.
type Config struct {
	Prefix         string
	PresignTTL     time.Duration
	CacheSize      int
	MaxObjectBytes int64
}

// Object describes a stored media asset.
type Object struct {
	Key         string
	URI         string
	Size        int64
	Width       int
	Height      int
	ContentHash string
	ContentType string
	// Uploaded is false when the key already existed.
	Uploaded bool
}

// Store hashes media, skips known content and uploads the rest.
type Store struct {
	blobs     BlobStore
	hasher    harvest.Hasher
	cfg       Config
	presigned *expirable.LRU[string, string]
	logger    *zap.Logger
}

// New builds a Store.
func New(blobs BlobStore, hasher harvest.Hasher, cfg Config, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = "media"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	return &Store{
		blobs:     blobs,
		hasher:    hasher,
		cfg:       cfg,
		presigned: expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.PresignTTL/2),
		logger:    logger,
	}, nil
}

// Store persists raw under its content-addressed key.
func (s *Store) Store(ctx context.Context, raw []byte, contentType string) (Object, error) {
	if len(raw) == 0 {
		return Object{}, fmt.Errorf("%w: empty media payload", harvest.ErrPermanentItem)
	}
	if s.cfg.MaxObjectBytes > 0 && int64(len(raw)) > s.cfg.MaxObjectBytes {
		return Object{}, fmt.Errorf("%w: media is %d bytes, limit %d", harvest.ErrPermanentItem, len(raw), s.cfg.MaxObjectBytes)
	}
	hash, err := s.hasher.Hash(raw)
	if err != nil {
		return Object{}, fmt.Errorf("hash media: %w", err)
	}
	contentType = NormalizeContentType(contentType, raw)
	obj := Object{
		Key:         Key(s.cfg.Prefix, hash, contentType),
		Size:        int64(len(raw)),
		ContentHash: hash,
		ContentType: contentType,
	}
	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
			obj.Width, obj.Height = cfg.Width, cfg.Height
		} else {
			s.logger.Debug("image dimensions unavailable", zap.String("key", obj.Key), zap.Error(err))
		}
	}

	exists, err := s.blobs.Exists(ctx, obj.Key)
	if err != nil {
		return Object{}, fmt.Errorf("%w: probe %s: %v", harvest.ErrTransientStorage, obj.Key, err)
	}
	if exists {
		return obj, nil
	}
	uri, err := s.blobs.PutObject(ctx, obj.Key, contentType, bytes.NewReader(raw))
	if err != nil {
		return Object{}, fmt.Errorf("%w: upload %s: %v", harvest.ErrTransientStorage, obj.Key, err)
	}
	obj.URI = uri
	obj.Uploaded = true
	return obj, nil
}

// PresignGet returns a time-limited read URL. ttl <= 0 uses the configured
// default. URLs are reused for half the default TTL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		ttl = s.cfg.PresignTTL
	}
	cacheable := ttl == s.cfg.PresignTTL
	if cacheable {
		if u, ok := s.presigned.Get(key); ok {
			return u, nil
		}
	}
	u, err := s.blobs.PresignGetObject(ctx, key, ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	if cacheable {
		s.presigned.Add(key, u)
	}
	return u, nil
}

// Key derives the content-addressed object key.
func Key(prefix, hash, contentType string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(prefix, shard, hash+Extension(contentType))
}

var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/avif":      ".avif",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

// Extension maps a content type to a file extension.
func Extension(contentType string) string {
	if ext, ok := knownExtensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// NormalizeContentType strips parameters and sniffs when the declared type
// is missing or generic.
func NormalizeContentType(declared string, raw []byte) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil || mt == "" || mt == "application/octet-stream" || mt == "binary/octet-stream" {
		mt, _, _ = mime.ParseMediaType(http.DetectContentType(raw))
	}
	return strings.ToLower(mt)
}
