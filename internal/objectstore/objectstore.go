// Package objectstore persists finished audio artifacts and hands out
// expiring download URLs. The filesystem backend signs URLs with HMAC-SHA256
// so the file server can verify them without shared state.
package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultURLTTL is applied when a caller asks for a presigned URL with no
// explicit expiry.
const DefaultURLTTL = 3600 * time.Second

var (
	ErrNotFound         = errors.New("object not found")
	ErrInvalidKey       = errors.New("invalid object key")
	ErrSignatureInvalid = errors.New("url signature invalid")
	ErrURLExpired       = errors.New("url expired")
)

// Store is the artifact storage boundary. Keys are slash-separated relative
// paths such as "audio/<job-id>/output.mp3".
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(key string, ttl time.Duration) (string, error)
}

// FS stores objects under a root directory.
type FS struct {
	root    string
	baseURL string
	secret  []byte
	log     *slog.Logger
	now     func() time.Time
}

// NewFS creates the root directory if needed. baseURL is the externally
// reachable prefix for download URLs, e.g. "http://localhost:8080".
func NewFS(root, baseURL string, secret []byte, log *slog.Logger) (*FS, error) {
	if len(secret) == 0 {
		return nil, errors.New("objectstore: signing secret required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &FS{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		log:     log,
		now:     time.Now,
	}, nil
}

func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	// Write-then-rename so readers never observe a partial object.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish object: %w", err)
	}
	s.log.Debug("object stored", "key", key, "bytes", len(data))
	return nil
}

func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (s *FS) Delete(ctx context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// PresignedURL returns a time-limited download URL for key. The object does
// not have to exist yet. ttl <= 0 uses DefaultURLTTL.
func (s *FS) PresignedURL(key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return fmt.Sprintf("%s/files/%s?%s", s.baseURL, key, q.Encode()), nil
}

// VerifyURL checks the signature and expiry a download request carries.
func (s *FS) VerifyURL(key string, query url.Values) error {
	if err := validateKey(key); err != nil {
		return err
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(query.Get("sig"))) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > expires {
		return ErrURLExpired
	}
	return nil
}

func (s *FS) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *FS) resolve(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean != key || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

var _ Store = (*FS)(nil)
