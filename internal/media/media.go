package media

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/h2non/filetype"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// ResolveURL joins a media path from the backend with the configured CDN
// base. Absolute URLs pass through untouched.
func ResolveURL(base, path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Cache is a content-addressed disk cache for avatars and message images.
// Files are stored under a two-level fan-out derived from the blake2b hash
// of the source URL; concurrent fetches of the same URL are collapsed into
// one download.
type Cache struct {
	root  string
	http  *resty.Client
	group singleflight.Group
}

func NewCache(root string, client *resty.Client) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: root, http: client}, nil
}

func (c *Cache) path(url string) string {
	sum := blake2b.Sum256([]byte(url))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(c.root, hash[:2], hash)
}

// Get returns the local path of the file and its sniffed MIME type,
// downloading it on a cache miss.
func (c *Cache) Get(ctx context.Context, url string) (string, string, error) {
	path := c.path(url)

	if _, err := os.Stat(path); err == nil {
		return path, sniffMime(path), nil
	}

	_, err, _ := c.group.Do(url, func() (any, error) {
		return nil, c.download(ctx, url, path)
	})
	if err != nil {
		return "", "", err
	}

	return path, sniffMime(path), nil
}

func (c *Cache) download(ctx context.Context, url, path string) error {
	// A racing fetch may have finished while we waited on the group.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode())
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(resp.Body()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

func sniffMime(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	// filetype needs only the first few hundred bytes.
	head := make([]byte, 262)
	n, _ := f.Read(head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}
