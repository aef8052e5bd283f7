// Package imagecache maintains a content-addressed local cache of base VM
// images, keyed by a hash of their source URL, with checksum verification
// on every cache hit and miss. The richer HTTP download path (resumability,
// progress reporting, retries) is out of scope; EnsureImage performs a
// single unconditional GET.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c2h5oh/datasize"

	"github.com/intar-labs/intar/internal/scenario"
)

// Cache is a directory of downloaded base images, optionally bounded to a
// maximum total size.
type Cache struct {
	dir     string
	maxSize datasize.ByteSize
}

// New constructs a Cache rooted at dir with no size limit.
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// NewWithLimit constructs a Cache rooted at dir that evicts its
// least-recently-modified images after every download once the cache's
// total size exceeds maxSize. A zero maxSize means unlimited.
func NewWithLimit(dir string, maxSize datasize.ByteSize) *Cache {
	return &Cache{dir: dir, maxSize: maxSize}
}

// IsCached reports whether source is already present in the cache.
func (c *Cache) IsCached(source scenario.ImageSource) bool {
	_, err := os.Stat(filepath.Join(c.dir, cacheFilename(source.URL, source.Arch)))
	return err == nil
}

// GetCachedPath returns the local path for source if already cached.
func (c *Cache) GetCachedPath(source scenario.ImageSource) (string, bool) {
	path := filepath.Join(c.dir, cacheFilename(source.URL, source.Arch))
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// EnsureImage returns a checksum-verified local path for source,
// downloading it first if not already cached.
func (c *Cache) EnsureImage(ctx context.Context, source scenario.ImageSource) (string, error) {
	path := filepath.Join(c.dir, cacheFilename(source.URL, source.Arch))

	if _, err := os.Stat(path); err == nil {
		if err := verifyChecksum(path, source.Checksum); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create image cache dir: %w", err)
	}

	if err := download(ctx, source.URL, path); err != nil {
		return "", err
	}

	if err := verifyChecksum(path, source.Checksum); err != nil {
		return "", err
	}

	if c.maxSize > 0 {
		if err := c.evictUntilUnderLimit(path); err != nil {
			return "", fmt.Errorf("enforce image cache size limit: %w", err)
		}
	}

	return path, nil
}

// evictUntilUnderLimit removes the least-recently-modified cached images
// (other than justDownloaded) until the cache's total size is at or under
// maxSize.
func (c *Cache) evictUntilUnderLimit(justDownloaded string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	type cachedFile struct {
		path    string
		size    int64
		modTime int64
	}
	var files []cachedFile
	var total int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		total += info.Size()
		if path == justDownloaded {
			continue
		}
		files = append(files, cachedFile{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, f := range files {
		if datasize.ByteSize(total) <= c.maxSize {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
	}

	return nil
}

// ListCachedImages returns every .img/.qcow2 file currently in the cache
// directory.
func (c *Cache) ListCachedImages() ([]string, error) {
	var images []string

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return images, nil
		}
		return nil, fmt.Errorf("read image cache dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".img", ".qcow2":
			images = append(images, filepath.Join(c.dir, entry.Name()))
		}
	}

	return images, nil
}

func download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build image download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download image: unexpected status %s", resp.Status)
	}

	tmpPath := dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create image download temp file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write image download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close image download temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize image download: %w", err)
	}

	return nil
}

func verifyChecksum(path, expected string) error {
	expectedHash, ok := strings.CutPrefix(expected, "sha256:")
	if !ok {
		// Unknown checksum format: skip verification rather than fail a
		// scenario over an image source that predates the sha256 scheme.
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image for checksum verification: %w", err)
	}

	sum := sha256.Sum256(data)
	actualHash := hex.EncodeToString(sum[:])

	if actualHash != expectedHash {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedHash, actualHash)
	}

	return nil
}

func cacheFilename(url, arch string) string {
	sum := sha256.Sum256([]byte(url))
	urlHash := hex.EncodeToString(sum[:8])

	basename := url
	if idx := strings.LastIndexByte(basename, '/'); idx >= 0 {
		basename = basename[idx+1:]
	}
	basename = strings.TrimSuffix(basename, ".qcow2")
	basename = strings.TrimSuffix(basename, ".img")

	return fmt.Sprintf("%s-%s-%s.img", basename, arch, urlHash)
}
