// Package cache implements the content-addressed on-disk package store:
// a sharded layout keyed by SHA-256, with locked concurrent downloads and
// an auxiliary index mapping Alpine's native short hash to the strong hash.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/repro-env/repro-env/internal/config"
	"github.com/repro-env/repro-env/internal/log"
)

var hexPattern = regexp.MustCompile(`^[0-9A-Za-z]{64}$`)

// Cache is a content-addressed package store rooted at Dir.
type Cache struct {
	Dir    string
	Client *http.Client
	Logger log.Logger
}

// New opens a Cache at the configured root directory, creating it if absent.
func New(client *http.Client, logger log.Logger) (*Cache, error) {
	dir, err := config.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	if logger == nil {
		logger = log.NewNoop()
	}
	if err := os.MkdirAll(filepath.Join(dir, "pkgs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{Dir: dir, Client: client, Logger: logger}, nil
}

// Path returns the sharded on-disk path for the package with content hash h,
// without checking that the file exists.
func Path(dir, h string) (string, error) {
	if !hexPattern.MatchString(h) {
		return "", fmt.Errorf("unexpected sha256 length/chars: %q", h)
	}
	return filepath.Join(dir, "pkgs", h[:2], h[2:]), nil
}

// Path is a convenience wrapper around the package-level Path using c.Dir.
func (c *Cache) Path(h string) (string, error) {
	return Path(c.Dir, h)
}

// Has reports whether the package with content hash h is already cached.
func (c *Cache) Has(h string) (bool, error) {
	p, err := c.Path(h)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return true, nil
}

// Fetch ensures the package with content hash sha256Hash is present in the
// cache, downloading it from url if necessary, and returns its on-disk path.
//
// The protocol guarantees at-most-one concurrent download per hash across
// processes sharing the cache directory: the target is only ever written
// via its .tmp sibling, held under an advisory exclusive flock, and moved
// into place with fsync-then-rename. Readers of an already-renamed target
// need no coordination.
func (c *Cache) Fetch(ctx context.Context, url, sha256Hash string) (string, error) {
	target, err := c.Path(sha256Hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(target); err == nil {
		c.Logger.Debug("cache hit", "sha256", sha256Hash)
		return target, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat %s: %w", target, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmpPath := target + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", tmpPath, err)
	}
	defer tmpFile.Close()

	if err := syscall.Flock(int(tmpFile.Fd()), syscall.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", tmpPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(tmpFile.Fd()), syscall.LOCK_UN)
	}()

	// A peer may have finished the download and renamed into place while we
	// waited on the lock.
	if _, err := os.Stat(target); err == nil {
		c.Logger.Debug("cache hit after lock wait", "sha256", sha256Hash)
		return target, nil
	}

	c.Logger.Info("downloading package", "url", url, "sha256", sha256Hash)

	if err := tmpFile.Truncate(0); err != nil {
		return "", fmt.Errorf("failed to truncate %s: %w", tmpPath, err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek %s: %w", tmpPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: unexpected status %s", url, resp.Status)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body); err != nil {
		_ = tmpFile.Truncate(0)
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != sha256Hash {
		_ = tmpFile.Truncate(0)
		return "", fmt.Errorf("sha256 mismatch, expected=%s, downloaded=%s", sha256Hash, got)
	}

	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("failed to rename %s to %s: %w", tmpPath, target, err)
	}

	c.Logger.Debug("download complete", "sha256", sha256Hash, "path", target)
	return target, nil
}

// Store writes data into the cache under its own SHA-256 hash, computed
// from data rather than supplied up front. Used when the only strong hash
// known ahead of the download is a different algorithm entirely (Alpine's
// APKINDEX only gives a SHA-1 of the control blob, not a SHA-256 of the
// whole apk). Idempotent: a pre-existing target is left untouched.
func (c *Cache) Store(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])

	target, err := c.Path(h)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(target), ".store-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return "", fmt.Errorf("failed to rename %s to %s: %w", tmpPath, target, err)
	}

	success = true
	return h, nil
}

// Sha1ReadLink reads the Alpine sha1->sha256 index entry for the given sha1
// hash, returning the sha256 hash it points to. Returns "" with no error if
// no entry exists yet.
func (c *Cache) Sha1ReadLink(sha1 string) (string, error) {
	if len(sha1) < 2 {
		return "", fmt.Errorf("invalid sha1 %q", sha1)
	}
	linkPath := filepath.Join(c.Dir, "alpine", sha1[:2], sha1[2:])

	dest, err := os.Readlink(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read link %s: %w", linkPath, err)
	}

	// dest is relative to linkPath's directory, of the form
	// ../../pkgs/<shard>/<rest>; reconstruct the sha256 by joining and
	// re-splitting the final two path components.
	resolved := filepath.Join(filepath.Dir(linkPath), dest)
	shard := filepath.Base(filepath.Dir(resolved))
	rest := filepath.Base(resolved)
	return shard + rest, nil
}

// Sha1ToSha256Link creates the Alpine sha1->sha256 index entry, symlinking
// alpine/<sha1[0:2]>/<sha1[2:]> to the existing pkgs/<sha256[0:2]>/<sha256[2:]>
// entry, using a path relative to the link's own directory.
func (c *Cache) Sha1ToSha256Link(sha1, sha256Hash string) error {
	if len(sha1) < 2 {
		return fmt.Errorf("invalid sha1 %q", sha1)
	}
	if !hexPattern.MatchString(sha256Hash) {
		return fmt.Errorf("unexpected sha256 length/chars: %q", sha256Hash)
	}

	linkDir := filepath.Join(c.Dir, "alpine", sha1[:2])
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", linkDir, err)
	}

	linkPath := filepath.Join(linkDir, sha1[2:])
	target := filepath.Join("..", "..", "pkgs", sha256Hash[:2], sha256Hash[2:])

	if err := os.Symlink(target, linkPath); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("failed to symlink %s: %w", linkPath, err)
	}
	return nil
}
