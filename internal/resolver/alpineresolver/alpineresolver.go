// Package alpineresolver resolves Alpine package dependencies by driving
// apk inside a pinned container, reading the signed index files it
// downloads, and reconciling Alpine's SHA-1 control-blob checksums against
// the content-addressed cache's SHA-256 keys.
package alpineresolver

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/repro-env/repro-env/internal/archive/apk"
	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/manifest"
	"github.com/repro-env/repro-env/internal/resolver"
)

func init() {
	resolver.Register(manifest.SystemAlpine, Resolve)
}

// indexEntry is one P/V/C/A record read from an APKINDEX.
type indexEntry struct {
	name, version, arch string
	sha1Hex             string
	repoURL             string
}

// Resolve runs apk inside c to determine the new or upgraded packages
// needed to satisfy deps, then pins each to a repo URL and content hash by
// reading the signed indices apk itself downloaded.
func Resolve(ctx context.Context, c *container.Container, deps []string, env resolver.Env) ([]lockfile.Package, error) {
	if _, err := c.Exec(ctx, []string{"apk", "update"}, container.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("apk update failed: %w", err)
	}

	before, err := installedSet(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot installed packages: %w", err)
	}

	if _, err := c.Exec(ctx, []string{"apk", "upgrade"}, container.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("apk upgrade failed: %w", err)
	}
	addArgs := append([]string{"apk", "add", "--"}, deps...)
	if _, err := c.Exec(ctx, addArgs, container.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("apk add failed: %w", err)
	}

	after, err := installedSet(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot installed packages: %w", err)
	}

	var closure []string
	for token := range after {
		if !before[token] {
			closure = append(closure, token)
		}
	}

	index, err := readIndex(ctx, c)
	if err != nil {
		return nil, err
	}

	var packages []lockfile.Package
	for _, token := range closure {
		entry, ok := index[token]
		if !ok {
			return nil, fmt.Errorf("package %s not found in any APKINDEX", token)
		}

		pkgURL := fmt.Sprintf("%s/%s/%s-%s.apk", entry.repoURL, entry.arch, entry.name, entry.version)
		sha256Hash, err := resolveSHA256(ctx, env, pkgURL, entry)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", token, err)
		}

		packages = append(packages, lockfile.Package{
			Name:    entry.name,
			Version: entry.version,
			System:  manifest.SystemAlpine,
			URL:     pkgURL,
			SHA256:  sha256Hash,
		})
	}

	return packages, nil
}

// installedSet returns the set of "name-version" tokens `apk info -v`
// reports as currently installed.
func installedSet(ctx context.Context, c *container.Container) (map[string]bool, error) {
	out, err := c.Exec(ctx, []string{"apk", "info", "-v"}, container.ExecOptions{CaptureStdout: true})
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			set[line] = true
		}
	}
	return set, scanner.Err()
}

// readIndex builds the full name-version -> indexEntry map by reading
// /etc/apk/repositories for the configured mirrors, then matching the
// corresponding APKINDEX.<8hex>.tar.gz files out of /var/cache/apk.
func readIndex(ctx context.Context, c *container.Container) (map[string]indexEntry, error) {
	reposData, err := c.Cat(ctx, "/etc/apk/repositories")
	if err != nil {
		return nil, fmt.Errorf("failed to read /etc/apk/repositories: %w", err)
	}

	filenameToRepo := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(reposData))
	for scanner.Scan() {
		repo := strings.TrimSpace(scanner.Text())
		if repo == "" || strings.HasPrefix(repo, "#") {
			continue
		}
		sum := sha1.Sum([]byte(repo))
		short := hex.EncodeToString(sum[:])[:8]
		filenameToRepo["APKINDEX."+short+".tar.gz"] = repo
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan /etc/apk/repositories: %w", err)
	}

	cacheData, err := c.Tar(ctx, "/var/cache/apk")
	if err != nil {
		return nil, fmt.Errorf("failed to read /var/cache/apk: %w", err)
	}

	index := make(map[string]indexEntry)
	tr := tar.NewReader(bytes.NewReader(cacheData))
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read apk cache tar: %w", err)
		}

		base := basename(th.Name)
		repoURL, ok := filenameToRepo[base]
		if !ok {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", th.Name, err)
		}

		if err := parseAPKIndexFile(content, repoURL, index); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", base, err)
		}
	}
	return index, nil
}

func basename(p string) string {
	if i := strings.LastIndexByte(p, '/'); i != -1 {
		return p[i+1:]
	}
	return p
}

// parseAPKIndexFile strips the leading detached-signature gzip member from
// a cached APKINDEX.<hex>.tar.gz, decodes the remaining tar.gz, and parses
// its APKINDEX file into index.
func parseAPKIndexFile(data []byte, repoURL string, index map[string]indexEntry) error {
	skip, err := apk.FirstMemberLength(data)
	if err != nil {
		return fmt.Errorf("failed to skip signature stream: %w", err)
	}
	if skip > len(data) {
		return fmt.Errorf("signature stream overruns archive")
	}

	gz, err := gzip.NewReader(bytes.NewReader(data[skip:]))
	if err != nil {
		return fmt.Errorf("failed to open index tar.gz: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("APKINDEX file not found")
		}
		if err != nil {
			return fmt.Errorf("failed to read index tar: %w", err)
		}
		if th.Name != "APKINDEX" {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("failed to read APKINDEX: %w", err)
		}
		parseAPKIndexRecords(content, repoURL, index)
		return nil
	}
}

// parseAPKIndexRecords parses the line-based P/V/C/A key-value format of an
// APKINDEX file; blank lines terminate records.
func parseAPKIndexRecords(content []byte, repoURL string, index map[string]indexEntry) {
	var name, version, arch, checksum string

	flush := func() {
		if name != "" && version != "" {
			sha1Hex := ""
			if strings.HasPrefix(checksum, "Q1") {
				if raw, err := base64.StdEncoding.DecodeString(checksum[2:]); err == nil {
					sha1Hex = hex.EncodeToString(raw)
				}
			}
			token := name + "-" + version
			index[token] = indexEntry{name: name, version: version, arch: arch, sha1Hex: sha1Hex, repoURL: repoURL}
		}
		name, version, arch, checksum = "", "", "", ""
	}

	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			flush()
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'P':
			name = value
		case 'V':
			version = value
		case 'C':
			checksum = value
		case 'A':
			arch = value
		}
	}
	flush()
}

// resolveSHA256 determines the SHA-256 content hash for the apk at pkgURL,
// preferring the sha1->sha256 cache index entry if one already exists, and
// otherwise downloading the package, verifying its control-blob SHA-1
// against Alpine's index value, storing it, and recording the mapping.
func resolveSHA256(ctx context.Context, env resolver.Env, pkgURL string, entry indexEntry) (string, error) {
	if entry.sha1Hex == "" {
		return "", fmt.Errorf("missing checksum in APKINDEX")
	}

	if existing, err := env.Cache.Sha1ReadLink(entry.sha1Hex); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkgURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", pkgURL, err)
	}
	resp, err := env.Cache.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pkgURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: unexpected status %s", pkgURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", pkgURL, err)
	}

	gotSHA1, err := apk.ControlSHA1(data)
	if err != nil {
		return "", fmt.Errorf("failed to compute control checksum: %w", err)
	}
	if hex.EncodeToString(gotSHA1[:]) != entry.sha1Hex {
		return "", fmt.Errorf("control checksum mismatch for %s", pkgURL)
	}

	sum := sha256.Sum256(data)
	sha256Hash := hex.EncodeToString(sum[:])
	if _, err := env.Cache.Store(data); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", pkgURL, err)
	}
	if err := env.Cache.Sha1ToSha256Link(entry.sha1Hex, sha256Hash); err != nil {
		return "", fmt.Errorf("failed to link %s: %w", pkgURL, err)
	}

	return sha256Hash, nil
}
