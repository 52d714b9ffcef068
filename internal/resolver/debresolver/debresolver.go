// Package debresolver resolves Debian package dependencies by driving
// apt-get inside a pinned container, reading the package lists it downloads,
// and translating the resulting mirror URLs into stable snapshot.debian.org
// URLs so the same lockfile keeps working after the mirror rotates content.
package debresolver

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/manifest"
	"github.com/repro-env/repro-env/internal/resolver"
)

func init() {
	resolver.Register(manifest.SystemDebian, Resolve)
}

// stanza is one parsed RFC822-style Packages record.
type stanza struct {
	name, version, sha256 string
	provides              []string
	raw                   string
}

var printURIsPattern = regexp.MustCompile(`^'([^']+)'\s+(\S+)\s+(\d+)\s+MD5Sum:([0-9a-fA-F]+)$`)

type snapshotInfo struct {
	ArchiveName string `json:"archive_name"`
	FirstSeen   string `json:"first_seen"`
	Path        string `json:"path"`
	Name        string `json:"name"`
}

// Resolve runs apt-get inside c to determine the upgrade set for deps, maps
// each resulting package onto the Packages stanza apt itself downloaded, and
// rewrites its URL to a time-stable snapshot.debian.org location.
func Resolve(ctx context.Context, c *container.Container, deps []string, env resolver.Env) ([]lockfile.Package, error) {
	if _, err := c.Exec(ctx, []string{"apt-get", "update"}, container.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("apt-get update failed: %w", err)
	}

	byFilename, err := readPackageLists(ctx, c)
	if err != nil {
		return nil, err
	}

	args := append([]string{"apt-get", "-qq", "--print-uris", "--no-install-recommends", "upgrade", "--"}, deps...)
	out, err := c.Exec(ctx, args, container.ExecOptions{CaptureStdout: true})
	if err != nil {
		return nil, fmt.Errorf("apt-get --print-uris failed: %w", err)
	}

	depSet := make(map[string]bool, len(deps))
	for _, d := range deps {
		if i := strings.IndexByte(d, '='); i != -1 {
			d = d[:i]
		}
		depSet[d] = true
	}

	var packages []lockfile.Package
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := printURIsPattern.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("unexpected apt-get --print-uris line: %q", line)
		}
		mirrorURL := m[1]

		u, err := url.Parse(mirrorURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse uri %q: %w", mirrorURL, err)
		}
		decoded, err := url.PathUnescape(path.Base(u.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to decode uri path %q: %w", u.Path, err)
		}

		st, ok := byFilename[decoded]
		if !ok {
			return nil, fmt.Errorf("no Packages stanza found for %q (from %s)", decoded, mirrorURL)
		}

		snapURL, err := snapshotURL(ctx, env, mirrorURL, st.sha256)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", st.name, err)
		}

		var provides []string
		for _, p := range st.provides {
			if depSet[p] {
				provides = append(provides, p)
			}
		}

		packages = append(packages, lockfile.Package{
			Name:     st.name,
			Version:  st.version,
			System:   manifest.SystemDebian,
			URL:      snapURL,
			Provides: provides,
			SHA256:   st.sha256,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan apt-get --print-uris output: %w", err)
	}

	return packages, nil
}

// readPackageLists copies /var/lib/apt/lists out of the container, decodes
// its LZ4-compressed Packages indices, and indexes every stanza by the
// basename of its Filename field.
func readPackageLists(ctx context.Context, c *container.Container) (map[string]stanza, error) {
	data, err := c.Tar(ctx, "/var/lib/apt/lists")
	if err != nil {
		return nil, fmt.Errorf("failed to read apt lists: %w", err)
	}

	byFilename := make(map[string]stanza)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read apt lists tar: %w", err)
		}
		if th.Typeflag != tar.TypeReg || !strings.HasSuffix(th.Name, ".lz4") {
			continue
		}

		content, err := io.ReadAll(lz4.NewReader(tr))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", th.Name, err)
		}

		for _, st := range parseStanzas(content) {
			if st.name == "" {
				continue
			}
			filename := st.filename
			if existing, ok := byFilename[filename]; ok {
				if existing.raw != st.raw {
					return nil, fmt.Errorf("conflicting Packages stanzas for %s", filename)
				}
				continue
			}
			byFilename[filename] = st.stanza
		}
	}
	return byFilename, nil
}

type parsedStanza struct {
	stanza
	filename string
}

// parseStanzas splits content into RFC822-style stanzas separated by blank
// lines, folding continuation lines (leading whitespace) into the previous
// field's value.
func parseStanzas(content []byte) []parsedStanza {
	var stanzas []parsedStanza
	for _, block := range strings.Split(string(content), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		fields := parseFields(block)

		var provides []string
		if v := fields["Provides"]; v != "" {
			for _, p := range strings.Split(v, ",") {
				provides = append(provides, strings.TrimSpace(stripVersionConstraint(p)))
			}
		}

		stanzas = append(stanzas, parsedStanza{
			stanza: stanza{
				name:     fields["Package"],
				version:  fields["Version"],
				sha256:   fields["SHA256"],
				provides: provides,
				raw:      block,
			},
			filename: path.Base(fields["Filename"]),
		})
	}
	return stanzas
}

func stripVersionConstraint(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '('); i != -1 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

func parseFields(block string) map[string]string {
	fields := make(map[string]string)
	var key string
	var value strings.Builder

	flush := func() {
		if key != "" {
			fields[key] = value.String()
		}
	}

	for _, line := range strings.Split(block, "\n") {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			value.WriteString("\n")
			value.WriteString(line)
			continue
		}
		if i := strings.IndexByte(line, ':'); i != -1 {
			flush()
			key = strings.TrimSpace(line[:i])
			value.Reset()
			value.WriteString(strings.TrimSpace(line[i+1:]))
		}
	}
	flush()
	return fields
}

// snapshotURL downloads the package into the content-addressed cache (or
// reuses an already-cached copy), then resolves its snapshot.debian.org
// archive URL from the SHA-1 of its bytes.
func snapshotURL(ctx context.Context, env resolver.Env, mirrorURL, sha256Hash string) (string, error) {
	cachedPath, err := env.Cache.Fetch(ctx, mirrorURL, sha256Hash)
	if err != nil {
		return "", fmt.Errorf("failed to fetch package: %w", err)
	}

	data, err := os.ReadFile(cachedPath)
	if err != nil {
		return "", fmt.Errorf("failed to read cached package %s: %w", cachedPath, err)
	}
	sum := sha1.Sum(data)
	sha1Hex := hex.EncodeToString(sum[:])

	infoURL := "https://snapshot.debian.org/mr/file/" + sha1Hex + "/info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build snapshot lookup request: %w", err)
	}
	resp, err := env.Cache.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", infoURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("snapshot lookup for %s returned status %s", infoURL, resp.Status)
	}

	var result struct {
		Result []snapshotInfo `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode snapshot lookup response: %w", err)
	}
	if len(result.Result) == 0 {
		return "", fmt.Errorf("snapshot lookup for %s returned no results", infoURL)
	}
	info := result.Result[0]

	return fmt.Sprintf("https://snapshot.debian.org/archive/%s/%s%s/%s", info.ArchiveName, info.FirstSeen, info.Path, info.Name), nil
}
