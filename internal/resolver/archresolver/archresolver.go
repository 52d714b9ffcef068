// Package archresolver resolves Arch Linux package dependencies by driving
// pacman inside a pinned container and reading the sync databases it
// downloads, rather than talking to any repository directly.
package archresolver

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/manifest"
	"github.com/repro-env/repro-env/internal/resolver"
)

func init() {
	resolver.Register(manifest.SystemArchLinux, Resolve)
}

// desc is one package's %KEY%\nvalue\n... record, as read from a pacman
// sync database's per-package desc file.
type desc map[string]string

// Resolve runs pacman inside c to determine the full dependency closure for
// deps, then pins each package to a specific file and checksum by reading
// the sync databases pacman itself downloaded.
func Resolve(ctx context.Context, c *container.Container, deps []string, env resolver.Env) ([]lockfile.Package, error) {
	if _, err := c.Exec(ctx, []string{"pacman", "-Sy"}, container.ExecOptions{}); err != nil {
		return nil, fmt.Errorf("pacman -Sy failed: %w", err)
	}

	args := append([]string{"pacman", "-Sup", "--print-format", "%r %n %v", "--"}, deps...)
	out, err := c.Exec(ctx, args, container.ExecOptions{CaptureStdout: true})
	if err != nil {
		return nil, fmt.Errorf("pacman -Sup failed: %w", err)
	}

	type want struct {
		repo, name, version string
	}
	var wanted []want
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected pacman -Sup line: %q", line)
		}
		wanted = append(wanted, want{repo: fields[0], name: fields[1], version: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pacman -Sup output: %w", err)
	}

	dbs := make(map[string]map[string]desc)
	packages := make([]lockfile.Package, 0, len(wanted))

	for _, w := range wanted {
		byName, ok := dbs[w.repo]
		if !ok {
			var err error
			byName, err = fetchSyncDB(ctx, c, w.repo)
			if err != nil {
				return nil, err
			}
			dbs[w.repo] = byName
		}

		d, ok := byName[w.name]
		if !ok {
			return nil, fmt.Errorf("package %s not found in %s sync database", w.name, w.repo)
		}

		url, err := archiveURL(d)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", w.name, err)
		}
		sha256Hash := d["SHA256SUM"]
		if sha256Hash == "" {
			return nil, fmt.Errorf("package %s is missing %%SHA256SUM%%", w.name)
		}
		sig := d["PGPSIG"]
		if sig == "" {
			return nil, fmt.Errorf("package %s is missing %%PGPSIG%%", w.name)
		}

		packages = append(packages, lockfile.Package{
			Name:      w.name,
			Version:   w.version,
			System:    manifest.SystemArchLinux,
			URL:       url,
			SHA256:    sha256Hash,
			Signature: sig,
		})
	}

	return packages, nil
}

func archiveURL(d desc) (string, error) {
	filename := d["FILENAME"]
	if filename == "" {
		return "", fmt.Errorf("missing %%FILENAME%%")
	}
	name := d["NAME"]
	if name == "" {
		return "", fmt.Errorf("missing %%NAME%%")
	}
	return fmt.Sprintf("https://archive.archlinux.org/packages/%c/%s/%s", name[0], name, filename), nil
}

// fetchSyncDB reads /var/lib/pacman/sync/<repo>.db from the container - a
// gzip-compressed tar whose entries are <name>-<version>/desc files - and
// indexes it by package name.
func fetchSyncDB(ctx context.Context, c *container.Container, repo string) (map[string]desc, error) {
	data, err := c.Cat(ctx, "/var/lib/pacman/sync/"+repo+".db")
	if err != nil {
		return nil, fmt.Errorf("failed to read sync database for %s: %w", repo, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open sync database for %s: %w", repo, err)
	}
	defer gz.Close()

	byName := make(map[string]desc)
	tr := tar.NewReader(gz)
	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read sync database tar for %s: %w", repo, err)
		}
		if !strings.HasSuffix(th.Name, "/desc") {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", th.Name, err)
		}
		d := parseDesc(content)
		if d["NAME"] != "" {
			byName[d["NAME"]] = d
		}
	}
	return byName, nil
}

// parseDesc parses a pacman desc file: repeated sections of a %KEY% line
// followed by one or more value lines, terminated by a blank line.
func parseDesc(data []byte) desc {
	d := make(desc)
	lines := strings.Split(string(data), "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "%") || !strings.HasSuffix(line, "%") || len(line) < 2 {
			continue
		}
		key := strings.Trim(line, "%")

		var values []string
		for i+1 < len(lines) && lines[i+1] != "" {
			i++
			values = append(values, lines[i])
		}
		d[key] = strings.Join(values, "\n")
	}
	return d
}
