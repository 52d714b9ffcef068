package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/repro-env/repro-env/internal/archive/apk"
	"github.com/repro-env/repro-env/internal/archive/arch"
	"github.com/repro-env/repro-env/internal/archive/deb"
	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/manifest"
)

// Staged is one package materialized on disk, ready to be bind-mounted into
// a container for an offline install.
type Staged struct {
	Package  lockfile.Package
	Filename string
}

// filename derives the on-disk name of a package from its lockfile URL,
// the same basename the package manager will see under /extra.
func filename(p lockfile.Package) (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("package %s: failed to parse url %q: %w", p.Name, p.URL, err)
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("package %s: url %q has no filename", p.Name, p.URL)
	}
	return base, nil
}

// download ensures every package not already marked installed is present
// in the content-addressed cache.
func download(ctx context.Context, c *cache.Cache, pkgs []lockfile.Package) error {
	for _, p := range pkgs {
		if _, err := c.Fetch(ctx, p.URL, p.SHA256); err != nil {
			return fmt.Errorf("failed to download %s %s: %w", p.Name, p.Version, err)
		}
	}
	return nil
}

// stage reflink-or-copies every downloaded package into dir, writing a
// companion .sig file for Arch's detached signatures, and returns each
// package's staged filename.
func stage(c *cache.Cache, dir string, pkgs []lockfile.Package) ([]Staged, error) {
	staged := make([]Staged, 0, len(pkgs))
	for _, p := range pkgs {
		name, err := filename(p)
		if err != nil {
			return nil, err
		}

		cachedPath, err := c.Path(p.SHA256)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", p.Name, err)
		}

		dstPath := filepath.Join(dir, name)
		if err := reflinkOrCopy(cachedPath, dstPath); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}

		if p.System == manifest.SystemArchLinux {
			sig, err := base64.StdEncoding.DecodeString(p.Signature)
			if err != nil {
				return nil, fmt.Errorf("package %s: failed to decode signature: %w", p.Name, err)
			}
			if err := os.WriteFile(dstPath+".sig", sig, 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s.sig: %w", dstPath, err)
			}
		}

		staged = append(staged, Staged{Package: p, Filename: name})
	}
	return staged, nil
}

// verify re-derives each staged file's embedded name/version via the
// ecosystem-appropriate archive reader and requires it to match the
// lockfile record exactly.
func verify(dir string, staged []Staged) error {
	for _, s := range staged {
		data, err := os.ReadFile(filepath.Join(dir, s.Filename))
		if err != nil {
			return fmt.Errorf("failed to read staged file %s: %w", s.Filename, err)
		}

		var name, version string
		switch s.Package.System {
		case manifest.SystemArchLinux:
			info, err := arch.Parse(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", s.Filename, err)
			}
			name, version = info.Name, info.Version
		case manifest.SystemDebian:
			info, err := deb.Parse(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", s.Filename, err)
			}
			name, version = info.Name, info.Version
		case manifest.SystemAlpine:
			info, err := apk.Parse(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", s.Filename, err)
			}
			name, version = info.Name, info.Version
		default:
			return fmt.Errorf("unknown package system %q for %s", s.Package.System, s.Filename)
		}

		if name != s.Package.Name || version != s.Package.Version {
			return fmt.Errorf("staged file %s embeds %s %s, lockfile expects %s %s",
				s.Filename, name, version, s.Package.Name, s.Package.Version)
		}
	}
	return nil
}

// prepare runs the full download/stage/verify sequence for every package in
// lock not already marked installed, materializing the result under dir.
func prepare(ctx context.Context, c *cache.Cache, dir string, lock *lockfile.Lockfile) ([]Staged, error) {
	var pending []lockfile.Package
	for _, p := range lock.Packages {
		if !p.Installed {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	if err := download(ctx, c, pending); err != nil {
		return nil, err
	}
	staged, err := stage(c, dir, pending)
	if err != nil {
		return nil, err
	}
	if err := verify(dir, staged); err != nil {
		return nil, err
	}
	return staged, nil
}
