// Package lockfile reads and writes repro-env.lock: the resolver's pinned,
// reproducible record of the container image and every package that goes
// into the build environment.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/repro-env/repro-env/internal/manifest"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Container is the [container] table of the lockfile: the pinned, canonical
// repo@digest image reference.
type Container struct {
	Image string `toml:"image"`
}

// Package is one [[package]] record: a single pinned artifact.
type Package struct {
	Name      string          `toml:"name"`
	Version   string          `toml:"version"`
	System    manifest.System `toml:"system"`
	URL       string          `toml:"url"`
	Provides  []string        `toml:"provides,omitempty"`
	SHA256    string          `toml:"sha256"`
	Signature string          `toml:"signature,omitempty"` // base64, Arch only
	Installed bool            `toml:"installed,omitempty"`
}

// Lockfile is the full parsed contents of repro-env.lock.
type Lockfile struct {
	Container Container `toml:"container"`
	Packages  []Package `toml:"package"`
}

// Validate checks the per-record invariants from the data model: sha256 is
// 64 lowercase hex characters, and System constrains which keys are
// meaningful (archlinux requires a signature, debian and alpine forbid one).
func (l *Lockfile) Validate() error {
	for i, p := range l.Packages {
		if !sha256Pattern.MatchString(p.SHA256) {
			return fmt.Errorf("package %s %s: invalid sha256 %q: must be 64 lowercase hex characters", p.Name, p.Version, p.SHA256)
		}
		switch p.System {
		case manifest.SystemArchLinux:
			if p.Signature == "" {
				return fmt.Errorf("package %s %s: archlinux packages require a signature", p.Name, p.Version)
			}
		case manifest.SystemDebian:
			if p.Signature != "" {
				return fmt.Errorf("package %s %s: debian packages must not have a signature", p.Name, p.Version)
			}
		case manifest.SystemAlpine:
			if p.Signature != "" {
				return fmt.Errorf("package %s %s: alpine packages must not have a signature", p.Name, p.Version)
			}
		default:
			return fmt.Errorf("package %d (%s %s): unknown system %q", i, p.Name, p.Version, p.System)
		}
	}
	return nil
}

// Sort orders packages by (name, version, system) ascending, the order the
// resolver is required to emit for a deterministic lockfile.
func (l *Lockfile) Sort() {
	sort.SliceStable(l.Packages, func(i, j int) bool {
		a, b := l.Packages[i], l.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.System < b.System
	})
}

// Load reads and parses a lockfile from path.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile %s: %w", path, err)
	}

	var l Lockfile
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile %s: %w", path, err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lockfile %s: %w", path, err)
	}
	return &l, nil
}

// Write serializes the lockfile to path using the write-temp-fsync-rename
// pattern so a reader never observes a partially written lockfile.
func Write(l *Lockfile, path string) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid lockfile: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	tmpFile, err := os.CreateTemp(dir, ".repro-env-lock-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := toml.NewEncoder(tmpFile)
	if err := encoder.Encode(l); err != nil {
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	success = true
	return nil
}

// SatisfiedBy returns the dependencies in m that the lockfile does not
// satisfy; an empty result means every dependency is satisfied.
// A dependency "name[=version]" is satisfied by any record whose Name
// matches, or whose Provides list contains the name. The version, if given,
// is parsed but intentionally never compared - this mirrors the observed
// behavior of the original tool and is preserved verbatim (see DESIGN.md).
func (l *Lockfile) SatisfiedBy(m *manifest.Manifest) []string {
	if m.Packages == nil {
		return nil
	}

	var missing []string
	for _, dep := range m.Packages.Dependencies {
		name := dep
		if i := strings.IndexByte(dep, '='); i != -1 {
			name = dep[:i]
		}

		if !l.provides(name) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (l *Lockfile) provides(name string) bool {
	for _, p := range l.Packages {
		if p.Name == name {
			return true
		}
		for _, provided := range p.Provides {
			if provided == name {
				return true
			}
		}
	}
	return false
}
