// Package manifest reads the user-authored repro-env.toml manifest: a
// container image reference plus an optional, ordered list of package
// dependencies to resolve against a package ecosystem.
package manifest

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// System identifies a supported OS package ecosystem.
type System string

const (
	SystemAlpine    System = "alpine"
	SystemArchLinux System = "archlinux"
	SystemDebian    System = "debian"
)

func (s System) valid() bool {
	switch s {
	case SystemAlpine, SystemArchLinux, SystemDebian:
		return true
	default:
		return false
	}
}

// Container is the [container] table of the manifest.
type Container struct {
	Image string `toml:"image"`
}

// Packages is the [packages] table of the manifest. Dependencies preserves
// the order the user wrote them in, which matters: the resolver drives the
// native package manager with a single command line built from this order,
// so the same manifest always produces the same command line.
type Packages struct {
	System       System   `toml:"system"`
	Dependencies []string `toml:"dependencies"`
}

// Manifest is the parsed contents of repro-env.toml. Packages is nil when
// the manifest declares no [packages] table (container-only manifest).
type Manifest struct {
	Container Container `toml:"container"`
	Packages  *Packages `toml:"packages"`
}

// Load reads and parses a manifest file from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	return &m, nil
}

// Validate checks structural invariants: a non-empty image reference, and
// (when [packages] is present) a recognized system identifier.
func (m *Manifest) Validate() error {
	if m.Container.Image == "" {
		return fmt.Errorf("container.image is required")
	}
	if m.Packages != nil && !m.Packages.System.valid() {
		return fmt.Errorf("unknown package system %q", m.Packages.System)
	}
	return nil
}
