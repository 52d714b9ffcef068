// Package resolver drives the common resolve pipeline shared by every
// package ecosystem: pull and pin the manifest's container image, create a
// container from it, dispatch to the registered ecosystem resolver, and
// assemble the resulting lockfile.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/imageref"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/manifest"
)

// Env bundles the services an ecosystem resolver needs beyond the running
// container itself.
type Env struct {
	Cache  *cache.Cache
	Logger log.Logger
}

// EcosystemResolver resolves a manifest's dependency list against a
// container already created from the pinned image.
type EcosystemResolver func(ctx context.Context, c *container.Container, deps []string, env Env) ([]lockfile.Package, error)

var (
	ecosystemsMu sync.RWMutex
	ecosystems   = make(map[manifest.System]EcosystemResolver)
)

// Register associates an ecosystem resolver with a manifest system
// identifier. Per-ecosystem resolver packages call this from init.
func Register(system manifest.System, r EcosystemResolver) {
	ecosystemsMu.Lock()
	defer ecosystemsMu.Unlock()
	ecosystems[system] = r
}

func get(system manifest.System) (EcosystemResolver, bool) {
	ecosystemsMu.RLock()
	defer ecosystemsMu.RUnlock()
	r, ok := ecosystems[system]
	return r, ok
}

// Options controls resolve behavior that isn't part of the manifest itself.
type Options struct {
	// NoPull skips the image pull step; the image must already be present
	// locally, or Inspect will fail.
	NoPull bool

	// Keep holds the resolver container alive after a successful resolve,
	// until the context is cancelled, instead of tearing it down immediately.
	Keep bool
}

// Resolve runs the full resolve pipeline: pull and inspect the manifest
// image, pin its reference to the digest inspect reports, dispatch to the
// registered resolver for manifest.Packages.System, and return a sorted
// lockfile. A manifest with no [packages] table produces a container-only
// lockfile.
func Resolve(ctx context.Context, driver *container.Driver, m *manifest.Manifest, env Env, opts Options) (*lockfile.Lockfile, error) {
	if env.Logger == nil {
		env.Logger = log.NewNoop()
	}

	container.EnsureUserNamespace(env.Logger)

	image := m.Container.Image

	if !opts.NoPull {
		env.Logger.Info("pulling image", "image", image)
		if err := driver.Pull(ctx, image); err != nil {
			return nil, err
		}
	}

	digest, err := driver.Inspect(ctx, image)
	if err != nil {
		return nil, err
	}

	ref, err := imageref.Parse(image)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest image %q: %w", image, err)
	}
	pinned := ref.Pin(digest)

	lock := &lockfile.Lockfile{
		Container: lockfile.Container{Image: pinned.Format()},
	}

	if m.Packages == nil {
		return lock, nil
	}

	resolve, ok := get(m.Packages.System)
	if !ok {
		return nil, fmt.Errorf("unknown package system %q", m.Packages.System)
	}

	c, err := driver.Create(ctx, pinned.Format(), container.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver container: %w", err)
	}

	var packages []lockfile.Package
	runErr := c.Run(ctx, func(ctx context.Context) error {
		pkgs, err := resolve(ctx, c, m.Packages.Dependencies, env)
		if err != nil {
			return err
		}
		packages = pkgs
		return nil
	}, opts.Keep)
	if runErr != nil {
		return nil, runErr
	}

	lock.Packages = packages
	lock.Sort()
	return lock, nil
}
