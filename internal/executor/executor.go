// Package executor drives the build/fetch pipeline: download a lockfile's
// closure into the content-addressed cache, stage it into a scratch
// directory, bind-mount that directory into a freshly pinned container,
// install the packages offline, and run the user's build command.
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/repro-env/repro-env/internal/cache"
	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/manifest"
	"github.com/repro-env/repro-env/internal/pgp"
)

// Env bundles the services the executor needs beyond the container driver.
type Env struct {
	Cache  *cache.Cache
	Logger log.Logger
}

// BuildOptions controls behavior of Build beyond the lockfile and command.
type BuildOptions struct {
	// Keep holds the container alive after a successful build, until the
	// context is cancelled, instead of tearing it down immediately.
	Keep bool

	// Env is the set of NAME=value pairs to pass into the build command's
	// environment, in addition to the container's own.
	Env []string
}

// FetchOptions controls behavior of Fetch.
type FetchOptions struct {
	// NoPull skips pulling the lockfile's container image.
	NoPull bool
}

// Build loads the lockfile (and, if present, the manifest, to warn about
// unsatisfied dependencies), downloads and stages its package closure,
// creates a container from the pinned image with the staged closure
// bind-mounted in, installs the closure offline, and runs command in
// /build. The container and scratch directory are always cleaned up.
func Build(ctx context.Context, driver *container.Driver, lockPath, manifestPath string, env Env, command []string, opts BuildOptions) error {
	if env.Logger == nil {
		env.Logger = log.NewNoop()
	}

	container.EnsureUserNamespace(env.Logger)

	lock, err := lockfile.Load(lockPath)
	if err != nil {
		return err
	}
	warnIfUnsatisfied(env.Logger, manifestPath, lock)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	var staged []Staged
	var stageDir string
	if hasPending(lock) {
		stageDir, err = newScratchDir(env.Cache.Dir, "build-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(stageDir)

		staged, err = prepare(ctx, env.Cache, stageDir, lock)
		if err != nil {
			return err
		}
	}

	mounts := []container.Mount{{Source: cwd, Target: "/build"}}
	if stageDir != "" {
		mounts = append(mounts, container.Mount{Source: stageDir, Target: "/extra"})
	}

	c, err := driver.Create(ctx, lock.Container.Image, container.CreateOptions{Mounts: mounts})
	if err != nil {
		return fmt.Errorf("failed to create build container: %w", err)
	}

	return c.Run(ctx, func(ctx context.Context) error {
		if err := fakeArchClock(ctx, c, staged); err != nil {
			return err
		}
		if err := installOffline(ctx, c, staged); err != nil {
			return err
		}

		if _, err := c.Exec(ctx, command, container.ExecOptions{Cwd: "/build", Env: opts.Env}); err != nil {
			return fmt.Errorf("build command failed: %w", err)
		}
		return nil
	}, opts.Keep)
}

// Fetch loads the lockfile, optionally pulls its pinned image, and
// downloads and verifies its package closure into the cache, discarding the
// scratch staging directory afterward. It is Build with the container
// creation, install, and command-execution phases removed.
func Fetch(ctx context.Context, driver *container.Driver, lockPath string, env Env, opts FetchOptions) error {
	if env.Logger == nil {
		env.Logger = log.NewNoop()
	}

	lock, err := lockfile.Load(lockPath)
	if err != nil {
		return err
	}

	if !opts.NoPull {
		env.Logger.Info("pulling image", "image", lock.Container.Image)
		if err := driver.Pull(ctx, lock.Container.Image); err != nil {
			return err
		}
	}

	if !hasPending(lock) {
		return nil
	}

	stageDir, err := newScratchDir(env.Cache.Dir, "fetch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stageDir)

	_, err = prepare(ctx, env.Cache, stageDir, lock)
	return err
}

// newScratchDir creates a fresh temporary directory under cacheDir/tmp -
// the same filesystem as the package store, so staged files have a chance
// at a reflink clone instead of a full copy.
func newScratchDir(cacheDir, pattern string) (string, error) {
	base := filepath.Join(cacheDir, "tmp")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", base, err)
	}
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return dir, nil
}

func hasPending(lock *lockfile.Lockfile) bool {
	for _, p := range lock.Packages {
		if !p.Installed {
			return true
		}
	}
	return false
}

// warnIfUnsatisfied loads manifestPath if it exists and logs, but does not
// fail on, any dependency the lockfile does not satisfy.
func warnIfUnsatisfied(logger log.Logger, manifestPath string, lock *lockfile.Lockfile) {
	if manifestPath == "" {
		return
	}
	if _, err := os.Stat(manifestPath); err != nil {
		return
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		logger.Warn("failed to load manifest", "path", manifestPath, "error", err)
		return
	}

	if missing := lock.SatisfiedBy(m); len(missing) > 0 {
		logger.Warn("lockfile does not satisfy manifest", "missing", missing)
	}
}

// fakeArchClock sets pacman's signature verification clock to one second
// past the latest Arch signature's creation time, so every signature in
// the closure falls inside its validity window.
func fakeArchClock(ctx context.Context, c *container.Container, staged []Staged) error {
	var sigs [][]byte
	for _, s := range staged {
		if s.Package.System != manifest.SystemArchLinux {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(s.Package.Signature)
		if err != nil {
			return fmt.Errorf("package %s: failed to decode signature: %w", s.Package.Name, err)
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil
	}

	clock, err := pgp.FindMaxSignatureTime(sigs)
	if err != nil {
		return fmt.Errorf("failed to compute verification clock: %w", err)
	}

	content := fmt.Sprintf("faked-system-time %d\n", clock.Unix())
	if err := c.WriteFile(ctx, "/etc/pacman.d/gnupg", "gpg.conf", []byte(content)); err != nil {
		return fmt.Errorf("failed to write gpg.conf: %w", err)
	}
	return nil
}

// installOffline runs the ecosystem-appropriate package manager command
// against the bind-mounted /extra directory, entirely without network
// access.
func installOffline(ctx context.Context, c *container.Container, staged []Staged) error {
	if len(staged) == 0 {
		return nil
	}

	system := staged[0].Package.System
	var argv []string
	switch system {
	case manifest.SystemAlpine:
		argv = append([]string{"apk", "add", "--no-network", "--"}, extraPaths(staged)...)
	case manifest.SystemArchLinux:
		argv = append([]string{"pacman", "-U", "--noconfirm", "--"}, extraPaths(staged)...)
	case manifest.SystemDebian:
		argv = append([]string{"apt-get", "install", "--"}, extraPaths(staged)...)
	default:
		return fmt.Errorf("unknown package system %q", system)
	}

	if _, err := c.Exec(ctx, argv, container.ExecOptions{}); err != nil {
		return fmt.Errorf("offline install failed: %w", err)
	}
	return nil
}

func extraPaths(staged []Staged) []string {
	paths := make([]string, len(staged))
	for i, s := range staged {
		paths[i] = "/extra/" + s.Filename
	}
	return paths
}
