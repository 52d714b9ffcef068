// Package config resolves repro-env's environment-variable driven settings:
// the cache root directory and the user-namespace clone-check override.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// EnvHome overrides the cache root directly, taking precedence over
	// EnvCache and the OS default cache directory.
	EnvHome = "REPRO_ENV_HOME"

	// EnvCache overrides the cache root. Lower precedence than EnvHome.
	EnvCache = "REPRO_ENV_CACHE"

	// EnvSkipCloneCheck disables the user-namespace clone probe in internal/container
	// when set to a non-zero value. Useful in CI environments that already know
	// user namespaces aren't available or aren't needed.
	EnvSkipCloneCheck = "REPRO_ENV_SKIP_CLONE_CHECK"

	// EnvContainerBin overrides which container-runtime CLI binary to drive,
	// taking precedence over the podman/docker PATH lookup.
	EnvContainerBin = "REPRO_ENV_CONTAINER_BIN"

	// EnvPID1Stub overrides the path to the static PID-1 stub binary bind-mounted
	// as every created container's entrypoint.
	EnvPID1Stub = "REPRO_ENV_PID1_STUB"
)

// CacheDir resolves the cache root directory: $REPRO_ENV_HOME, then
// $REPRO_ENV_CACHE, then "<user cache dir>/repro-env".
func CacheDir() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	if v := os.Getenv(EnvCache); v != "" {
		return v, nil
	}

	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine user cache directory: %w", err)
	}
	return filepath.Join(base, "repro-env"), nil
}

// SkipCloneCheck reports whether REPRO_ENV_SKIP_CLONE_CHECK requests skipping
// the user-namespace probe before container creation.
func SkipCloneCheck() bool {
	v := os.Getenv(EnvSkipCloneCheck)
	return v != "" && v != "0"
}

// ContainerBin resolves the container-runtime CLI binary to drive:
// $REPRO_ENV_CONTAINER_BIN if set, else the first of "podman"/"docker"
// found on $PATH.
func ContainerBin() (string, error) {
	if v := os.Getenv(EnvContainerBin); v != "" {
		return v, nil
	}
	for _, name := range []string{"podman", "docker"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no container runtime found on PATH (looked for podman, docker); set %s to override", EnvContainerBin)
}

// PID1Stub resolves the path to the static PID-1 stub binary bind-mounted
// as every created container's entrypoint: $REPRO_ENV_PID1_STUB if set,
// else "repro-env-pid1" next to the running executable, else on $PATH.
func PID1Stub() (string, error) {
	if v := os.Getenv(EnvPID1Stub); v != "" {
		return v, nil
	}

	const name = "repro-env-pid1"
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("could not locate %s stub binary; set %s to its path", name, EnvPID1Stub)
}
