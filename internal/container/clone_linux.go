//go:build linux

package container

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// cloneProbeEnv is set in the probe's re-exec of the current binary so
// main() can short-circuit straight to exit(0) instead of parsing flags.
const cloneProbeEnv = "REPRO_ENV_CLONE_PROBE"

// ProbeUserNamespace verifies that unprivileged user+mount namespace
// creation works on this host before any container is created. It clones a
// child (by re-executing the current binary with CLONE_NEWNS|CLONE_NEWUSER)
// that immediately exits 0, and reaps it.
func ProbeUserNamespace() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable path: %w", err)
	}

	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), cloneProbeEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWUSER,
	}

	if err := cmd.Run(); err != nil {
		hint := unprivilegedUserNamespaceHint()
		if hint != "" {
			return fmt.Errorf("failed to create user+mount namespace: %w (%s)", err, hint)
		}
		return fmt.Errorf("failed to create user+mount namespace: %w", err)
	}
	return nil
}

// IsCloneProbeChild reports whether the current process is the re-exec'd
// child spawned by ProbeUserNamespace, in which case main() should exit(0)
// immediately without doing anything else.
func IsCloneProbeChild() bool {
	return os.Getenv(cloneProbeEnv) == "1"
}

func unprivilegedUserNamespaceHint() string {
	const path = "/proc/sys/kernel/unprivileged_userns_clone"
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if strings.TrimSpace(string(data)) == "0" {
		return fmt.Sprintf("%s is 0; unprivileged user namespaces are disabled on this host", path)
	}
	return ""
}
