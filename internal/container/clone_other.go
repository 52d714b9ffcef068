//go:build !linux

package container

// ProbeUserNamespace is a no-op outside Linux; unprivileged containers are
// a Linux-specific concern here.
func ProbeUserNamespace() error {
	return nil
}

// IsCloneProbeChild always reports false outside Linux.
func IsCloneProbeChild() bool {
	return false
}
