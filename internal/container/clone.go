package container

import (
	"github.com/repro-env/repro-env/internal/config"
	"github.com/repro-env/repro-env/internal/log"
)

// EnsureUserNamespace runs the user-namespace probe unless
// REPRO_ENV_SKIP_CLONE_CHECK overrides it, logging a warning (not failing)
// if the probe fails - the subsequent container create will surface the
// real error if namespaces truly don't work.
func EnsureUserNamespace(logger log.Logger) {
	if config.SkipCloneCheck() {
		logger.Debug("skipping user namespace probe", "reason", "REPRO_ENV_SKIP_CLONE_CHECK set")
		return
	}
	if err := ProbeUserNamespace(); err != nil {
		logger.Warn("user namespace probe failed", "error", err)
	}
}
