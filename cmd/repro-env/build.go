package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/repro-env/repro-env/internal/executor"
	"github.com/repro-env/repro-env/internal/log"
)

var (
	buildFile string
	buildKeep bool
	buildEnv  []string
)

var buildCmd = &cobra.Command{
	Use:   "build [flags] -- <command>...",
	Short: "Run a command inside a reproducible build environment",
	Long: `Loads the dependency lockfile, downloads and stages its package closure into
the cache, materializes it into a container created from the lockfile's
pinned image, installs the closure offline, and runs <command> in /build.`,
	Args:                  cobra.MinimumNArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvVars(buildEnv)
		if err != nil {
			return err
		}

		driver, err := newDriver()
		if err != nil {
			return err
		}
		c, err := newCache()
		if err != nil {
			return err
		}

		return executor.Build(cmd.Context(), driver, buildFile, "repro-env.toml",
			executor.Env{Cache: c, Logger: log.Default()}, args, executor.BuildOptions{Keep: buildKeep, Env: env})
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildFile, "file", "f", "repro-env.lock", "Dependency lockfile to use")
	buildCmd.Flags().BoolVarP(&buildKeep, "keep", "k", false, "Keep the container running after the build succeeds")
	buildCmd.Flags().StringArrayVarP(&buildEnv, "env", "e", nil, "Pass an environment variable into the build command (NAME or NAME=value)")
}

// buildEnvVars expands each -e flag into a NAME=value pair: entries already
// containing "=" are passed through, bare names are looked up in the
// ambient environment. Duplicate names are rejected.
func buildEnvVars(flags []string) ([]string, error) {
	seen := make(map[string]bool, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		name := f
		pair := f
		if i := strings.IndexByte(f, '='); i >= 0 {
			name = f[:i]
		} else {
			value, ok := os.LookupEnv(f)
			if !ok {
				return nil, fmt.Errorf("-e %s: no such variable in the ambient environment", f)
			}
			pair = f + "=" + value
		}
		if seen[name] {
			return nil, fmt.Errorf("-e %s: duplicate environment variable", name)
		}
		seen[name] = true
		out = append(out, pair)
	}
	return out, nil
}
