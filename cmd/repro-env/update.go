package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repro-env/repro-env/internal/lockfile"
	"github.com/repro-env/repro-env/internal/log"
	"github.com/repro-env/repro-env/internal/manifest"
	"github.com/repro-env/repro-env/internal/resolver"
)

var (
	updateNoPull bool
	updateKeep   bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Resolve the dependency manifest into a pinned lockfile",
	Long: `Reads repro-env.toml, pulls and pins its container image, resolves its
distro package dependencies against that image, and writes the result to
repro-env.lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		const manifestPath = "repro-env.toml"
		const lockPath = "repro-env.lock"

		m, err := manifest.Load(manifestPath)
		if err != nil {
			return fmt.Errorf("failed to read dependency manifest: %w", err)
		}

		driver, err := newDriver()
		if err != nil {
			return err
		}
		c, err := newCache()
		if err != nil {
			return err
		}

		lock, err := resolver.Resolve(cmd.Context(), driver, m, resolver.Env{Cache: c, Logger: log.Default()},
			resolver.Options{NoPull: updateNoPull, Keep: updateKeep})
		if err != nil {
			return err
		}

		if err := lockfile.Write(lock, lockPath); err != nil {
			return fmt.Errorf("failed to write lockfile: %w", err)
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&updateNoPull, "no-pull", false, "Do not pull the container image before resolving it")
	updateCmd.Flags().BoolVarP(&updateKeep, "keep", "k", false, "Keep the resolver container running after the update succeeds")
}
