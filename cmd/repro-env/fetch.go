package main

import (
	"github.com/spf13/cobra"

	"github.com/repro-env/repro-env/internal/executor"
	"github.com/repro-env/repro-env/internal/log"
)

var (
	fetchFile   string
	fetchNoPull bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and verify a lockfile's package closure without building",
	Long: `Like build, but stops after downloading, staging and verifying the
lockfile's package closure into the cache - no container is created and no
command runs. Useful for warming the cache ahead of an offline build.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := newDriver()
		if err != nil {
			return err
		}
		c, err := newCache()
		if err != nil {
			return err
		}

		return executor.Fetch(cmd.Context(), driver, fetchFile,
			executor.Env{Cache: c, Logger: log.Default()}, executor.FetchOptions{NoPull: fetchNoPull})
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchFile, "file", "f", "repro-env.lock", "Dependency lockfile to use")
	fetchCmd.Flags().BoolVar(&fetchNoPull, "no-pull", false, "Do not pull the container image")
}
