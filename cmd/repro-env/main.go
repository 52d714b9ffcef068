package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repro-env/repro-env/internal/container"
	"github.com/repro-env/repro-env/internal/log"
	_ "github.com/repro-env/repro-env/internal/resolver/alpineresolver"
	_ "github.com/repro-env/repro-env/internal/resolver/archresolver"
	_ "github.com/repro-env/repro-env/internal/resolver/debresolver"
)

var verboseCount int
var contextDir string

// globalCtx is the application-level context that is canceled on SIGINT/SIGTERM.
// Commands should use this context for cancellable operations.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "repro-env",
	Short: "Reproducible build environments pinned to content-addressed packages",
	Long: `repro-env resolves a manifest of container image and distro packages into
a fully pinned lockfile, then materializes that lockfile into a container to
run a build inside - bit-for-bit reproducibly, across Debian, Arch Linux and
Alpine package ecosystems.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogger()
		if contextDir != "" {
			if err := os.Chdir(contextDir); err != nil {
				return fmt.Errorf("failed to change directory to %q: %w", contextDir, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verboseCount, "verbose", "v", "Increase logging verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVarP(&contextDir, "context", "C", "", "Change to this directory before running")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(completionsCmd)
}

func main() {
	// The user-namespace probe re-execs the current binary to test clone
	// behavior in a child process; that child must exit immediately, before
	// cobra parses anything meant for the parent invocation.
	if container.IsCloneProbeChild() {
		os.Exit(0)
	}

	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nreceived %s, canceling...\n", sig)
		globalCancel()

		<-sigChan
		fmt.Fprintln(os.Stderr, "forced exit")
		exitWithCode(ExitCancelled)
	}()

	rootCmd.SetContext(globalCtx)

	if err := rootCmd.Execute(); err != nil {
		if globalCtx.Err() == context.Canceled {
			exitWithCode(ExitCancelled)
		}
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitGeneral)
	}
}

// initLogger wires the global logger from the repeatable -v flag: 0=info,
// 1=debug, 2+=trace.
func initLogger() {
	level := log.LevelForVerbosity(verboseCount)
	handler := log.NewCLIHandler(level)
	log.SetDefault(log.New(handler))
}
