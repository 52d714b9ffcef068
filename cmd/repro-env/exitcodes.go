package main

import "os"

// Exit codes. Scripts wrapping repro-env can distinguish a plain failure
// from a user-requested cancellation.
const (
	// ExitSuccess indicates successful execution.
	ExitSuccess = 0

	// ExitGeneral indicates a general error: resolve failure, I/O error,
	// integrity mismatch, or the build command itself exiting non-zero.
	ExitGeneral = 1

	// ExitUsage indicates invalid arguments or usage error.
	ExitUsage = 2

	// ExitCancelled indicates the operation was interrupted by a signal.
	ExitCancelled = 130
)

// exitWithCode exits with the specified exit code.
func exitWithCode(code int) {
	os.Exit(code)
}
