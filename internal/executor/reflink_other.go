//go:build !linux

package executor

import (
	"fmt"
	"os"
)

// reflink is unsupported outside Linux; reflinkOrCopy always falls back to
// a byte copy.
func reflink(dst, src *os.File) error {
	return fmt.Errorf("reflink not supported on this platform")
}
