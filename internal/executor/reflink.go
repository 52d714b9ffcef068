package executor

import (
	"fmt"
	"io"
	"os"
)

// reflinkOrCopy materializes src at dst as a copy-on-write clone where the
// filesystem supports it, falling back to a byte-for-byte copy otherwise -
// the only error this package recovers from locally rather than propagating.
func reflinkOrCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if err := reflink(out, in); err == nil {
		return nil
	}

	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", src, err)
	}
	if err := out.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", dst, err)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}
