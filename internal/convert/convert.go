// Package convert bridges proprietary microscope-vendor formats into tiled
// containers the reader can open. The actual format conversion is done by
// an external tool; this package only shells out to it and checks that a
// plausible output appeared.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Converter produces a readable tiled container at dst from the
// proprietary source at src.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// ExecConverter invokes an external converter binary. Args is an argument
// template in which the placeholders {src} and {dst} are substituted per
// invocation; when Args is empty the source and destination paths are
// passed as the only two arguments.
type ExecConverter struct {
	Binary  string
	Args    []string
	Timeout time.Duration // zero means no additional bound beyond ctx
}

// MinOutputBytes is the smallest converted file accepted as a real output.
// Converter tools have been observed exiting zero after writing an empty
// or header-only file to a full disk.
const MinOutputBytes = 512

func (c *ExecConverter) Convert(ctx context.Context, src, dst string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Args)+2)
	if len(c.Args) == 0 {
		args = append(args, src, dst)
	} else {
		for _, a := range c.Args {
			a = strings.ReplaceAll(a, "{src}", src)
			a = strings.ReplaceAll(a, "{dst}", dst)
			args = append(args, a)
		}
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("convert %s: %s %v: %w%s", src, c.Binary, args, err, stderrTail(stderr.String()))
	}

	fi, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("convert %s: tool exited cleanly but wrote no output at %s", src, dst)
	}
	if fi.Size() < MinOutputBytes {
		return fmt.Errorf("convert %s: output %s is only %d bytes", src, dst, fi.Size())
	}
	return nil
}

// stderrTail keeps the last part of the tool's stderr for diagnostics.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const keep = 400
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	return ": " + s
}
