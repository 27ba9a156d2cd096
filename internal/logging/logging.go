// Package logging wires the process log stream: stderr for the scheduler's
// captured output, plus a size-rotated file next to the batch outputs so a
// multi-day run cannot fill the scratch volume with one unbounded log.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup routes the standard logger to stderr and, when logPath is
// non-empty, a rotating file. Returns a closer for the file sink.
func Setup(logPath string) io.Closer {
	log.SetFlags(log.LstdFlags | log.LUTC)

	if logPath == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}

	rotating := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotating))
	return rotating
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
