package container

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic marks a file that is not a tiled container at all.
	ErrBadMagic = errors.New("container: bad magic")

	// ErrBadGeometry marks a header whose grid geometry is unusable.
	ErrBadGeometry = errors.New("container: bad geometry")

	// ErrTruncated marks a container whose index or payload extends past
	// the end of the file.
	ErrTruncated = errors.New("container: truncated")

	// ErrFinalized is returned by writer methods called after Finalize.
	ErrFinalized = errors.New("container: use after finalize")

	// ErrMissingTiles is returned by Finalize when grid positions were
	// never written.
	ErrMissingTiles = errors.New("container: missing tiles")
)

// OpenError reports a container that could not be parsed at open time.
// Always classified as corrupt: reopening the same bytes fails identically.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ReadError reports a storage-level fault while reading tile bytes. The
// attempted byte offset and extent are preserved for diagnostics against
// bad sectors.
type ReadError struct {
	Path   string
	Page   int
	Row    int
	Col    int
	Offset int64
	Length int
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s tile p%d(%d,%d) at offset %d (%d bytes): %v",
		e.Path, e.Page, e.Row, e.Col, e.Offset, e.Length, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DecodeError reports tile bytes that were read successfully but could not
// be decoded. Non-retryable: the same payload fails the same way.
type DecodeError struct {
	Path string
	Page int
	Row  int
	Col  int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s tile p%d(%d,%d): %v", e.Path, e.Page, e.Row, e.Col, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
