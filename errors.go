package jp2

import "errors"

var (
	// ErrInvalidInput means the stream starts with neither a JP2 signature
	// box nor an SOC marker, so no tree can be produced at all.
	ErrInvalidInput = errors.New("jp2: not a JPEG 2000 file or codestream")

	// ErrTruncated means fewer bytes were available than a fixed-width
	// field declared.
	ErrTruncated = errors.New("jp2: truncated input")

	// ErrInvalidBox means a box header was structurally unusable (for
	// example a declared length smaller than the header itself).
	ErrInvalidBox = errors.New("jp2: invalid box")

	// ErrUnsupportedOperation means the caller requested an append or wrap
	// combination forbidden by the JP2/JPX structural rules. It is always
	// raised before any output bytes are written.
	ErrUnsupportedOperation = errors.New("jp2: unsupported operation")
)

// CodecError wraps a failure reported by the external pixel codec, tagged
// with the operation that was requested.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return "jp2: codec " + e.Op + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error { return e.Err }
