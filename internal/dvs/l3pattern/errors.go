package l3pattern

import "errors"

// Detection failures are recoverable: the caller keeps accumulating events
// and tries again on the next change to the blinking set.
var (
	// ErrInsufficientBlobs means fewer blobs than grid nodes survived the
	// mass filter.
	ErrInsufficientBlobs = errors.New("insufficient blobs for grid")
	// ErrAmbiguousPattern means the blobs could not be matched to the grid
	// in exactly one way.
	ErrAmbiguousPattern = errors.New("ambiguous pattern")
)
