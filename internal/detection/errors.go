package detection

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidImage is reported for undecodable, nil or zero-sized images.
var ErrInvalidImage = errors.New("invalid image")

// ImageError is the failure of one image within a batch.
type ImageError struct {
	Index int
	Err   error
}

func (e ImageError) Error() string {
	return fmt.Sprintf("image %d: %v", e.Index, e.Err)
}

func (e ImageError) Unwrap() error {
	return e.Err
}

// ImageErrors collects per-image failures of a DetectBatch call.
type ImageErrors []ImageError

func (e ImageErrors) Error() string {
	parts := make([]string, len(e))
	for i, ie := range e {
		parts[i] = ie.Error()
	}
	return fmt.Sprintf("%d image(s) failed: %s", len(e), strings.Join(parts, "; "))
}

func (e ImageErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, ie := range e {
		errs[i] = ie
	}
	return errs
}
