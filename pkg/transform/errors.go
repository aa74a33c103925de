package transform

import "fmt"

// GridMismatchError reports adjacent transforms in a chain whose
// reference and source grids disagree. The chain never resamples
// silently to reconcile them.
type GridMismatchError struct {
	// Position is the index of the offending transform in the chain.
	Position int
	Detail   string
}

func (e *GridMismatchError) Error() string {
	return fmt.Sprintf("grid mismatch at chain position %d: %s", e.Position, e.Detail)
}

// SingularTransformError reports a linear transform whose matrix
// cannot be inverted.
type SingularTransformError struct {
	Detail string
}

func (e *SingularTransformError) Error() string {
	return fmt.Sprintf("transform is not invertible: %s", e.Detail)
}

// MalformedTransformFileError reports a matrix file that failed
// validation even after the one permitted rounding attempt.
type MalformedTransformFileError struct {
	Path   string
	Detail string
}

func (e *MalformedTransformFileError) Error() string {
	return fmt.Sprintf("malformed transform file %s: %s", e.Path, e.Detail)
}
