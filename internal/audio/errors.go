package audio

import "fmt"

// ConcatenationError reports which segment broke the merge. Index is the
// zero-based chunk index, or -1 when the failure is not tied to one segment.
type ConcatenationError struct {
	Index int
	Err   error
}

func (e *ConcatenationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("concatenation failed: %v", e.Err)
	}
	return fmt.Sprintf("concatenation failed at segment %d: %v", e.Index, e.Err)
}

func (e *ConcatenationError) Unwrap() error { return e.Err }

func concatErr(index int, format string, args ...any) error {
	return &ConcatenationError{Index: index, Err: fmt.Errorf(format, args...)}
}
