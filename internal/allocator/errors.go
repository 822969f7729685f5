package allocator

import "errors"

var (
	// ErrRangeExhausted means no candidate port in the range was free after
	// a full scan.
	ErrRangeExhausted = errors.New("port range exhausted")
	// ErrPortConflict means a strict preferred-port request could not be
	// granted.
	ErrPortConflict = errors.New("port conflict")
)
