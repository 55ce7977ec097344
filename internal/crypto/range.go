package crypto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange means the Range header is syntactically invalid and
	// should be ignored.
	ErrInvalidRange = errors.New("crypto: invalid range header")
	// ErrRangeNotSatisfiable means the range is well formed but selects no
	// byte of the representation.
	ErrRangeNotSatisfiable = errors.New("crypto: range not satisfiable")
)

// ParseHTTPRangeHeader resolves a "bytes=" Range header against a
// representation of totalSize bytes and returns the inclusive range. Only the
// first range of a multi-range header is honored.
func ParseHTTPRangeHeader(header string, totalSize int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	spec = strings.TrimSpace(spec)

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// suffix range: the last N bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if n == 0 || totalSize == 0 {
			return 0, 0, ErrRangeNotSatisfiable
		}
		return max(0, totalSize-n), totalSize - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	end = totalSize - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		end = min(end, totalSize-1)
	}
	if start >= totalSize {
		return 0, 0, ErrRangeNotSatisfiable
	}
	return start, end, nil
}
