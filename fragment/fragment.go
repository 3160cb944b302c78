// Package fragment splits a blob into sequential byte ranges no larger than a
// server-provided limit and reads those ranges for upload.
package fragment

import (
	"fmt"

	"github.com/docker/go-units"
)

// DefaultReservedHeaderBudget is subtracted from the server's request body limit
// to leave room for the multipart envelope around each fragment.
const DefaultReservedHeaderBudget = 16 * units.KiB

// Range is the half-open byte range [Start, End) of fragment Index.
type Range struct {
	Index int
	Start int64
	End   int64
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// MaxFragmentSize derives the largest fragment that fits into one request.
func MaxFragmentSize(requestBodyLimit, reservedHeaderBudget int64) (int64, error) {
	if reservedHeaderBudget < 0 {
		return 0, fmt.Errorf("reserved header budget must not be negative, got %d", reservedHeaderBudget)
	}
	max := requestBodyLimit - reservedHeaderBudget
	if max <= 0 {
		return 0, fmt.Errorf("request body limit %d leaves no room for fragment data (reserved %d)", requestBodyLimit, reservedHeaderBudget)
	}
	return max, nil
}

// Count returns ceil(size/max), the number of fragments for a blob of the given size.
func Count(size, max int64) int {
	if size <= 0 || max <= 0 {
		return 0
	}
	return int((size + max - 1) / max)
}

// Ranges returns the fragments tiling [0, size). A zero size yields an empty slice.
func Ranges(size, max int64) ([]Range, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max fragment size must be positive, got %d", max)
	}
	if size < 0 {
		return nil, fmt.Errorf("blob size must not be negative, got %d", size)
	}

	n := Count(size, max)
	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * max
		end := start + max
		if end > size {
			end = size
		}
		ranges = append(ranges, Range{Index: i, Start: start, End: end})
	}
	return ranges, nil
}
