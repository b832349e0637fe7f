// Package plan derives the part layout of a multi-part upload from the size
// of the object being uploaded. Everything in this package is pure: the same
// inputs always produce the same plan, which is what allows an interrupted
// upload to be resumed against an existing session.
package plan

import (
	"errors"
	"fmt"

	"ferry/pkg/schema"
)

const (
	MiB = 1024 * 1024

	// MinPartSize is the smallest size the backend accepts for any part but
	// the last.
	MinPartSize = 5 * MiB

	// MaxConcurrency caps the number of parts in flight for one upload.
	MaxConcurrency = 8
)

var ErrPartTooSmall = errors.New("part size is below the backend minimum")

// Plan is the fixed chunking of one object.
type Plan struct {
	Size        int64
	PartSize    int64
	Concurrency int
	Parts       []schema.Part
}

// PartSize returns the part size tier for an object of total bytes.
func PartSize(total int64) int64 {
	switch {
	case total < 100*MiB:
		return 10 * MiB
	case total <= 500*MiB:
		return 25 * MiB
	case total <= 5000*MiB:
		return 50 * MiB
	default:
		return 100 * MiB
	}
}

// Count returns the number of parts needed to cover total bytes.
func Count(total int64, partSize int64) int {
	if total <= 0 || partSize <= 0 {
		return 0
	}
	return int((total + partSize - 1) / partSize)
}

// Concurrency returns the number of workers to use for an object of total
// bytes split into parts of partSize.
func Concurrency(total int64, partSize int64) int {
	n := Count(total, partSize)
	switch {
	case n <= 4:
		return 2
	case n <= 20:
		return 4
	default:
		return min(MaxConcurrency, (n+9)/10)
	}
}

// Parts returns the ordered part descriptors for total bytes. All parts are
// exactly partSize long except the last, which covers the remainder.
func Parts(total int64, partSize int64) []schema.Part {
	n := Count(total, partSize)
	parts := make([]schema.Part, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * partSize
		end := min(start+partSize, total)
		parts = append(parts, schema.Part{
			Number: i + 1,
			Start:  start,
			End:    end,
		})
	}
	return parts
}

// New returns the plan for an object of total bytes using the tiered part
// size.
func New(total int64) Plan {
	p, _ := NewWithPartSize(total, PartSize(total))
	return p
}

// NewWithPartSize returns the plan for an object of total bytes using an
// explicit part size. Part sizes below MinPartSize are only accepted when the
// whole object fits into a single part.
func NewWithPartSize(total int64, partSize int64) (Plan, error) {
	if partSize <= 0 {
		return Plan{}, fmt.Errorf("invalid part size %d", partSize)
	}
	if partSize < MinPartSize && total > partSize {
		return Plan{}, fmt.Errorf("%w: %d < %d", ErrPartTooSmall, partSize, MinPartSize)
	}
	return Plan{
		Size:        total,
		PartSize:    partSize,
		Concurrency: Concurrency(total, partSize),
		Parts:       Parts(total, partSize),
	}, nil
}

// Validate checks that parts exactly tile [0, total) with consecutive part
// numbers starting at 1.
func Validate(parts []schema.Part, total int64) error {
	var offset int64
	for i, p := range parts {
		if p.Number != i+1 {
			return fmt.Errorf("part %d: expected part number %d", p.Number, i+1)
		}
		if p.Start != offset {
			return fmt.Errorf("part %d: starts at %d, expected %d", p.Number, p.Start, offset)
		}
		if p.Size() <= 0 {
			return fmt.Errorf("part %d: empty range", p.Number)
		}
		offset = p.End
	}
	if offset != total {
		return fmt.Errorf("parts cover %d bytes, expected %d", offset, total)
	}
	return nil
}
