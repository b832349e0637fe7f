package upload

import "math"

// Progress is a snapshot of an upload. BytesLoaded is derived from the
// number of completed parts and never exceeds BytesTotal.
type Progress struct {
	BytesLoaded    int64
	BytesTotal     int64
	Percentage     int
	CompletedParts int
	TotalParts     int
}

// Done reports whether every part has been acknowledged.
func (p Progress) Done() bool {
	return p.TotalParts > 0 && p.CompletedParts == p.TotalParts
}

// Observer receives progress snapshots. Calls are serialized and
// snapshots never go backwards, so an observer needs no locking of its own.
// An observer must not block for long: workers wait on it.
type Observer func(Progress)

func newProgress(completed int, total int, partSize int64, size int64) Progress {
	p := Progress{
		BytesLoaded:    min(int64(completed)*partSize, size),
		BytesTotal:     size,
		CompletedParts: completed,
		TotalParts:     total,
	}

	if total > 0 {
		p.Percentage = int(math.Round(float64(completed) / float64(total) * 100))
	}

	// 100 is reserved for the snapshot that completes the upload.
	if p.Percentage >= 100 && completed < total {
		p.Percentage = 99
	}

	return p
}
