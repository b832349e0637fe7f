package upload

import (
	"slices"
	"sync"

	"ferry/pkg/plan"
	"ferry/pkg/schema"
)

// uploadState holds the acknowledged parts of one upload. It is the only
// state shared between workers; every mutation goes through record or seed.
type uploadState struct {
	mu       sync.Mutex
	plan     plan.Plan
	results  map[int]schema.PartResult
	observer Observer
	last     Progress
}

func newUploadState(p plan.Plan, observer Observer) *uploadState {
	return &uploadState{
		plan:     p,
		results:  make(map[int]schema.PartResult, len(p.Parts)),
		observer: observer,
	}
}

// record stores the result of a transmitted part and emits progress. A
// second result for the same part number is ignored and reported as false.
func (s *uploadState) record(r schema.PartResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[r.Number]; ok {
		return false
	}

	s.results[r.Number] = r
	s.emit()
	return true
}

// seed loads parts that a previous attempt already transmitted. A single
// snapshot is emitted for all of them.
func (s *uploadState) seed(results []schema.PartResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range results {
		if _, ok := s.results[r.Number]; ok {
			continue
		}
		s.results[r.Number] = r
		added++
	}

	if added > 0 {
		s.emit()
	}
}

// emit must be called with mu held.
func (s *uploadState) emit() {
	p := newProgress(len(s.results), len(s.plan.Parts), s.plan.PartSize, s.plan.Size)
	if p.Percentage < s.last.Percentage {
		p.Percentage = s.last.Percentage
	}
	s.last = p

	if s.observer != nil {
		s.observer(p)
	}
}

func (s *uploadState) completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.results)
}

func (s *uploadState) complete() bool {
	return s.completed() == len(s.plan.Parts)
}

func (s *uploadState) progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}

// manifest returns the acknowledged parts ordered by part number.
func (s *uploadState) manifest() []schema.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]schema.CompletedPart, 0, len(s.results))
	for _, r := range s.results {
		parts = append(parts, schema.CompletedPart{Number: r.Number, ETag: r.ETag})
	}

	slices.SortFunc(parts, func(a, b schema.CompletedPart) int {
		return a.Number - b.Number
	})

	return parts
}
