package memory

import (
	"context"
	"sync"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
)

const defaultFlowCap = 1000

// MemoryFlowStore implements capture.FlowStore and capture.FlowQueryStore
// with a bounded ring buffer. Flows are lost on restart; use the file or
// sqlite backend when history must survive the process.
type MemoryFlowStore struct {
	flows []capture.Flow
	cap   int
	mu    sync.Mutex
}

// resolveCapacity returns the first positive capacity value, or defaultFlowCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultFlowCap
}

// NewFlowStore creates a new in-memory flow store.
// An optional capacity parameter sets the ring buffer size (default 1000).
func NewFlowStore(capacity ...int) *MemoryFlowStore {
	c := resolveCapacity(capacity...)
	return &MemoryFlowStore{
		flows: make([]capture.Flow, 0, c),
		cap:   c,
	}
}

// Append stores flows in the ring buffer, dropping the oldest when full.
func (s *MemoryFlowStore) Append(_ context.Context, flows ...capture.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range flows {
		if len(s.flows) >= s.cap {
			// Shift left, drop oldest.
			copy(s.flows, s.flows[1:])
			s.flows[len(s.flows)-1] = f
		} else {
			s.flows = append(s.flows, f)
		}
	}
	return nil
}

// Flush is a no-op; there is no buffering beyond the ring itself.
func (s *MemoryFlowStore) Flush(_ context.Context) error {
	return nil
}

// Close releases resources. No-op for this implementation.
func (s *MemoryFlowStore) Close() error {
	return nil
}

// Recent returns flows matching the filter, newest first.
func (s *MemoryFlowStore) Recent(_ context.Context, filter capture.FlowFilter) ([]capture.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []capture.Flow
	for i := len(s.flows) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.Matches(s.flows[i]) {
			result = append(result, s.flows[i])
		}
	}
	return result, nil
}

// Get returns a flow by ID.
func (s *MemoryFlowStore) Get(_ context.Context, id string) (*capture.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.flows) - 1; i >= 0; i-- {
		if s.flows[i].ID == id {
			f := s.flows[i]
			return &f, nil
		}
	}
	return nil, capture.ErrFlowNotFound
}

// Stats aggregates counters over the buffered flows.
func (s *MemoryFlowStore) Stats(_ context.Context) (*capture.FlowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &capture.FlowStats{
		ByOutcome:     make(map[string]int64),
		ByStatusClass: make(map[string]int64),
		ByHost:        make(map[string]int64),
	}
	for _, f := range s.flows {
		stats.Total++
		stats.ByOutcome[f.Outcome]++
		stats.ByStatusClass[statusClass(f.Status)]++
		if f.Host != "" {
			stats.ByHost[f.Host]++
		}
	}
	return stats, nil
}

// statusClass buckets a status code into "2xx".."5xx"; exchanges that
// never produced a response land in "none".
func statusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "none"
	}
}

// Len returns the number of buffered flows.
func (s *MemoryFlowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

var (
	_ capture.FlowStore      = (*MemoryFlowStore)(nil)
	_ capture.FlowQueryStore = (*MemoryFlowStore)(nil)
)
