package capture

import (
	"context"
	"errors"
	"time"
)

// ErrFlowNotFound is returned when a flow ID does not exist.
var ErrFlowNotFound = errors.New("flow not found")

// FlowStore persists flow records.
// Interface owned by domain per hexagonal architecture.
// Implementations handle batching and async writes.
type FlowStore interface {
	// Append stores flow records.
	Append(ctx context.Context, flows ...Flow) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// FlowFilter specifies query parameters for flow queries. Zero values
// mean "no constraint".
type FlowFilter struct {
	// Host filters by bare hostname.
	Host string
	// Method filters by request method.
	Method string
	// Status filters by exact response status code.
	Status int
	// Outcome filters by flow outcome.
	Outcome string
	// Tag filters flows carrying the given tag.
	Tag string
	// Since restricts results to flows started at or after this time.
	Since time.Time
	// Limit is the maximum number of records to return (default 100).
	Limit int
}

// Matches reports whether a flow satisfies every constraint the filter
// sets.
func (f FlowFilter) Matches(flow Flow) bool {
	if f.Host != "" && flow.Host != f.Host {
		return false
	}
	if f.Method != "" && flow.Method != f.Method {
		return false
	}
	if f.Status != 0 && flow.Status != f.Status {
		return false
	}
	if f.Outcome != "" && flow.Outcome != f.Outcome {
		return false
	}
	if f.Tag != "" && !hasTag(flow.Tags, f.Tag) {
		return false
	}
	if !f.Since.IsZero() && flow.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FlowStats contains aggregated counters over captured flows.
type FlowStats struct {
	// Total is the number of captured flows.
	Total int64 `json:"total"`
	// ByOutcome maps outcomes to counts.
	ByOutcome map[string]int64 `json:"by_outcome"`
	// ByStatusClass maps status classes ("2xx", "4xx", ...) to counts.
	ByStatusClass map[string]int64 `json:"by_status_class"`
	// ByHost maps hostnames to counts.
	ByHost map[string]int64 `json:"by_host"`
}

// FlowQueryStore provides read access to captured flows for the ops API.
// Separate from FlowStore, which handles writes.
type FlowQueryStore interface {
	// Recent retrieves flows matching the filter, newest first.
	Recent(ctx context.Context, filter FlowFilter) ([]Flow, error)

	// Get retrieves a single flow by ID.
	// Returns ErrFlowNotFound if the ID is unknown.
	Get(ctx context.Context, id string) (*Flow, error)

	// Stats returns aggregated counters over all captured flows.
	Stats(ctx context.Context) (*FlowStats, error)
}
