//go:build !race

package integration

import "time"

// Latency ceilings the performance test enforces on a normal build.
var (
	perfP99Threshold = 5 * time.Millisecond
	perfP50Threshold = 1 * time.Millisecond
)
