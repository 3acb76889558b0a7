//go:build race

package integration

import "time"

// The race detector slows the pipeline several times over, so the
// latency ceilings sit correspondingly higher under -race.
var (
	perfP99Threshold = 25 * time.Millisecond
	perfP50Threshold = 10 * time.Millisecond
)
