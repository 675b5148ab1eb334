package sandbox

import "time"

// circuitState tracks consecutive creation failures for one template id,
// mirroring internal/client.mcp.go's circuitState but scoped to sandbox
// template rather than MCP endpoint.
type circuitState struct {
	failures    int
	lastFailure time.Time
	openUntil   time.Time
}

const (
	circuitFailureThreshold = 3
	circuitOpenDuration     = 30 * time.Second
)

func (c *circuitState) isOpen(now time.Time) bool {
	return now.Before(c.openUntil)
}

func (c *circuitState) recordFailure(now time.Time) {
	c.failures++
	c.lastFailure = now
	if c.failures >= circuitFailureThreshold {
		c.openUntil = now.Add(circuitOpenDuration)
	}
}

func (c *circuitState) recordSuccess() {
	c.failures = 0
	c.openUntil = time.Time{}
}
