package upstream

import (
	"fmt"
	"sync/atomic"

	"transcript-relay-service/internal/models"
)

// Generator hands out upstream session ids. Ids are never reused, so a
// restart always produces fresh instances.
type Generator struct {
	counter uint64
}

// NewGenerator returns a generator whose first id ends in 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the id for a new upstream session of source, formatted as
// <sessionID>-<source>-<n>. It is safe for concurrent use.
func (g *Generator) Next(sessionID string, source models.Source) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-%s-%d", sessionID, source, n)
}
