package storage

import (
	"fmt"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Entity names a record kind subject to retention.
type Entity string

const (
	EntityVisits      Entity = "visits"
	EntityClicks      Entity = "clicks"
	EntityConversions Entity = "conversions"
	EntityHourlyStats Entity = "hourly_stats"
)

// AllEntities returns every entity in deletion order.
func AllEntities() []Entity {
	return []Entity{EntityVisits, EntityClicks, EntityConversions, EntityHourlyStats}
}

// Source returns the raw source an entity stores. ok is false for aggregates.
func (e Entity) Source() (traffic.SourceType, bool) {
	switch e {
	case EntityVisits:
		return traffic.Visits, true
	case EntityClicks:
		return traffic.Clicks, true
	case EntityConversions:
		return traffic.Conversions, true
	}
	return "", false
}

// Validate rejects unknown entities.
func (e Entity) Validate() error {
	switch e {
	case EntityVisits, EntityClicks, EntityConversions, EntityHourlyStats:
		return nil
	}
	return fmt.Errorf("unknown entity %q", e)
}

// Dedupe collapses events sharing a natural key, keeping the last occurrence.
// Order of first appearance is preserved.
func Dedupe(events []traffic.Event) []traffic.Event {
	if len(events) < 2 {
		return events
	}
	index := make(map[string]int, len(events))
	out := make([]traffic.Event, 0, len(events))
	for _, e := range events {
		k := e.Key()
		if i, ok := index[k]; ok {
			out[i] = e
			continue
		}
		index[k] = len(out)
		out = append(out, e)
	}
	return out
}
