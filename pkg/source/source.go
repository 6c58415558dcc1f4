// Package source defines the upstream event provider the ingestor reads from.
package source

import (
	"context"
	"time"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Request asks for one page of events.
type Request struct {
	Source traffic.SourceType

	// After is the cursor position; only events strictly after it are wanted.
	After cursor.Position

	// Until bounds the fetch window (the sync's notion of now).
	Until time.Time

	// PageToken continues a previous page ("" for the first page).
	PageToken string
}

// Page is one page of events in ascending (time, key) order.
type Page struct {
	Events []traffic.Event

	// Next is the token for the following page, "" when this is the last.
	Next string
}

// Source is a paginated reader of upstream events.
//
// Implementations return events in ascending order within a page and stable
// natural keys, and tolerate overlapping re-fetches.
type Source interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}
