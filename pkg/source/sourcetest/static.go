// Package sourcetest provides a scripted in-memory source.Source.
package sourcetest

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/source"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Static serves a fixed set of events per source in pages of PageSize.
type Static struct {
	// PageSize defaults to 100.
	PageSize int

	// Fail, when set, is consulted before every fetch with the 1-based call
	// number for that source. A non-nil error is returned as the fetch result.
	Fail func(src traffic.SourceType, call int) error

	mu     sync.Mutex
	events map[traffic.SourceType][]traffic.Event
	calls  map[traffic.SourceType]int
}

// New creates an empty Static source.
func New(pageSize int) *Static {
	return &Static{
		PageSize: pageSize,
		events:   make(map[traffic.SourceType][]traffic.Event),
		calls:    make(map[traffic.SourceType]int),
	}
}

// Add appends events; each is filed under its own Source.
func (s *Static) Add(events ...traffic.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.events[e.Source] = append(s.events[e.Source], e)
	}
}

// Calls returns the number of fetches made for src.
func (s *Static) Calls(src traffic.SourceType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[src]
}

// Fetch returns the page of events after req.After selected by req.PageToken.
func (s *Static) Fetch(ctx context.Context, req source.Request) (source.Page, error) {
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}

	s.mu.Lock()
	s.calls[req.Source]++
	call := s.calls[req.Source]
	all := append([]traffic.Event(nil), s.events[req.Source]...)
	s.mu.Unlock()

	if s.Fail != nil {
		if err := s.Fail(req.Source, call); err != nil {
			return source.Page{}, err
		}
	}

	var eligible []traffic.Event
	for _, e := range all {
		if !req.Until.IsZero() && e.OccurredAt.After(req.Until) {
			continue
		}
		if req.After.Less(cursor.Of(e)) {
			eligible = append(eligible, e)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return traffic.Before(eligible[i], eligible[j]) })

	size := s.PageSize
	if size <= 0 {
		size = 100
	}
	offset := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil {
			return source.Page{}, err
		}
		offset = n
	}
	if offset > len(eligible) {
		offset = len(eligible)
	}
	end := offset + size
	if end > len(eligible) {
		end = len(eligible)
	}

	page := source.Page{Events: eligible[offset:end]}
	if end < len(eligible) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}
