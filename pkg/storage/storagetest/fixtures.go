// Package storagetest provides fixtures, a fault-injecting wrapper and a shared
// behaviour suite for storage.Store implementations.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// Visit builds a visit event.
func Visit(clickID string, at time.Time, campaign, country, device string, cost string) traffic.Event {
	return traffic.Event{
		Source:       traffic.Visits,
		ClickID:      clickID,
		OccurredAt:   at.UTC(),
		CampaignID:   campaign,
		CampaignName: "Campaign " + campaign,
		CountryCode:  country,
		DeviceType:   device,
		Cost:         decimal.RequireFromString(cost),
		Raw:          []byte(`{"clickId":"` + clickID + `"}`),
	}
}

// Click builds a click event.
func Click(clickID string, at time.Time, campaign, country, device string) traffic.Event {
	return traffic.Event{
		Source:      traffic.Clicks,
		ClickID:     clickID,
		OccurredAt:  at.UTC(),
		CampaignID:  campaign,
		CountryCode: country,
		DeviceType:  device,
	}
}

// Conversion builds a conversion posted back at postback.
func Conversion(clickID string, postback time.Time, campaign, country, device string, revenue, payout string) traffic.Event {
	return traffic.Event{
		Source:      traffic.Conversions,
		ClickID:     clickID,
		OccurredAt:  postback.UTC(),
		VisitAt:     postback.UTC().Add(-10 * time.Minute),
		CampaignID:  campaign,
		CountryCode: country,
		DeviceType:  device,
		Revenue:     decimal.RequireFromString(revenue),
		Payout:      decimal.RequireFromString(payout),
		Profit:      decimal.RequireFromString(revenue),
	}
}

// ErrInjected is returned by Faulty when a fault fires.
var ErrInjected = errors.New("injected store failure")

// Faulty wraps a Store and fails selected CommitPage calls.
type Faulty struct {
	storage.Store

	// FailCommit decides, by 1-based call number, whether CommitPage fails.
	FailCommit func(call int) bool

	mu      sync.Mutex
	commits int
}

// CommitPage fails without touching the wrapped store when FailCommit says so.
func (f *Faulty) CommitPage(ctx context.Context, src traffic.SourceType, events []traffic.Event, next *cursor.Cursor) error {
	f.mu.Lock()
	f.commits++
	call := f.commits
	f.mu.Unlock()

	if f.FailCommit != nil && f.FailCommit(call) {
		return ErrInjected
	}
	return f.Store.CommitPage(ctx, src, events, next)
}

// Commits returns the number of CommitPage calls seen.
func (f *Faulty) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}
