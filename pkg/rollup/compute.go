package rollup

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

var hundred = decimal.NewFromInt(100)

// Compute builds the hourly rows of hour from its raw events. The events may
// come in any order; rows are sorted by group.
func Compute(hour time.Time, visits, clicks, conversions []traffic.Event) []traffic.HourlyStat {
	groups := make(map[traffic.Group]*traffic.HourlyStat)
	row := func(e traffic.Event) *traffic.HourlyStat {
		g := e.Group()
		h, ok := groups[g]
		if !ok {
			h = &traffic.HourlyStat{
				Hour:        hour,
				CampaignID:  g.CampaignID,
				CountryCode: g.CountryCode,
				DeviceType:  g.DeviceType,
			}
			groups[g] = h
		}
		if h.CampaignName == "" {
			h.CampaignName = e.CampaignName
		}
		return h
	}

	for _, e := range visits {
		h := row(e)
		h.Visits++
		h.Cost = h.Cost.Add(e.Cost)
	}
	for _, e := range clicks {
		row(e).Clicks++
	}
	for _, e := range conversions {
		h := row(e)
		h.Conversions++
		h.Revenue = h.Revenue.Add(e.Revenue)
		h.Payout = h.Payout.Add(e.Payout)
	}

	rows := make([]traffic.HourlyStat, 0, len(groups))
	for _, h := range groups {
		finish(h)
		rows = append(rows, *h)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Group().String() < rows[j].Group().String()
	})
	return rows
}

// finish rounds the sums and derives profit and the rates.
func finish(h *traffic.HourlyStat) {
	h.Cost = traffic.RoundMoney(h.Cost)
	h.Revenue = traffic.RoundMoney(h.Revenue)
	h.Payout = traffic.RoundMoney(h.Payout)
	h.Profit = traffic.RoundMoney(h.Revenue.Sub(h.Cost))

	h.CTR = percent(h.Clicks, h.Visits)
	h.CR = percent(h.Conversions, h.Visits)
	h.EPC = decimal.Zero
	if h.Clicks > 0 {
		h.EPC = h.Revenue.Div(decimal.NewFromInt(h.Clicks)).Round(4)
	}
}

func percent(n, d int64) decimal.Decimal {
	if d == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(n).Mul(hundred).Div(decimal.NewFromInt(d)).Round(2)
}
