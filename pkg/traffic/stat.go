package traffic

import (
	"time"

	"github.com/shopspring/decimal"
)

// Group is the dimension tuple an hourly row is keyed by (besides the hour).
type Group struct {
	CampaignID  string `json:"campaign_id"`
	CountryCode string `json:"country_code"`
	DeviceType  string `json:"device_type"`
}

// String returns a stable encoding of the group.
func (g Group) String() string {
	return g.CampaignID + "\x1f" + g.CountryCode + "\x1f" + g.DeviceType
}

// HourlyStat is the aggregate of one (hour, campaign, country, device) group.
type HourlyStat struct {
	Hour         time.Time `json:"hour"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name,omitempty"`
	CountryCode  string    `json:"country_code"`
	DeviceType   string    `json:"device_type"`

	Visits      int64 `json:"visits"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`

	Cost    decimal.Decimal `json:"cost"`
	Revenue decimal.Decimal `json:"revenue"`
	Payout  decimal.Decimal `json:"payout"`
	Profit  decimal.Decimal `json:"profit"`

	// CTR and CR are percentages with two places, EPC has four.
	CTR decimal.Decimal `json:"ctr"`
	CR  decimal.Decimal `json:"cr"`
	EPC decimal.Decimal `json:"epc"`
}

// Group returns the dimension tuple of the row.
func (h HourlyStat) Group() Group {
	return Group{CampaignID: h.CampaignID, CountryCode: h.CountryCode, DeviceType: h.DeviceType}
}

// Equal compares two rows field by field, treating decimals by value.
func (h HourlyStat) Equal(o HourlyStat) bool {
	return h.Hour.Equal(o.Hour) &&
		h.CampaignID == o.CampaignID &&
		h.CampaignName == o.CampaignName &&
		h.CountryCode == o.CountryCode &&
		h.DeviceType == o.DeviceType &&
		h.Visits == o.Visits &&
		h.Clicks == o.Clicks &&
		h.Conversions == o.Conversions &&
		h.Cost.Equal(o.Cost) &&
		h.Revenue.Equal(o.Revenue) &&
		h.Payout.Equal(o.Payout) &&
		h.Profit.Equal(o.Profit) &&
		h.CTR.Equal(o.CTR) &&
		h.CR.Equal(o.CR) &&
		h.EPC.Equal(o.EPC)
}
