package voluum

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinytraffic/pkg/traffic"
)

// row mirrors the fields of a live report or conversion row.
type row struct {
	ClickID              string `json:"clickId"`
	ExternalID           string `json:"externalId"`
	TransactionID        string `json:"transactionId"`
	CampaignID           string `json:"campaignId"`
	CampaignName         string `json:"campaignName"`
	OfferID              string `json:"offerId"`
	OfferName            string `json:"offerName"`
	LanderID             string `json:"landerId"`
	LanderName           string `json:"landerName"`
	TrafficSourceID      string `json:"trafficSourceId"`
	TrafficSourceName    string `json:"trafficSourceName"`
	AffiliateNetworkID   string `json:"affiliateNetworkId"`
	AffiliateNetworkName string `json:"affiliateNetworkName"`

	Timestamp         string `json:"timestamp"`
	PostbackTimestamp string `json:"postbackTimestamp"`
	VisitTimestamp    string `json:"visitTimestamp"`

	CountryCode    string `json:"countryCode"`
	CountryName    string `json:"countryName"`
	Region         string `json:"region"`
	City           string `json:"city"`
	Device         string `json:"device"`
	OS             string `json:"os"`
	Browser        string `json:"browser"`
	ConnectionType string `json:"connectionType"`
	ISP            string `json:"isp"`
	IP             string `json:"ip"`

	CustomVariable1  string `json:"customVariable1"`
	CustomVariable2  string `json:"customVariable2"`
	CustomVariable3  string `json:"customVariable3"`
	CustomVariable4  string `json:"customVariable4"`
	CustomVariable5  string `json:"customVariable5"`
	CustomVariable6  string `json:"customVariable6"`
	CustomVariable7  string `json:"customVariable7"`
	CustomVariable8  string `json:"customVariable8"`
	CustomVariable9  string `json:"customVariable9"`
	CustomVariable10 string `json:"customVariable10"`

	Cost    decimal.NullDecimal `json:"cost"`
	Revenue decimal.NullDecimal `json:"revenue"`
	Payout  decimal.NullDecimal `json:"payout"`
	Profit  decimal.NullDecimal `json:"profit"`
}

func (r row) customVars() []string {
	vars := []string{
		r.CustomVariable1, r.CustomVariable2, r.CustomVariable3, r.CustomVariable4, r.CustomVariable5,
		r.CustomVariable6, r.CustomVariable7, r.CustomVariable8, r.CustomVariable9, r.CustomVariable10,
	}
	last := -1
	for i, v := range vars {
		if v != "" {
			last = i
		}
	}
	return vars[:last+1]
}

// decodeRow turns one upstream row into an Event. The row is kept verbatim in Raw.
func decodeRow(src traffic.SourceType, raw json.RawMessage) (traffic.Event, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return traffic.Event{}, err
	}

	e := traffic.Event{
		Source:               src,
		ClickID:              r.ClickID,
		ExternalID:           r.ExternalID,
		TransactionID:        r.TransactionID,
		CampaignID:           r.CampaignID,
		CampaignName:         r.CampaignName,
		OfferID:              r.OfferID,
		OfferName:            r.OfferName,
		LanderID:             r.LanderID,
		LanderName:           r.LanderName,
		TrafficSourceID:      r.TrafficSourceID,
		TrafficSourceName:    r.TrafficSourceName,
		AffiliateNetworkID:   r.AffiliateNetworkID,
		AffiliateNetworkName: r.AffiliateNetworkName,
		CountryCode:          r.CountryCode,
		CountryName:          r.CountryName,
		Region:               r.Region,
		City:                 r.City,
		DeviceType:           r.Device,
		OS:                   r.OS,
		Browser:              r.Browser,
		ConnectionType:       r.ConnectionType,
		ISP:                  r.ISP,
		IP:                   r.IP,
		CustomVars:           r.customVars(),
		Cost:                 orZero(r.Cost),
		Revenue:              orZero(r.Revenue),
		Payout:               orZero(r.Payout),
		Profit:               orZero(r.Profit),
		Raw:                  append(json.RawMessage(nil), raw...),
	}

	if src == traffic.Conversions {
		e.OccurredAt = parseTimestamp(r.PostbackTimestamp)
		e.VisitAt = parseTimestamp(r.VisitTimestamp)
	} else {
		e.OccurredAt = parseTimestamp(r.Timestamp)
	}
	return e.Normalize(), nil
}

var timestampLayouts = []string{
	"2006-01-02 03:04:05 PM",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts the report's 12-hour format and ISO 8601.
// Times without a zone are UTC. Unparseable input yields the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}
