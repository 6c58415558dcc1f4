package traffic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits kept for money fields.
const MoneyPlaces = 6

// Unknown replaces empty rollup dimensions.
const Unknown = "unknown"

// Event is a visit, click or conversion.
//
// OccurredAt is the visit or click timestamp. For conversions it is the
// postback timestamp and VisitAt records the originating visit.
type Event struct {
	Source        SourceType `json:"source"`
	ClickID       string     `json:"click_id"`
	ExternalID    string     `json:"external_id,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
	VisitAt    time.Time `json:"visit_at"`

	CampaignID           string `json:"campaign_id,omitempty"`
	CampaignName         string `json:"campaign_name,omitempty"`
	OfferID              string `json:"offer_id,omitempty"`
	OfferName            string `json:"offer_name,omitempty"`
	LanderID             string `json:"lander_id,omitempty"`
	LanderName           string `json:"lander_name,omitempty"`
	TrafficSourceID      string `json:"traffic_source_id,omitempty"`
	TrafficSourceName    string `json:"traffic_source_name,omitempty"`
	AffiliateNetworkID   string `json:"affiliate_network_id,omitempty"`
	AffiliateNetworkName string `json:"affiliate_network_name,omitempty"`

	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`

	DeviceType     string `json:"device_type,omitempty"`
	OS             string `json:"os,omitempty"`
	Browser        string `json:"browser,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	ISP            string `json:"isp,omitempty"`
	IP             string `json:"ip,omitempty"`

	CustomVars []string `json:"custom_vars,omitempty"`

	Cost    decimal.Decimal `json:"cost"`
	Revenue decimal.Decimal `json:"revenue"`
	Payout  decimal.Decimal `json:"payout"`
	Profit  decimal.Decimal `json:"profit"`

	// Raw is the upstream payload, kept verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Key returns the natural key used for deduplication.
func (e Event) Key() string {
	if e.Source == Conversions {
		return ConversionKey(e.ClickID, e.OccurredAt)
	}
	return e.ClickID
}

// ConversionKey builds the composite key of a conversion.
func ConversionKey(clickID string, postback time.Time) string {
	return clickID + "|" + strconv.FormatInt(postback.UTC().UnixNano(), 10)
}

// Validate checks the fields every stored event must carry.
func (e Event) Validate() error {
	if !e.Source.Valid() {
		return fmt.Errorf("invalid source %q", e.Source)
	}
	if e.ClickID == "" {
		return errors.New("missing click_id")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("click %s: missing timestamp", e.ClickID)
	}
	return nil
}

// Normalize returns a copy with UTC times and money rounded to MoneyPlaces.
func (e Event) Normalize() Event {
	e.OccurredAt = e.OccurredAt.UTC()
	if !e.VisitAt.IsZero() {
		e.VisitAt = e.VisitAt.UTC()
	}
	e.Cost = RoundMoney(e.Cost)
	e.Revenue = RoundMoney(e.Revenue)
	e.Payout = RoundMoney(e.Payout)
	e.Profit = RoundMoney(e.Profit)
	return e
}

// Group returns the rollup group the event belongs to.
func (e Event) Group() Group {
	return Group{
		CampaignID:  orUnknown(e.CampaignID),
		CountryCode: orUnknown(e.CountryCode),
		DeviceType:  orUnknown(e.DeviceType),
	}
}

// RoundMoney rounds d to MoneyPlaces fractional digits.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Before orders events by (OccurredAt, Key).
func Before(a, b Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.Key() < b.Key()
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
