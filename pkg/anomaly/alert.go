package anomaly

import (
	"fmt"
	"time"
)

// Type names the rule that produced an alert.
type Type string

const (
	TypeConversionRate Type = "conversion_rate"
	TypeTrafficDrop    Type = "traffic_drop"
)

// Direction of a deviation.
type Direction string

const (
	DirectionHigh Direction = "HIGH"
	DirectionLow  Direction = "LOW"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Segment identifies what an alert is about: a campaign, optionally narrowed
// by one dimension (country or device).
type Segment struct {
	CampaignID string `json:"campaign_id"`
	Dimension  string `json:"dimension,omitempty"`
	Value      string `json:"value,omitempty"`
}

func (s Segment) String() string {
	if s.Dimension == "" {
		return "campaign=" + s.CampaignID
	}
	return fmt.Sprintf("campaign=%s %s=%s", s.CampaignID, s.Dimension, s.Value)
}

// Alert is one detected deviation.
type Alert struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Segment   Segment   `json:"segment"`
	Direction Direction `json:"direction"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`

	// ZScore is set for conversion rate alerts, Ratio for traffic drops.
	ZScore   float64  `json:"z_score,omitempty"`
	Ratio    float64  `json:"ratio,omitempty"`
	Current  float64  `json:"current"`
	Baseline Baseline `json:"baseline"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	DetectedAt  time.Time `json:"detected_at"`
}
