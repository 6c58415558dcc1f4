package traffic

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

func TestEventKey(t *testing.T) {
	postback := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)

	visit := Event{Source: Visits, ClickID: "c1", OccurredAt: postback}
	assert.Equal(t, "c1", visit.Key())

	conv1 := Event{Source: Conversions, ClickID: "c1", OccurredAt: postback}
	conv2 := Event{Source: Conversions, ClickID: "c1", OccurredAt: postback.Add(time.Minute)}
	assert.NotEqual(t, conv1.Key(), conv2.Key(), "one click may convert twice")
	assert.Equal(t, conv1.Key(), ConversionKey("c1", postback.In(time.FixedZone("PST", -8*3600))))
}

func TestEventValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"ok", Event{Source: Clicks, ClickID: "x", OccurredAt: now}, false},
		{"missing click", Event{Source: Clicks, OccurredAt: now}, true},
		{"missing time", Event{Source: Clicks, ClickID: "x"}, true},
		{"bad source", Event{Source: "views", ClickID: "x", OccurredAt: now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeRoundsMoney(t *testing.T) {
	e := Event{
		Source:     Visits,
		ClickID:    "c",
		OccurredAt: time.Date(2024, 1, 1, 5, 0, 0, 0, time.FixedZone("X", 3600)),
		Cost:       decimal.RequireFromString("0.12345678"),
		Revenue:    decimal.RequireFromString("1.0000004"),
	}
	n := e.Normalize()

	assert.Equal(t, "0.123457", n.Cost.String())
	assert.Equal(t, "1", n.Revenue.String())
	assert.Equal(t, time.UTC, n.OccurredAt.Location())
	assert.Equal(t, 4, n.OccurredAt.Hour())
}

func TestGroupFillsUnknown(t *testing.T) {
	g := Event{CampaignID: "C1"}.Group()
	assert.Equal(t, Group{CampaignID: "C1", CountryCode: Unknown, DeviceType: Unknown}, g)
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource(" Visits ")
	require.NoError(t, err)
	assert.Equal(t, Visits, src)

	_, err = ParseSource("impressions")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestBeforeOrdersByTimeThenKey(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Event{Source: Clicks, ClickID: "a", OccurredAt: ts}
	b := Event{Source: Clicks, ClickID: "b", OccurredAt: ts}
	c := Event{Source: Clicks, ClickID: "0", OccurredAt: ts.Add(time.Second)}

	assert.True(t, Before(a, b))
	assert.False(t, Before(b, a))
	assert.True(t, Before(b, c))
}
