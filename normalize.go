package smartmeter

import (
	"fmt"
	"strings"
	"time"
)

// Attribute names one value in a normalized per-cycle record.
type Attribute string

const (
	AttrMeterReading                  Attribute = "MeterReading"
	AttrConsumptionYesterday          Attribute = "ConsumptionYesterday"
	AttrConsumptionDayBeforeYesterday Attribute = "ConsumptionDayBeforeYesterday"
)

// Record maps attributes to values in kWh. Attributes the gateway did not
// deliver are absent, never zero; a record is rebuilt from scratch every
// cycle.
type Record map[Attribute]float64

// GatewayTime decodes the gateway's timestamp flavors: ISO-8601 with or
// without fractional seconds, with or without a zone. Zoneless stamps are
// taken as Europe/Vienna wall time.
type GatewayTime struct {
	time.Time
}

var gatewayTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

func (t *GatewayTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range gatewayTimeLayouts {
		parsed, err := time.ParseInLocation(layout, s, vienna)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", s)
}

// consumptionResponse covers both consumption shapes the gateway has served
// over the years: a list of time-stamped values (verbrauch/verbrauchRaw) and
// the pre-aggregated consumptions payload. Absent fields simply stay zero.
type consumptionResponse struct {
	Values []consumptionValue `json:"values"`

	ConsumptionYesterday          *aggregatedValue `json:"consumptionYesterday"`
	ConsumptionDayBeforeYesterday *aggregatedValue `json:"consumptionDayBeforeYesterday"`
}

type consumptionValue struct {
	Value     *float64     `json:"value"`
	Timestamp *GatewayTime `json:"timestamp"`
}

type aggregatedValue struct {
	Value *float64 `json:"value"`
}

// mergeConsumption buckets a consumption payload into the record, relative
// to now in the Vienna zone.
//
// The gateway's daily buckets lag wall-clock days by one, so each timestamp
// is shifted forward a calendar day before its date is compared against
// yesterday and the day before. Values outside those two days are dropped;
// if several land in the same bucket the last one wins.
//
// A value of exactly zero is treated as absent, not as a zero-consumption
// day. That quirk is inherited from the portal frontend and covered by a
// test so changing it is a deliberate decision.
func (r Record) mergeConsumption(resp *consumptionResponse, now time.Time) {
	if resp == nil {
		return
	}

	now = now.In(vienna)
	yesterday := now.AddDate(0, 0, -1)
	dayBeforeYesterday := now.AddDate(0, 0, -2)

	for _, v := range resp.Values {
		if v.Value == nil || v.Timestamp == nil || v.Timestamp.IsZero() {
			continue
		}
		kwh := *v.Value / 1000
		if kwh == 0 {
			continue
		}

		shifted := v.Timestamp.In(vienna).AddDate(0, 0, 1)
		if sameDate(shifted, yesterday) {
			r[AttrConsumptionYesterday] = kwh
		}
		if sameDate(shifted, dayBeforeYesterday) {
			r[AttrConsumptionDayBeforeYesterday] = kwh
		}
	}

	if v := resp.ConsumptionYesterday; v != nil && v.Value != nil && *v.Value != 0 {
		r[AttrConsumptionYesterday] = *v.Value / 1000
	}
	if v := resp.ConsumptionDayBeforeYesterday; v != nil && v.Value != nil && *v.Value != 0 {
		r[AttrConsumptionDayBeforeYesterday] = *v.Value / 1000
	}
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
