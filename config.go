// Package smartmeter reads meter readings and daily consumption figures from
// the Wiener Netze smart meter customer portal. The portal has no public API,
// so the client emulates the browser login against log.wien and talks to the
// undocumented B2C gateway behind it.
package smartmeter

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
)

const (
	AuthURL     = "https://log.wien/auth/realms/logwien/protocol/openid-connect/"
	RedirectURL = "https://smartmeter-web.wienernetze.at/"
	PageURL     = "https://smartmeter-web.wienernetze.at/"
	APIBaseURL  = "https://api.wstw.at/gateway/WN_SMART_METER_PORTAL_API_B2C/1.0/"

	ClientID = "wn-smartmeter"

	userAgent = "Please document your APIs! Thanks!"

	// gateway timestamps carry millisecond precision and a literal Z,
	// regardless of the actual zone
	gatewayTimeLayout = "2006-01-02T15:04:05.000"

	DefaultTimeout = 30 * time.Second
)

// The gateway API key is not handed out anywhere; the web frontend ships it
// inside one of its bundled scripts.
var apiKeyRegex = regexp.MustCompile(`(?i)b2cApiKey:\s*"([A-Za-z0-9\-_]+)"`)

// vienna is the zone all calendar bucketing happens in. time/tzdata is
// imported above so this resolves on hosts without a zoneinfo database.
var vienna = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Vienna")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Generation selects which vintage of the portal API the client talks to.
// The portal has been reshaped a few times; endpoint paths, the consumption
// response shape and the key-discovery verb all differ between generations.
type Generation int

const (
	// GenerationConsumptions is the current portal API: a pre-aggregated
	// consumptions endpoint without query parameters.
	GenerationConsumptions Generation = iota
	// GenerationVerbrauch queries messdaten/{customer}/{meter}/verbrauch
	// over a short date window and buckets the returned values itself.
	GenerationVerbrauch
	// GenerationVerbrauchRaw is the oldest API, verbrauchRaw with an
	// explicit date window and GET-based key discovery.
	GenerationVerbrauchRaw
)

func ParseGeneration(s string) (Generation, error) {
	switch s {
	case "consumptions":
		return GenerationConsumptions, nil
	case "verbrauch":
		return GenerationVerbrauch, nil
	case "verbrauchRaw":
		return GenerationVerbrauchRaw, nil
	}
	return 0, fmt.Errorf("unknown API generation %q", s)
}

func (g Generation) String() string {
	switch g {
	case GenerationConsumptions:
		return "consumptions"
	case GenerationVerbrauch:
		return "verbrauch"
	case GenerationVerbrauchRaw:
		return "verbrauchRaw"
	}
	return fmt.Sprintf("Generation(%d)", int(g))
}

// keyDiscoveryMethod is the HTTP verb used to fetch the portal landing page
// during API key discovery. The oldest client generation used a plain GET,
// newer ones POST with the bearer header.
func (g Generation) keyDiscoveryMethod() string {
	if g == GenerationVerbrauchRaw {
		return "GET"
	}
	return "POST"
}

// aggregated reports whether the consumption endpoint of this generation
// returns pre-bucketed yesterday/day-before values instead of a list of
// time-stamped readings.
func (g Generation) aggregated() bool {
	return g == GenerationConsumptions
}

// consumptionRequest builds the endpoint path and query for the consumption
// call of this generation, relative to now.
func (g Generation) consumptionRequest(cfg Config, now time.Time) (string, url.Values) {
	switch g {
	case GenerationVerbrauchRaw:
		return "messdaten/zaehlpunkt/" + cfg.Zaehlpunkt + "/verbrauchRaw", url.Values{
			"dateFrom":    []string{dayWindowStart(now.AddDate(0, 0, -4))},
			"dateTo":      []string{dayWindowEnd(now.AddDate(0, 0, 1))},
			"granularity": []string{"DAY"},
		}
	case GenerationVerbrauch:
		return "messdaten/" + cfg.CustomerID + "/" + cfg.Zaehlpunkt + "/verbrauch", url.Values{
			"dateFrom":          []string{dayWindowStart(now.AddDate(0, 0, -4))},
			"dateTo":            []string{gatewayTimestamp(now)},
			"granularity":       []string{"DAY"},
			"dayViewResolution": []string{"HOUR"},
		}
	}
	return "zaehlpunkt/consumptions", nil
}

func gatewayTimestamp(t time.Time) string {
	return t.Format(gatewayTimeLayout) + "Z"
}

// dayWindowStart marks the gateway's notion of a day boundary, 23:00 of the
// given day.
func dayWindowStart(t time.Time) string {
	return gatewayTimestamp(time.Date(t.Year(), t.Month(), t.Day(), 23, 0, 0, 0, t.Location()))
}

func dayWindowEnd(t time.Time) string {
	return time.Date(t.Year(), t.Month(), t.Day(), 22, 59, 59, 0, t.Location()).Format("2006-01-02T15:04:05") + ".999Z"
}

// Config carries the credentials and knobs for one meter. Credentials are
// owned by the caller and not mutated here.
type Config struct {
	Username   string
	Password   string
	Zaehlpunkt string
	// CustomerID (Geschäftspartner) is only needed by GenerationVerbrauch.
	CustomerID string

	Generation Generation

	// Timeout bounds every network round-trip, defaults to DefaultTimeout.
	Timeout time.Duration

	// Endpoint overrides, primarily for tests. Zero values select the
	// production portal.
	AuthBaseURL string
	PageBaseURL string
	APIBase     string

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.AuthBaseURL == "" {
		c.AuthBaseURL = AuthURL
	}
	if c.PageBaseURL == "" {
		c.PageBaseURL = PageURL
	}
	if c.APIBase == "" {
		c.APIBase = APIBaseURL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
