package smartmeter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// MeterDataClient issues authenticated calls against the data gateway and
// shapes the results into per-cycle records. It owns an AuthSession and logs
// in lazily: once at the start of a cycle, reused for every call within it.
type MeterDataClient struct {
	cfg     Config
	log     *zap.Logger
	session *AuthSession

	// httpClient decorates the session's cookie-jar client with the
	// bearer/API key headers every gateway call must carry.
	httpClient *http.Client

	// now is swapped out in tests to pin the calendar buckets.
	now func() time.Time
}

func NewMeterDataClient(cfg Config) (*MeterDataClient, error) {
	cfg = cfg.withDefaults()

	session, err := NewAuthSession(cfg)
	if err != nil {
		return nil, err
	}

	return &MeterDataClient{
		cfg:        cfg,
		log:        cfg.Logger,
		session:    session,
		httpClient: httpClientWithReqHeaders(session.httpClient, session.authHeaders),
		now:        time.Now,
	}, nil
}

// Refresh runs one fetch cycle: ensure a live session, pull the meter
// reading and the consumption data, and return a freshly built record. The
// caller owns the cadence; nothing is retried here.
func (c *MeterDataClient) Refresh(ctx context.Context) (Record, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	record := Record{}

	reading, err := c.MeterReading(ctx)
	if err != nil {
		return nil, err
	}
	record[AttrMeterReading] = reading / 1000

	consumption, err := c.Consumption(ctx)
	if err != nil {
		return nil, err
	}
	record.mergeConsumption(consumption, c.now())

	c.log.Debug("fetch cycle complete", zap.Int("attributes", len(record)))
	return record, nil
}

// Verify performs only the login handshake, for checking credentials during
// setup. Use IsInvalidCredentials on the returned error to tell rejected
// credentials from transport failures.
func (c *MeterDataClient) Verify(ctx context.Context) error {
	return c.session.Login(ctx)
}

func (c *MeterDataClient) ensureSession(ctx context.Context) error {
	if c.session.Valid() {
		return nil
	}
	return c.session.Login(ctx)
}

type meterReadingsResponse struct {
	MeterReadings []struct {
		Value       *float64     `json:"value"`
		Type        string       `json:"type"`
		ReadingDate *GatewayTime `json:"readingDate"`
	} `json:"meterReadings"`
}

// MeterReading returns the latest meter reading in Wh.
func (c *MeterDataClient) MeterReading(ctx context.Context) (float64, error) {
	var readings meterReadingsResponse
	if err := c.callAPI(ctx, "zaehlpunkt/meterReadings", nil, &readings); err != nil {
		return 0, err
	}

	if len(readings.MeterReadings) == 0 || readings.MeterReadings[0].Value == nil {
		return 0, &DataError{Reason: ReasonNoReadingAvailable}
	}
	return *readings.MeterReadings[0].Value, nil
}

// Consumption fetches the consumption payload of the configured generation.
// Partially-shaped payloads are fine, missing fields later show up as
// omitted attributes.
func (c *MeterDataClient) Consumption(ctx context.Context) (*consumptionResponse, error) {
	endpoint, query := c.cfg.Generation.consumptionRequest(c.cfg, c.now().In(vienna))
	c.log.Debug("fetching consumption",
		zap.Stringer("generation", c.cfg.Generation),
		zap.Bool("aggregated", c.cfg.Generation.aggregated()))

	consumption := &consumptionResponse{}
	if err := c.callAPI(ctx, endpoint, query, consumption); err != nil {
		return nil, err
	}
	return consumption, nil
}

func (c *MeterDataClient) callAPI(ctx context.Context, endpoint string, query url.Values, dest any) error {
	apiURL := c.cfg.APIBase + endpoint
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}
	c.log.Debug("calling gateway", zap.String("url", apiURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("building gateway request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransport(err, func(err error) error {
			return fmt.Errorf("calling %s: %w", endpoint, err)
		})
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %d", endpoint, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		return &DataError{Reason: ReasonMalformedResponse, Err: fmt.Errorf("decoding %s response: %w", endpoint, err)}
	}
	return nil
}
