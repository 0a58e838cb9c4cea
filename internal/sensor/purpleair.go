package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/aqi"
	"github.com/afroash/aq-notify/internal/errs"
)

// DefaultBaseURL is the PurpleAir API root
const DefaultBaseURL = "https://api.purpleair.com/v1"

var (
	localFields    = []string{"name", "last_seen", "humidity", "pm2.5_atm_a", "pm2.5_atm_b", "pm2.5_cf_1_a", "pm2.5_cf_1_b"}
	regionalFields = []string{"name", "pm2.5_atm_a", "pm2.5_atm_b", "pm2.5_cf_1_a", "pm2.5_cf_1_b"}
)

// LocalSample is the raw local station payload
type LocalSample struct {
	SensorIndex int
	Name        string
	Timestamp   time.Time
	Atm         aqi.Pair
	CF1         *aqi.Pair
	Humidity    float64
}

// BBox is a geographic bounding box in decimal degrees
type BBox struct {
	NWLng float64 `yaml:"nw_lng"`
	NWLat float64 `yaml:"nw_lat"`
	SELng float64 `yaml:"se_lng"`
	SELat float64 `yaml:"se_lat"`
}

// Valid reports whether the box has a positive area
func (b BBox) Valid() bool {
	return b.NWLng < b.SELng && b.NWLat > b.SELat
}

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RegionalMaxAge time.Duration
}

// Client talks to the PurpleAir sensors API
type Client struct {
	baseURL string
	apiKey  string
	maxAge  time.Duration
	http    *http.Client
	logger  zerolog.Logger
	now     func() time.Time
}

// NewClient creates an API client
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		maxAge:  opts.RegionalMaxAge,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  logger,
		now:     time.Now,
	}
}

type localResponse struct {
	DataTimeStamp int64 `json:"data_time_stamp"`
	Sensor        struct {
		SensorIndex int      `json:"sensor_index"`
		Name        string   `json:"name"`
		LastSeen    int64    `json:"last_seen"`
		Humidity    *float64 `json:"humidity"`
		AtmA        *float64 `json:"pm2.5_atm_a"`
		AtmB        *float64 `json:"pm2.5_atm_b"`
		CF1A        *float64 `json:"pm2.5_cf_1_a"`
		CF1B        *float64 `json:"pm2.5_cf_1_b"`
	} `json:"sensor"`
}

type listResponse struct {
	Fields []string            `json:"fields"`
	Data   [][]json.RawMessage `json:"data"`
}

// FetchLocalReading returns the latest raw values of one station
func (c *Client) FetchLocalReading(ctx context.Context, sensorIndex int) (LocalSample, error) {
	const op = "purpleair.local"

	q := url.Values{}
	q.Set("fields", strings.Join(localFields, ","))
	endpoint := fmt.Sprintf("%s/sensors/%d?%s", c.baseURL, sensorIndex, q.Encode())

	var resp localResponse
	if err := c.get(ctx, op, endpoint, &resp); err != nil {
		return LocalSample{}, err
	}

	s := resp.Sensor
	if s.AtmA == nil || s.AtmB == nil {
		return LocalSample{}, errs.DataQuality(op, fmt.Errorf("sensor %d: missing pm2.5 atm channels", sensorIndex))
	}

	sample := LocalSample{
		SensorIndex: s.SensorIndex,
		Name:        s.Name,
		Atm:         aqi.Pair{A: *s.AtmA, B: *s.AtmB},
	}
	if s.CF1A != nil && s.CF1B != nil {
		sample.CF1 = &aqi.Pair{A: *s.CF1A, B: *s.CF1B}
	}
	if s.Humidity != nil {
		sample.Humidity = *s.Humidity
	}

	switch {
	case s.LastSeen > 0:
		sample.Timestamp = time.Unix(s.LastSeen, 0).UTC()
	case resp.DataTimeStamp > 0:
		sample.Timestamp = time.Unix(resp.DataTimeStamp, 0).UTC()
	default:
		sample.Timestamp = c.now().UTC()
	}
	return sample, nil
}

// FetchRegionalReadings returns every outdoor station inside bbox. Rows
// without an atmospheric pair are skipped.
func (c *Client) FetchRegionalReadings(ctx context.Context, bbox BBox) ([]aqi.Station, error) {
	const op = "purpleair.regional"

	q := url.Values{}
	q.Set("fields", strings.Join(regionalFields, ","))
	q.Set("location_type", "0")
	q.Set("nwlng", formatCoord(bbox.NWLng))
	q.Set("nwlat", formatCoord(bbox.NWLat))
	q.Set("selng", formatCoord(bbox.SELng))
	q.Set("selat", formatCoord(bbox.SELat))
	if c.maxAge > 0 {
		q.Set("max_age", strconv.Itoa(int(c.maxAge.Seconds())))
	}
	endpoint := c.baseURL + "/sensors?" + q.Encode()

	var resp listResponse
	if err := c.get(ctx, op, endpoint, &resp); err != nil {
		return nil, err
	}

	col := make(map[string]int, len(resp.Fields))
	for i, f := range resp.Fields {
		col[f] = i
	}
	for _, f := range []string{"pm2.5_atm_a", "pm2.5_atm_b"} {
		if _, ok := col[f]; !ok {
			return nil, errs.DataQuality(op, fmt.Errorf("response missing field %q", f))
		}
	}

	stations := make([]aqi.Station, 0, len(resp.Data))
	skipped := 0
	for _, row := range resp.Data {
		a, okA := numberAt(row, col, "pm2.5_atm_a")
		b, okB := numberAt(row, col, "pm2.5_atm_b")
		if !okA || !okB {
			skipped++
			continue
		}
		st := aqi.Station{Atm: aqi.Pair{A: a, B: b}}
		cfA, okCA := numberAt(row, col, "pm2.5_cf_1_a")
		cfB, okCB := numberAt(row, col, "pm2.5_cf_1_b")
		if okCA && okCB {
			st.CF1 = &aqi.Pair{A: cfA, B: cfB}
		}
		stations = append(stations, st)
	}

	c.logger.Debug().
		Int("stations", len(stations)).
		Int("skipped", skipped).
		Msg("Fetched regional readings")
	return stations, nil
}

func (c *Client) get(ctx context.Context, op, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.Configuration(op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errs.Transient(op, statusErr)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errs.Configuration(op, statusErr)
		default:
			return errs.DataQuality(op, statusErr)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.DataQuality(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func numberAt(row []json.RawMessage, col map[string]int, field string) (float64, bool) {
	i, ok := col[field]
	if !ok || i >= len(row) {
		return 0, false
	}
	var v *float64
	if err := json.Unmarshal(row[i], &v); err != nil || v == nil {
		return 0, false
	}
	return *v, true
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
