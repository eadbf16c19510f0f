// Package weather provides the bundled weather tool provider: an MCP
// server exposing current conditions and short forecasts backed by an
// OpenWeatherMap-compatible API.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/httpkit"
)

// DefaultBaseURL is the OpenWeatherMap 2.5 API.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

// DemoKey selects simulated data instead of API calls.
const DemoKey = "demo"

// MaxForecastDays is the longest forecast the API's free tier returns.
const MaxForecastDays = 5

// ErrCityNotFound is returned when the API does not know the city.
var ErrCityNotFound = errors.New("city not found")

// Units selects the measurement system.
type Units string

const (
	Metric   Units = "metric"
	Imperial Units = "imperial"
)

// ParseUnits validates a units string. Empty selects Metric.
func ParseUnits(s string) (Units, error) {
	switch Units(strings.ToLower(s)) {
	case "", Metric:
		return Metric, nil
	case Imperial:
		return Imperial, nil
	default:
		return "", fmt.Errorf("unknown units %q (valid: metric, imperial)", s)
	}
}

func (u Units) temp() string {
	if u == Imperial {
		return "°F"
	}
	return "°C"
}

func (u Units) speed() string {
	if u == Imperial {
		return "mph"
	}
	return "m/s"
}

// Conditions are the current conditions in a city.
type Conditions struct {
	City        string
	Country     string
	Description string
	Temp        float64
	FeelsLike   float64
	Humidity    int
	WindSpeed   float64
	Units       Units
	Simulated   bool
}

// ForecastDay summarizes one forecast day.
type ForecastDay struct {
	Date        time.Time
	Description string
	Min         float64
	Max         float64
}

// Forecast is a multi-day forecast for a city.
type Forecast struct {
	City      string
	Days      []ForecastDay
	Units     Units
	Simulated bool
}

// Client queries the weather API. With the demo key it never touches
// the network and returns deterministic simulated data.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	units      Units
}

// UserAgent identifies weather API requests, separately from the
// host's own outbound traffic.
func UserAgent() string {
	return buildinfo.ProductName + "-weather/" + buildinfo.Version
}

// NewClient creates a weather API client. An empty apiKey selects demo
// mode; an empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if apiKey == "" {
		apiKey = DemoKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("component", "weather"),
		now:     time.Now,
		units:   Metric,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithUserAgent(UserAgent()),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// SetDefaultUnits selects the units used when a call names none.
func (c *Client) SetDefaultUnits(u Units) { c.units = u }

// Demo reports whether the client returns simulated data.
func (c *Client) Demo() bool { return c.apiKey == DemoKey }

type owmCurrent struct {
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

type owmForecast struct {
	City struct {
		Name     string `json:"name"`
		Timezone int    `json:"timezone"`
	} `json:"city"`
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			TempMin float64 `json:"temp_min"`
			TempMax float64 `json:"temp_max"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	} `json:"list"`
}

// Current returns current conditions for city.
func (c *Client) Current(ctx context.Context, city string, units Units) (*Conditions, error) {
	if c.Demo() {
		return simulateCurrent(city, units), nil
	}

	var raw owmCurrent
	if err := c.get(ctx, "/weather", city, units, nil, &raw); err != nil {
		return nil, err
	}

	cond := &Conditions{
		City:      raw.Name,
		Country:   raw.Sys.Country,
		Temp:      raw.Main.Temp,
		FeelsLike: raw.Main.FeelsLike,
		Humidity:  raw.Main.Humidity,
		WindSpeed: raw.Wind.Speed,
		Units:     units,
	}
	if len(raw.Weather) > 0 {
		cond.Description = raw.Weather[0].Description
	}
	return cond, nil
}

// Forecast returns a daily forecast for city covering days days.
func (c *Client) Forecast(ctx context.Context, city string, days int, units Units) (*Forecast, error) {
	if days < 1 || days > MaxForecastDays {
		return nil, fmt.Errorf("days must be between 1 and %d, got %d", MaxForecastDays, days)
	}
	if c.Demo() {
		return simulateForecast(city, days, units, c.now()), nil
	}

	// The API reports 3-hour steps.
	extra := url.Values{"cnt": {fmt.Sprint(days * 8)}}
	var raw owmForecast
	if err := c.get(ctx, "/forecast", city, units, extra, &raw); err != nil {
		return nil, err
	}

	loc := time.FixedZone("city", raw.City.Timezone)
	byDay := make(map[string]*ForecastDay)
	counts := make(map[string]map[string]int)
	for _, step := range raw.List {
		t := time.Unix(step.Dt, 0).In(loc)
		key := t.Format(time.DateOnly)
		d, ok := byDay[key]
		if !ok {
			date, _ := time.ParseInLocation(time.DateOnly, key, loc)
			d = &ForecastDay{Date: date, Min: step.Main.TempMin, Max: step.Main.TempMax}
			byDay[key] = d
			counts[key] = make(map[string]int)
		}
		d.Min = min(d.Min, step.Main.TempMin)
		d.Max = max(d.Max, step.Main.TempMax)
		if len(step.Weather) > 0 {
			counts[key][step.Weather[0].Description]++
		}
	}

	keys := make([]string, 0, len(byDay))
	for k := range byDay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > days {
		keys = keys[:days]
	}

	fc := &Forecast{City: raw.City.Name, Units: units}
	for _, k := range keys {
		d := byDay[k]
		d.Description = mostCommon(counts[k])
		fc.Days = append(fc.Days, *d)
	}
	return fc, nil
}

func (c *Client) get(ctx context.Context, path, city string, units Units, extra url.Values, dst any) error {
	q := url.Values{
		"q":     {city},
		"appid": {c.apiKey},
		"units": {string(units)},
	}
	for k, v := range extra {
		q[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("weather request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrCityNotFound, city)
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New("weather API rejected the API key")
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("weather API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode weather response: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "weather response", "path", path, "city", city)
	return nil
}

func mostCommon(counts map[string]int) string {
	best, n := "", 0
	for desc, c := range counts {
		if c > n || (c == n && desc < best) {
			best, n = desc, c
		}
	}
	return best
}

var demoConditions = []string{
	"clear sky", "few clouds", "scattered clouds", "overcast clouds",
	"light rain", "moderate rain", "thunderstorm", "mist", "light snow",
}

func cityHash(city string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(city))))
	return h.Sum32()
}

func toUnits(celsius float64, units Units) float64 {
	if units == Imperial {
		return celsius*9/5 + 32
	}
	return celsius
}

// simulateCurrent derives stable conditions from the city name so demo
// output is reproducible.
func simulateCurrent(city string, units Units) *Conditions {
	h := cityHash(city)
	celsius := float64(int(h%35)) - 5
	wind := float64(h%120) / 10
	if units == Imperial {
		wind *= 2.237
	}
	return &Conditions{
		City:        strings.TrimSpace(city),
		Description: demoConditions[h%uint32(len(demoConditions))],
		Temp:        toUnits(celsius, units),
		FeelsLike:   toUnits(celsius-float64(h%4), units),
		Humidity:    30 + int(h%60),
		WindSpeed:   wind,
		Units:       units,
		Simulated:   true,
	}
}

func simulateForecast(city string, days int, units Units, now time.Time) *Forecast {
	h := cityHash(city)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	fc := &Forecast{City: strings.TrimSpace(city), Units: units, Simulated: true}
	for i := 0; i < days; i++ {
		step := h + uint32(i)*7919
		low := float64(int(step%25)) - 5
		fc.Days = append(fc.Days, ForecastDay{
			Date:        start.AddDate(0, 0, i),
			Description: demoConditions[step%uint32(len(demoConditions))],
			Min:         toUnits(low, units),
			Max:         toUnits(low+float64(4+step%8), units),
		})
	}
	return fc
}
