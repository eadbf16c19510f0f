package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcphost/internal/mcp"
)

func newLocalClient(t *testing.T, wc *Client) *mcp.Client {
	t.Helper()
	srv, err := NewServer(wc, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	c := mcp.NewClient("weather", mcp.NewLocalTransport(srv.NewSession()), nil)
	t.Cleanup(func() { c.Close() })
	if _, err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestServer_ToolSchemas(t *testing.T) {
	c := newLocalClient(t, NewClient("", DemoKey, nil))

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	byName := make(map[string]mcp.Tool)
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	for _, name := range []string{"get_current_weather", "get_forecast"} {
		tool, ok := byName[name]
		if !ok {
			t.Fatalf("missing tool %s", name)
		}
		var schema struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
			Required []string `json:"required"`
		}
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			t.Fatalf("%s schema: %v", name, err)
		}
		if schema.Properties["city"].Type != "string" {
			t.Errorf("%s: city type = %q, want string", name, schema.Properties["city"].Type)
		}
		if len(schema.Required) != 1 || schema.Required[0] != "city" {
			t.Errorf("%s: required = %v, want [city]", name, schema.Required)
		}
	}
}

func TestServer_DemoCurrentWeather(t *testing.T) {
	c := newLocalClient(t, NewClient("", DemoKey, nil))
	ctx := context.Background()

	res, err := c.CallTool(ctx, "get_current_weather", mcp.Arguments{"city": mcp.String("London")})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Text())
	}
	text := res.Text()
	if !strings.HasPrefix(text, "Current weather in London:") || !strings.Contains(text, "simulated") {
		t.Errorf("text = %q", text)
	}

	again, _ := c.CallTool(ctx, "get_current_weather", mcp.Arguments{"city": mcp.String("london")})
	if strings.TrimPrefix(again.Text(), "Current weather in london:") != strings.TrimPrefix(text, "Current weather in London:") {
		t.Errorf("demo data should be stable per city:\n%s\n%s", text, again.Text())
	}
}

func TestServer_ArgumentErrors(t *testing.T) {
	c := newLocalClient(t, NewClient("", DemoKey, nil))

	tests := []struct {
		name string
		tool string
		args mcp.Arguments
		want string
	}{
		{"missing city", "get_current_weather", mcp.Arguments{}, "city"},
		{"city not a string", "get_current_weather", mcp.Arguments{"city": mcp.Int(7)}, "city"},
		{"blank city", "get_forecast", mcp.Arguments{"city": mcp.String("  ")}, "city must not be empty"},
		{"bad units", "get_current_weather", mcp.Arguments{"city": mcp.String("Oslo"), "units": mcp.String("kelvin")}, "units"},
		{"too many days", "get_forecast", mcp.Arguments{"city": mcp.String("Oslo"), "days": mcp.Int(9)}, "days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.CallTool(context.Background(), tt.tool, tt.args)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if !res.IsError || !strings.Contains(res.Text(), tt.want) {
				t.Errorf("result = %+v, want error containing %q", res, tt.want)
			}
		})
	}
}

func TestServer_DemoForecast(t *testing.T) {
	c := newLocalClient(t, NewClient("", DemoKey, nil))

	res, err := c.CallTool(context.Background(), "get_forecast", mcp.Arguments{
		"city": mcp.String("Paris"), "days": mcp.Int(2), "units": mcp.String("imperial"),
	})
	if err != nil || res.IsError {
		t.Fatalf("CallTool: %v %+v", err, res)
	}
	lines := strings.Split(res.Text(), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "2-day forecast for Paris") {
		t.Errorf("forecast = %q", res.Text())
	}
	if !strings.Contains(lines[1], "°F") {
		t.Errorf("imperial units not applied: %q", lines[1])
	}
}

func TestServer_PromptAndResource(t *testing.T) {
	c := newLocalClient(t, NewClient("", DemoKey, nil))
	ctx := context.Background()

	p, err := c.GetPrompt(ctx, "weather_report", map[string]string{"city": "Lisbon"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(p.Messages) != 1 || !strings.Contains(p.Messages[0].Content.Text, "Lisbon") {
		t.Errorf("prompt = %+v", p)
	}

	contents, err := c.ReadResource(ctx, "weather://units")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(contents) != 1 || !strings.Contains(contents[0].Text, "imperial") {
		t.Errorf("resource = %+v", contents)
	}
}

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("appid") != "live-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if q.Get("q") == "Atlantis" {
			http.Error(w, `{"cod":"404","message":"city not found"}`, http.StatusNotFound)
			return
		}
		switch r.URL.Path {
		case "/weather":
			fmt.Fprintf(w, `{"name":"London","sys":{"country":"GB"},"main":{"temp":14.2,"feels_like":13.1,"humidity":82},"weather":[{"description":"light rain"}],"wind":{"speed":4.1},"units":%q}`, q.Get("units"))
		case "/forecast":
			if q.Get("cnt") != "16" {
				t.Errorf("cnt = %q, want 16", q.Get("cnt"))
			}
			day1 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).Unix()
			fmt.Fprintf(w, `{"city":{"name":"London","timezone":0},"list":[
				{"dt":%d,"main":{"temp_min":8,"temp_max":10},"weather":[{"description":"light rain"}]},
				{"dt":%d,"main":{"temp_min":7,"temp_max":13},"weather":[{"description":"light rain"}]},
				{"dt":%d,"main":{"temp_min":9,"temp_max":11},"weather":[{"description":"clear sky"}]},
				{"dt":%d,"main":{"temp_min":6,"temp_max":15},"weather":[{"description":"few clouds"}]}
			]}`, day1+3*3600, day1+6*3600, day1+9*3600, day1+27*3600)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_LiveCurrent(t *testing.T) {
	ts := newAPIServer(t)
	c := NewClient(ts.URL, "live-key", nil)

	cond, err := c.Current(context.Background(), "London", Metric)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cond.Simulated || cond.Country != "GB" || cond.Description != "light rain" || cond.Humidity != 82 {
		t.Errorf("conditions = %+v", cond)
	}
	want := "Current weather in London, GB: light rain, 14.2°C (feels like 13.1°C), humidity 82%, wind 4.1 m/s"
	if got := FormatConditions(cond); got != want {
		t.Errorf("FormatConditions() = %q\nwant %q", got, want)
	}
}

func TestClient_LiveForecast(t *testing.T) {
	ts := newAPIServer(t)
	c := NewClient(ts.URL, "live-key", nil)

	fc, err := c.Forecast(context.Background(), "London", 2, Metric)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(fc.Days) != 2 {
		t.Fatalf("days = %d, want 2", len(fc.Days))
	}
	first := fc.Days[0]
	if first.Min != 7 || first.Max != 13 || first.Description != "light rain" {
		t.Errorf("day 1 = %+v", first)
	}
	if fc.Days[1].Description != "few clouds" {
		t.Errorf("day 2 = %+v", fc.Days[1])
	}
}

func TestClient_LiveErrors(t *testing.T) {
	ts := newAPIServer(t)

	_, err := NewClient(ts.URL, "live-key", nil).Current(context.Background(), "Atlantis", Metric)
	if !errors.Is(err, ErrCityNotFound) {
		t.Errorf("err = %v, want ErrCityNotFound", err)
	}

	_, err = NewClient(ts.URL, "wrong-key", nil).Current(context.Background(), "London", Metric)
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Errorf("err = %v, want API key rejection", err)
	}
}

func TestClient_UserAgent(t *testing.T) {
	ua := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua <- r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"name":"Oslo","sys":{"country":"NO"},"main":{"temp":1},"weather":[{"description":"snow"}],"wind":{"speed":1}}`)
	}))
	t.Cleanup(ts.Close)

	if _, err := NewClient(ts.URL, "live-key", nil).Current(context.Background(), "Oslo", Metric); err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got := <-ua; got != UserAgent() || !strings.HasPrefix(got, "mcphost-weather/") {
		t.Errorf("User-Agent = %q, want %q", got, UserAgent())
	}
}

func TestClient_DemoNeverCallsNetwork(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", nil)
	if !c.Demo() {
		t.Fatal("empty key should select demo mode")
	}
	fc, err := c.Forecast(context.Background(), "Tokyo", 5, Metric)
	if err != nil || len(fc.Days) != 5 || !fc.Simulated {
		t.Errorf("forecast = %+v, err = %v", fc, err)
	}
	for _, d := range fc.Days {
		if d.Max <= d.Min {
			t.Errorf("day %v: max %.1f <= min %.1f", d.Date, d.Max, d.Min)
		}
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		in      string
		want    Units
		wantErr bool
	}{
		{"", Metric, false},
		{"Metric", Metric, false},
		{"imperial", Imperial, false},
		{"kelvin", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnits(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseUnits(%q) = %q, %v", tt.in, got, err)
		}
	}
}
