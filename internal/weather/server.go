package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/mcp"
)

// ServerName is the serverInfo name the provider reports.
const ServerName = "weather"

const currentSchema = `{
  "type": "object",
  "properties": {
    "city": {"type": "string", "description": "City name, optionally with country code, e.g. \"London,GB\""},
    "units": {"type": "string", "enum": ["metric", "imperial"], "description": "Measurement system (default metric)"}
  },
  "required": ["city"]
}`

const forecastSchema = `{
  "type": "object",
  "properties": {
    "city": {"type": "string", "description": "City name, optionally with country code"},
    "days": {"type": "integer", "minimum": 1, "maximum": 5, "description": "Number of days (default 3)"},
    "units": {"type": "string", "enum": ["metric", "imperial"], "description": "Measurement system (default metric)"}
  },
  "required": ["city"]
}`

const demoNote = "(simulated data: set WEATHER_API_KEY for live conditions)"

// NewServer builds the weather MCP server on top of client. The same
// server is mounted in-process by the host and served standalone by
// the weather-mcp binary.
func NewServer(client *Client, logger *slog.Logger) (*mcp.Server, error) {
	srv := mcp.NewServer(ServerName, buildinfo.Version, logger)
	if client.Demo() {
		srv.SetInstructions("Weather data is simulated in demo mode.")
	}

	tools := []struct {
		tool    mcp.Tool
		handler mcp.ToolHandler
	}{
		{
			tool: mcp.Tool{
				Name:        "get_current_weather",
				Description: "Get the current weather conditions for a city.",
				InputSchema: json.RawMessage(currentSchema),
			},
			handler: currentHandler(client),
		},
		{
			tool: mcp.Tool{
				Name:        "get_forecast",
				Description: "Get a daily weather forecast for a city, up to 5 days ahead.",
				InputSchema: json.RawMessage(forecastSchema),
			},
			handler: forecastHandler(client),
		},
	}
	for _, t := range tools {
		if err := srv.AddTool(t.tool, t.handler); err != nil {
			return nil, err
		}
	}

	srv.AddResource(mcp.Resource{
		URI:         "weather://units",
		Name:        "units",
		Description: "Supported measurement systems",
		MimeType:    "text/plain",
	}, func(_ context.Context, uri string) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{{
			URI:      uri,
			MimeType: "text/plain",
			Text:     "metric: °C, m/s\nimperial: °F, mph",
		}}, nil
	})

	srv.AddPrompt(mcp.Prompt{
		Name:        "weather_report",
		Description: "Ask for a short weather briefing for a city.",
		Arguments:   []mcp.PromptArgument{{Name: "city", Description: "City name", Required: true}},
	}, func(_ context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
		city := strings.TrimSpace(args["city"])
		if city == "" {
			return nil, fmt.Errorf("city is required")
		}
		return &mcp.GetPromptResult{
			Description: "Weather briefing for " + city,
			Messages: []mcp.PromptMessage{{
				Role: "user",
				Content: mcp.TextContent(fmt.Sprintf(
					"Give me a short weather briefing for %s: current conditions and the next three days.", city)),
			}},
		}, nil
	})

	return srv, nil
}

func cityAndUnits(args mcp.Arguments, fallback Units) (string, Units, error) {
	city, _ := args.String("city")
	city = strings.TrimSpace(city)
	if city == "" {
		return "", "", fmt.Errorf("city must not be empty")
	}
	u, ok := args.String("units")
	if !ok || u == "" {
		return city, fallback, nil
	}
	units, err := ParseUnits(u)
	if err != nil {
		return "", "", err
	}
	return city, units, nil
}

func currentHandler(client *Client) mcp.ToolHandler {
	return func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
		city, units, err := cityAndUnits(args, client.units)
		if err != nil {
			return nil, err
		}
		cond, err := client.Current(ctx, city, units)
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(FormatConditions(cond)), nil
	}
}

func forecastHandler(client *Client) mcp.ToolHandler {
	return func(ctx context.Context, args mcp.Arguments) (*mcp.CallToolResult, error) {
		city, units, err := cityAndUnits(args, client.units)
		if err != nil {
			return nil, err
		}
		days := int64(3)
		if d, ok := args.Int("days"); ok {
			days = d
		}
		fc, err := client.Forecast(ctx, city, int(days), units)
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(FormatForecast(fc)), nil
	}
}

// FormatConditions renders current conditions as one line of text.
func FormatConditions(c *Conditions) string {
	place := c.City
	if c.Country != "" {
		place += ", " + c.Country
	}
	s := fmt.Sprintf("Current weather in %s: %s, %.1f%s (feels like %.1f%s), humidity %d%%, wind %.1f %s",
		place, c.Description,
		c.Temp, c.Units.temp(), c.FeelsLike, c.Units.temp(),
		c.Humidity, c.WindSpeed, c.Units.speed())
	if c.Simulated {
		s += " " + demoNote
	}
	return s
}

// FormatForecast renders a forecast with one line per day.
func FormatForecast(f *Forecast) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-day forecast for %s", len(f.Days), f.City)
	if f.Simulated {
		b.WriteString(" " + demoNote)
	}
	b.WriteString(":")
	for _, d := range f.Days {
		fmt.Fprintf(&b, "\n%s: %s, %.1f%s to %.1f%s",
			d.Date.Format("Mon Jan 2"), d.Description,
			d.Min, f.Units.temp(), d.Max, f.Units.temp())
	}
	return b.String()
}
