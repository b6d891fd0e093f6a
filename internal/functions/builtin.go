package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// weatherEndpoint is the Open-Meteo forecast API used by the built-in
// weather function. Overridable in tests.
var weatherEndpoint = "https://api.open-meteo.com/v1/forecast"

// httpClient is shared by built-in handlers that reach external APIs.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Builtins returns the function definitions shipped with the relay.
// Config-provided tools are added alongside them; a config tool whose name
// matches a built-in is ignored, so deployments can extend the set but not
// override a built-in.
func Builtins() []Definition {
	return []Definition{
		{
			Name:        "get_weather_from_coords",
			Description: "Get the current weather for a latitude/longitude pair.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"latitude":  map[string]any{"type": "number"},
					"longitude": map[string]any{"type": "number"},
				},
				"required": []any{"latitude", "longitude"},
			},
			Handler: getWeatherFromCoords,
		},
		{
			Name:        "get_current_time",
			Description: "Get the current UTC date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: getCurrentTime,
		},
	}
}

func getWeatherFromCoords(ctx context.Context, args json.RawMessage) (any, error) {
	var coords struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &coords); err != nil {
		return nil, fmt.Errorf("decode coordinates: %w", err)
	}

	url := fmt.Sprintf("%s?latitude=%g&longitude=%g&current=temperature_2m,wind_speed_10m",
		weatherEndpoint, coords.Latitude, coords.Longitude)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather lookup: status %d", resp.StatusCode)
	}

	var body struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
		CurrentUnits struct {
			Temperature string `json:"temperature_2m"`
		} `json:"current_units"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("weather lookup: decode: %w", err)
	}

	return map[string]any{
		"temperature": body.Current.Temperature,
		"unit":        body.CurrentUnits.Temperature,
		"wind_speed":  body.Current.WindSpeed,
	}, nil
}

func getCurrentTime(_ context.Context, _ json.RawMessage) (any, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}
