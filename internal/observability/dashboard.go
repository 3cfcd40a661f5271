package observability

import (
	"encoding/json"
	"fmt"
)

// The dashboard body is the control plane's JSON widget layout,
// expressed as typed structs so the panels stay reviewable.

type dashboardBody struct {
	Widgets []widget `json:"widgets"`
}

type widget struct {
	Type       string           `json:"type"`
	X          int              `json:"x"`
	Y          int              `json:"y"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Properties widgetProperties `json:"properties"`
}

type widgetProperties struct {
	Title   string  `json:"title,omitempty"`
	Metrics [][]any `json:"metrics,omitempty"`
	Period  int     `json:"period,omitempty"`
	Stat    string  `json:"stat,omitempty"`
	Region  string  `json:"region,omitempty"`
	View    string  `json:"view,omitempty"`
	Query   string  `json:"query,omitempty"`
}

// dashboardJSON lays out the function panels, the gateway panels and a
// live error-log panel for one environment.
func dashboardJSON(region, functionName, apiID, logGroup string) (string, error) {
	functionDim := []any{"AWS/Lambda", "Invocations", "FunctionName", functionName}
	body := dashboardBody{Widgets: []widget{
		{
			Type: "metric", X: 0, Y: 0, Width: 12, Height: 6,
			Properties: widgetProperties{
				Title: "Function invocations and errors",
				Metrics: [][]any{
					functionDim,
					{"AWS/Lambda", "Errors", "FunctionName", functionName},
					{"AWS/Lambda", "Throttles", "FunctionName", functionName},
				},
				Period: 300, Stat: "Sum", Region: region, View: "timeSeries",
			},
		},
		{
			Type: "metric", X: 12, Y: 0, Width: 12, Height: 6,
			Properties: widgetProperties{
				Title: "Function duration",
				Metrics: [][]any{
					{"AWS/Lambda", "Duration", "FunctionName", functionName},
				},
				Period: 300, Stat: "Average", Region: region, View: "timeSeries",
			},
		},
		{
			Type: "metric", X: 0, Y: 6, Width: 12, Height: 6,
			Properties: widgetProperties{
				Title: "Gateway requests and errors",
				Metrics: [][]any{
					{"AWS/ApiGateway", "Count", "ApiId", apiID},
					{"AWS/ApiGateway", "5xx", "ApiId", apiID},
					{"AWS/ApiGateway", "4xx", "ApiId", apiID},
				},
				Period: 300, Stat: "Sum", Region: region, View: "timeSeries",
			},
		},
		{
			Type: "metric", X: 12, Y: 6, Width: 12, Height: 6,
			Properties: widgetProperties{
				Title: "Gateway latency",
				Metrics: [][]any{
					{"AWS/ApiGateway", "Latency", "ApiId", apiID},
				},
				Period: 300, Stat: "p95", Region: region, View: "timeSeries",
			},
		},
		{
			Type: "log", X: 0, Y: 12, Width: 24, Height: 6,
			Properties: widgetProperties{
				Title:  "Recent errors",
				Region: region,
				Query: fmt.Sprintf(
					"SOURCE '%s' | fields @timestamp, @message | filter @message like /ERROR|Traceback/ | sort @timestamp desc | limit 50",
					logGroup,
				),
				View: "table",
			},
		},
	}}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode dashboard body: %w", err)
	}
	return string(data), nil
}
