package worker

import (
	"context"
	"fmt"

	"github.com/unifiedai/agentmesh/internal/hsp"
)

// DataAnalysisCapability is the stock advertisement for the built-in
// numeric analysis handler.
func DataAnalysisCapability(aiID string) hsp.CapabilityAdvertisementPayload {
	return hsp.CapabilityAdvertisementPayload{
		CapabilityID:       "data_analysis_v1",
		AIID:               aiID,
		Name:               "Data Analysis",
		Description:        "Summarizes a list of numbers: sum, mean, min, max, count.",
		Version:            "1.0",
		AvailabilityStatus: hsp.AvailabilityOnline,
		Tags:               []string{"analysis", "numeric"},
	}
}

// DataAnalysis computes summary statistics over a "data" parameter
// holding a list of numbers.
func DataAnalysis(ctx context.Context, parameters map[string]any) (map[string]any, error) {
	raw, ok := parameters["data"].([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a list of numbers", "data")
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("parameter %q is empty", "data")
	}

	values := make([]float64, 0, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("data[%d] is not a number", i)
		}
		values = append(values, f)
	}

	sum := 0.0
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	return map[string]any{
		"sum":   sum,
		"mean":  sum / float64(len(values)),
		"min":   min,
		"max":   max,
		"count": float64(len(values)),
	}, nil
}

// EchoCapability is the stock advertisement for the echo handler, mainly
// useful for smoke-testing a mesh.
func EchoCapability(aiID string) hsp.CapabilityAdvertisementPayload {
	return hsp.CapabilityAdvertisementPayload{
		CapabilityID:       "echo_v1",
		AIID:               aiID,
		Name:               "Echo",
		Description:        "Returns its parameters unchanged.",
		Version:            "1.0",
		AvailabilityStatus: hsp.AvailabilityOnline,
		Tags:               []string{"diagnostic"},
	}
}

// Echo returns the request parameters as the result payload.
func Echo(ctx context.Context, parameters map[string]any) (map[string]any, error) {
	return map[string]any{"echo": parameters}, nil
}
