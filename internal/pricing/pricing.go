// Package pricing estimates USD cost for model token consumption.
package pricing

import "strings"

// Rate holds per-million-token prices in USD.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// rates maps model name prefixes to prices. Longest prefix wins.
var rates = map[string]Rate{
	"claude-opus":       {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet":     {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku":      {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

// defaultRate is used when the model is unknown. Mid-tier pricing keeps
// budget accounting conservative rather than silently free.
var defaultRate = Rate{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// RateFor returns the pricing for a model name.
func RateFor(model string) Rate {
	model = strings.ToLower(model)
	best := ""
	for prefix := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultRate
	}
	return rates[best]
}

// EstimateCost returns the USD cost for the given token counts.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	r := RateFor(model)
	return float64(inputTokens)/1e6*r.InputPerMTok + float64(outputTokens)/1e6*r.OutputPerMTok
}
