package cost

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/metrics"
	"github.com/relay-llm/relay/pkg/models"
)

// periodDays maps summary period names to window lengths.
var periodDays = map[string]int{
	"day":     1,
	"week":    7,
	"month":   30,
	"quarter": 90,
	"year":    365,
}

// Calculator estimates spend from recorded usage metrics and configured
// per-1K-token pricing.
type Calculator struct {
	pricing  []config.ModelPrice
	recorder *metrics.Recorder
}

// New creates a Calculator over the given pricing table and recorder.
func New(pricing []config.ModelPrice, recorder *metrics.Recorder) *Calculator {
	return &Calculator{pricing: pricing, recorder: recorder}
}

// priceFor resolves pricing for a model name: exact match first, then
// longest configured prefix, then the first table entry as a fallback.
func (c *Calculator) priceFor(model string) config.ModelPrice {
	key := strings.ToLower(model)
	var best config.ModelPrice
	bestLen := -1
	for _, p := range c.pricing {
		if p.Model == key {
			return p
		}
		if strings.HasPrefix(key, p.Model) && len(p.Model) > bestLen {
			best = p
			bestLen = len(p.Model)
		}
	}
	if bestLen >= 0 {
		return best
	}
	if len(c.pricing) > 0 {
		return c.pricing[0]
	}
	return config.ModelPrice{}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Summary estimates per-model and total spend over the named period,
// optionally filtered to one user (userID 0 means all).
func (c *Calculator) Summary(ctx context.Context, userID int64, period string) (models.CostSummary, error) {
	days, ok := periodDays[period]
	if !ok {
		days = periodDays["month"]
		period = "month"
	}

	usage, err := c.recorder.TokensByModel(ctx, userID, days)
	if err != nil {
		return models.CostSummary{}, fmt.Errorf("cost summary: %w", err)
	}

	summary := models.CostSummary{
		UserID:     userID,
		Period:     period,
		PeriodDays: days,
		Currency:   "USD",
	}

	for _, u := range usage {
		price := c.priceFor(u.Model)
		promptCost := float64(u.PromptTokens) / 1000 * price.InputPer1K
		responseCost := float64(u.ResponseTokens) / 1000 * price.OutputPer1K
		mc := models.ModelCost{
			Model:          u.Model,
			RequestCount:   u.RequestCount,
			PromptTokens:   u.PromptTokens,
			ResponseTokens: u.ResponseTokens,
			PromptCost:     round6(promptCost),
			ResponseCost:   round6(responseCost),
			TotalCost:      round6(promptCost + responseCost),
		}
		summary.Breakdown = append(summary.Breakdown, mc)
		summary.TotalCost += mc.TotalCost
	}
	summary.TotalCost = round6(summary.TotalCost)

	sort.Slice(summary.Breakdown, func(i, j int) bool {
		return summary.Breakdown[i].TotalCost > summary.Breakdown[j].TotalCost
	})
	return summary, nil
}

// Projection extrapolates the last basisDays of spend to a 30-day estimate.
func (c *Calculator) Projection(ctx context.Context, userID int64, basisDays int) (models.CostProjection, error) {
	if basisDays <= 0 {
		basisDays = 7
	}

	usage, err := c.recorder.TokensByModel(ctx, userID, basisDays)
	if err != nil {
		return models.CostProjection{}, fmt.Errorf("cost projection: %w", err)
	}

	var total float64
	for _, u := range usage {
		price := c.priceFor(u.Model)
		total += float64(u.PromptTokens)/1000*price.InputPer1K +
			float64(u.ResponseTokens)/1000*price.OutputPer1K
	}

	daily := total / float64(basisDays)
	return models.CostProjection{
		UserID:       userID,
		BasisDays:    basisDays,
		DailyAverage: round6(daily),
		Projected30d: round6(daily * 30),
		Currency:     "USD",
	}, nil
}
