package models

// ModelTokens sums recorded token usage for one model.
type ModelTokens struct {
	Model          string `json:"model"`
	RequestCount   int64  `json:"request_count"`
	PromptTokens   int64  `json:"prompt_tokens"`
	ResponseTokens int64  `json:"response_tokens"`
}

// ModelCost is the estimated spend for one model within a cost summary.
type ModelCost struct {
	Model          string  `json:"model"`
	RequestCount   int64   `json:"request_count"`
	PromptTokens   int64   `json:"prompt_tokens"`
	ResponseTokens int64   `json:"response_tokens"`
	PromptCost     float64 `json:"prompt_cost"`
	ResponseCost   float64 `json:"response_cost"`
	TotalCost      float64 `json:"total_cost"`
}

// CostSummary aggregates estimated spend over a period.
type CostSummary struct {
	UserID     int64       `json:"user_id,omitempty"`
	Period     string      `json:"period"`
	PeriodDays int         `json:"period_days"`
	TotalCost  float64     `json:"total_cost"`
	Currency   string      `json:"currency"`
	Breakdown  []ModelCost `json:"breakdown"`
}

// CostProjection extrapolates recent spend forward.
type CostProjection struct {
	UserID        int64   `json:"user_id,omitempty"`
	BasisDays     int     `json:"basis_days"`
	DailyAverage  float64 `json:"daily_average"`
	Projected30d  float64 `json:"projected_30d"`
	Currency      string  `json:"currency"`
}
