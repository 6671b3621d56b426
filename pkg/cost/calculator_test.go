package cost

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relay-llm/relay/pkg/config"
	"github.com/relay-llm/relay/pkg/metrics"
)

func newTestCalculator(t *testing.T, pricing []config.ModelPrice) (*Calculator, *metrics.Recorder) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cost_test.db")
	rec, err := metrics.NewRecorder(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	return New(pricing, rec), rec
}

// words returns a text with exactly n whitespace-delimited words, so the
// recorder's token approximation is predictable.
func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestPriceFor(t *testing.T) {
	c := &Calculator{pricing: []config.ModelPrice{
		{Model: "llama2", InputPer1K: 1, OutputPer1K: 2},
		{Model: "llama", InputPer1K: 3, OutputPer1K: 4},
		{Model: "mistral", InputPer1K: 5, OutputPer1K: 6},
	}}

	// Exact match wins.
	if p := c.priceFor("llama2"); p.InputPer1K != 1 {
		t.Errorf("expected exact match, got %+v", p)
	}
	// Longest prefix wins over shorter.
	if p := c.priceFor("llama2:13b"); p.InputPer1K != 1 {
		t.Errorf("expected llama2 prefix, got %+v", p)
	}
	if p := c.priceFor("llama3"); p.InputPer1K != 3 {
		t.Errorf("expected llama prefix, got %+v", p)
	}
	// Case-insensitive.
	if p := c.priceFor("Mistral"); p.InputPer1K != 5 {
		t.Errorf("expected mistral, got %+v", p)
	}
	// Unknown model falls back to the first entry.
	if p := c.priceFor("phi3"); p.InputPer1K != 1 {
		t.Errorf("expected first-entry fallback, got %+v", p)
	}
}

func TestSummary(t *testing.T) {
	pricing := []config.ModelPrice{
		{Model: "llama2", InputPer1K: 0.1, OutputPer1K: 0.2},
		{Model: "mistral", InputPer1K: 0.4, OutputPer1K: 0.8},
	}
	calc, rec := newTestCalculator(t, pricing)
	ctx := context.Background()

	// llama2: 1000 prompt + 500 response tokens.
	_, _ = rec.Record(ctx, 1, "llama2", "generate", words(1000), words(500), time.Second, "", false)
	// mistral: 100 prompt + 100 response tokens.
	_, _ = rec.Record(ctx, 1, "mistral", "generate", words(100), words(100), time.Second, "", false)

	summary, err := calc.Summary(ctx, 1, "month")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Period != "month" || summary.PeriodDays != 30 {
		t.Errorf("unexpected period: %+v", summary)
	}
	if len(summary.Breakdown) != 2 {
		t.Fatalf("expected 2 models, got %d", len(summary.Breakdown))
	}

	// llama2: 1.0*0.1 + 0.5*0.2 = 0.2
	// mistral: 0.1*0.4 + 0.1*0.8 = 0.12
	// Sorted by total cost descending.
	if summary.Breakdown[0].Model != "llama2" || summary.Breakdown[0].TotalCost != 0.2 {
		t.Errorf("unexpected top entry: %+v", summary.Breakdown[0])
	}
	if summary.Breakdown[1].TotalCost != 0.12 {
		t.Errorf("unexpected mistral cost: %+v", summary.Breakdown[1])
	}
	if summary.TotalCost != 0.32 {
		t.Errorf("expected total 0.32, got %f", summary.TotalCost)
	}
	if summary.Currency != "USD" {
		t.Errorf("unexpected currency %s", summary.Currency)
	}
}

func TestSummaryUnknownPeriod(t *testing.T) {
	calc, _ := newTestCalculator(t, config.Default().Pricing)

	summary, err := calc.Summary(context.Background(), 0, "fortnight")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Period != "month" || summary.PeriodDays != 30 {
		t.Errorf("unknown period should default to month, got %+v", summary)
	}
}

func TestProjection(t *testing.T) {
	pricing := []config.ModelPrice{{Model: "llama2", InputPer1K: 1, OutputPer1K: 1}}
	calc, rec := newTestCalculator(t, pricing)
	ctx := context.Background()

	// 700 tokens total at $1/1K = $0.70 over a 7-day basis.
	_, _ = rec.Record(ctx, 1, "llama2", "generate", words(400), words(300), time.Second, "", false)

	p, err := calc.Projection(ctx, 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	if p.BasisDays != 7 {
		t.Errorf("expected basis 7, got %d", p.BasisDays)
	}
	if p.DailyAverage != 0.1 {
		t.Errorf("expected daily 0.1, got %f", p.DailyAverage)
	}
	if p.Projected30d != 3 {
		t.Errorf("expected 3.0 projected, got %f", p.Projected30d)
	}
}

func TestProjectionEmpty(t *testing.T) {
	calc, _ := newTestCalculator(t, config.Default().Pricing)

	p, err := calc.Projection(context.Background(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.BasisDays != 7 {
		t.Errorf("non-positive basis should default to 7, got %d", p.BasisDays)
	}
	if p.DailyAverage != 0 || p.Projected30d != 0 {
		t.Errorf("expected zero projection with no usage, got %+v", p)
	}
}
