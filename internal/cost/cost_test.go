package cost

import "testing"

func TestCalculateCost(t *testing.T) {
	c := NewCalculator(nil)

	tests := []struct {
		name     string
		model    string
		in, out  int
		expected float64
	}{
		{"gpt-4", "gpt-4", 1000, 500, 0.06},
		{"case insensitive", "GPT-4", 1000, 500, 0.06},
		{"zero tokens", "gpt-4", 0, 0, 0},
		{"unknown model uses default tier", "my-local-model", 2000, 1000, 0.0025},
		{"negative tokens clamp", "gpt-4", -10, 1000, 0.06},
		{"rounded to 6 places", "gpt-4o-mini", 1, 1, 0.000001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CalculateCost(tt.model, tt.in, tt.out)
			if got != tt.expected {
				t.Errorf("CalculateCost(%q, %d, %d) = %v, want %v", tt.model, tt.in, tt.out, got, tt.expected)
			}
		})
	}
}

func TestPricingOverrides(t *testing.T) {
	c := NewCalculator(map[string]Price{"Internal-LLM": {Input: 1, Output: 2}})

	if got := c.CalculateCost("internal-llm", 1000, 1000); got != 3 {
		t.Errorf("expected override cost 3, got %v", got)
	}
	if _, ok := c.Price("gpt-4"); !ok {
		t.Error("expected defaults to survive overrides")
	}
}

func TestNextModel(t *testing.T) {
	c := NewCalculator(nil)

	tests := []struct {
		current  string
		expected string
	}{
		{"gpt-4o", "claude-3-5-sonnet"},
		{"claude-3-5-sonnet", "gpt-4-turbo"},
		{"gpt-4o-mini", "claude-3-haiku"},
		{"gpt-3.5-turbo", "llama-3-8b"},
		{"gpt-4", "gpt-3.5-turbo"},
		{"mistral-7b", "gpt-3.5-turbo"},
		{"unknown", "gpt-3.5-turbo"},
		{"", "gpt-3.5-turbo"},
	}

	for _, tt := range tests {
		if got := c.NextModel(tt.current); got != tt.expected {
			t.Errorf("NextModel(%q) = %q, want %q", tt.current, got, tt.expected)
		}
	}
}
