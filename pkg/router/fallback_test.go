package router

import "testing"

func twoHandlerRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	descriptors := []HandlerDescriptor{
		{
			ID:           "bug-handler",
			Name:         "Bug Handler",
			Capabilities: "Investigates defects, regressions and missing or broken UI elements",
			Keywords:     []string{"bug", "broken", "missing", "regression"},
		},
		{
			ID:           "feature-handler",
			Name:         "Feature Handler",
			Capabilities: "Designs and implements new product features and enhancements",
			Keywords:     []string{"feature", "implement", "new"},
		},
	}
	for _, descriptor := range descriptors {
		if err := registry.Register(descriptor); err != nil {
			t.Fatalf("Register(%s) error = %v", descriptor.ID, err)
		}
	}
	return registry
}

func TestFallbackMatchPicksStrongestOverlap(t *testing.T) {
	registry := twoHandlerRegistry(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing ui element", "investigate why the export button is missing", "bug-handler"},
		{"regression report", "regression: login broken after the last deploy", "bug-handler"},
		{"new capability", "implement a new export feature for reports", "feature-handler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descriptor, ok := fallbackMatch(registry, tt.input)
			if !ok {
				t.Fatal("fallbackMatch() found no handler")
			}
			if descriptor.ID != tt.want {
				t.Errorf("fallbackMatch(%q) = %s, want %s", tt.input, descriptor.ID, tt.want)
			}
		})
	}
}

func TestFallbackMatchIsDeterministic(t *testing.T) {
	registry := twoHandlerRegistry(t)
	input := "investigate why the export button is missing"

	first, _ := fallbackMatch(registry, input)
	for i := 0; i < 20; i++ {
		got, ok := fallbackMatch(registry, input)
		if !ok || got.ID != first.ID {
			t.Fatalf("run %d: fallbackMatch() = %s, want %s every time", i, got.ID, first.ID)
		}
	}
}

func TestFallbackMatchTieGoesToRegistrationOrder(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []string{"alpha", "beta"} {
		if err := registry.Register(HandlerDescriptor{ID: id, Capabilities: "handles generic work items"}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	// Overlaps identically with both capability texts.
	descriptor, ok := fallbackMatch(registry, "generic work")
	if !ok {
		t.Fatal("fallbackMatch() found no handler")
	}
	if descriptor.ID != "alpha" {
		t.Errorf("tie broken to %s, want alpha (registered first)", descriptor.ID)
	}
}

func TestFallbackMatchEmptyInput(t *testing.T) {
	registry := twoHandlerRegistry(t)

	descriptor, ok := fallbackMatch(registry, "!!! ???")
	if !ok {
		t.Fatal("fallbackMatch() found no handler")
	}
	if descriptor.ID != "bug-handler" {
		t.Errorf("no-token input routed to %s, want first registered handler", descriptor.ID)
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("a missing Export-Button, IS it?")
	for _, want := range []string{"export", "button", "is", "missing"} {
		if _, ok := got[want]; !ok {
			t.Errorf("tokenize() missing %q, got %v", want, got)
		}
	}
	if _, ok := got["a"]; ok {
		t.Error("tokenize() kept a single-character token")
	}
}
