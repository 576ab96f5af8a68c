package sagaengine

import (
	"reflect"
	"testing"
)

func baseEnv() RenderEnvelope {
	return RenderEnvelope{
		Input: map[string]any{
			"orderId": "o1",
			"amount":  float64(100),
		},
		Context: map[string]any{
			"correlationId": "corr-1",
			"shipping": map[string]any{
				"address": map[string]any{
					"city": "Jakarta",
				},
			},
		},
		Run: map[string]any{"id": "run-1"},
	}
}

func TestRenderSimplePlaceholder(t *testing.T) {
	got := Render("order {{input.orderId}}", baseEnv())
	if got != "order o1" {
		t.Errorf("got %q", got)
	}
}

func TestRenderDottedPath(t *testing.T) {
	got := Render("city: {{context.shipping.address.city}}", baseEnv())
	if got != "city: Jakarta" {
		t.Errorf("got %q", got)
	}
}

func TestRenderMissingPathIsEmpty(t *testing.T) {
	got := Render("value={{context.shipping.address.zip}}", baseEnv())
	if got != "value=" {
		t.Errorf("got %q", got)
	}
}

func TestRenderMissingTopLevelIsEmpty(t *testing.T) {
	got := Render("{{nope.nothing}}", baseEnv())
	if got != "" {
		t.Errorf("got %q", got)
	}
}

func TestRenderNoPlaceholderRoundTrip(t *testing.T) {
	value := map[string]any{
		"a": "plain string",
		"b": []any{1.0, "two", true, nil},
		"c": map[string]any{"nested": "value"},
	}
	got := Render(value, baseEnv())
	if !reflect.DeepEqual(got, value) {
		t.Errorf("got %#v, want %#v (structurally unchanged)", got, value)
	}
}

func TestRenderRecursesThroughListsAndMaps(t *testing.T) {
	value := map[string]any{
		"headers": map[string]any{
			"x-order": "{{input.orderId}}",
		},
		"tags": []any{"{{run.id}}", "static"},
	}
	got := Render(value, baseEnv())
	want := map[string]any{
		"headers": map[string]any{"x-order": "o1"},
		"tags":    []any{"run-1", "static"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestRenderScalarPassesThroughUnchanged(t *testing.T) {
	if got := Render(float64(42), baseEnv()); got != float64(42) {
		t.Errorf("got %v", got)
	}
	if got := Render(true, baseEnv()); got != true {
		t.Errorf("got %v", got)
	}
	if got := Render(nil, baseEnv()); got != nil {
		t.Errorf("got %v", got)
	}
}

func TestRenderMultiplePlaceholdersInOneString(t *testing.T) {
	got := Render("{{run.id}}:{{input.orderId}}", baseEnv())
	if got != "run-1:o1" {
		t.Errorf("got %q", got)
	}
}

func TestRenderUnterminatedPlaceholder(t *testing.T) {
	got := Render("prefix {{input.orderId", baseEnv())
	if got != "prefix {{input.orderId" {
		t.Errorf("got %q", got)
	}
}
