package decode

import "testing"

func TestMapDecodesJSONTags(t *testing.T) {
	t.Parallel()

	type in struct {
		Title    string         `json:"title"`
		Capacity int            `json:"capacity"`
		Meta     map[string]any `json:"meta"`
	}

	got, err := Map[in](map[string]any{
		"title":    "launch",
		"capacity": float64(20), // json numbers arrive as float64
		"meta":     `{"nested":true}`,
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got.Title != "launch" || got.Capacity != 20 {
		t.Errorf("decoded = %+v", got)
	}
	if got.Meta["nested"] != true {
		t.Errorf("double-encoded object not unwrapped: %v", got.Meta)
	}
}

func TestMapWeakCoercion(t *testing.T) {
	t.Parallel()

	type in struct {
		N int `json:"n"`
	}
	got, err := Map[in](map[string]any{"n": "15"})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got.N != 15 {
		t.Errorf("N = %d", got.N)
	}
}

func TestMapNilPayload(t *testing.T) {
	t.Parallel()

	type in struct{}
	if _, err := Map[in](nil); err == nil {
		t.Fatalf("nil payload accepted")
	}
}
