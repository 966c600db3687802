package eventbus

import "testing"

func TestParseBackpressure(t *testing.T) {
	cases := map[string]Backpressure{
		"":            DropOldest,
		"DropOldest":  DropOldest,
		"drop-oldest": DropOldest,
		"drop_newest": DropNewest,
		"Drop Newest": DropNewest,
		"BLOCK":       Block,
	}
	for in, want := range cases {
		got, err := ParseBackpressure(in)
		if err != nil {
			t.Fatalf("ParseBackpressure(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseBackpressure(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseBackpressure("ring"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestWithBackpressureIgnoresUnknown(t *testing.T) {
	bus := New(WithBackpressure(Block), WithBackpressure("ring"))
	if bus.strategy != Block {
		t.Fatalf("strategy = %s, want Block", bus.strategy)
	}
	if New(WithCapacity(-1)).capacity != defaultCapacity {
		t.Fatal("non-positive capacity should keep the default")
	}
}
