package domain

import "testing"

func TestChunkName(t *testing.T) {
	cases := map[int]string{
		1:   "BYPASS_01",
		9:   "BYPASS_09",
		12:  "BYPASS_12",
		123: "BYPASS_123",
	}
	for idx, want := range cases {
		if got := ChunkName("BYPASS", idx); got != want {
			t.Fatalf("ChunkName(%d) returned %s, want %s", idx, got, want)
		}
	}
}

func TestParseChunkIndex(t *testing.T) {
	valid := map[string]int{
		"BYPASS_01":  1,
		"BYPASS_10":  10,
		"BYPASS_100": 100,
	}
	for name, want := range valid {
		got, ok := ParseChunkIndex("BYPASS", name)
		if !ok || got != want {
			t.Fatalf("ParseChunkIndex(%s) returned %d,%v want %d", name, got, ok, want)
		}
	}

	invalid := []string{"BYPASS", "BYPASS_1", "BYPASS_00", "BYPASS_0a", "OTHER_01", "BYPASS_X_01", "BYPASS_001"}
	for _, name := range invalid {
		if _, ok := ParseChunkIndex("BYPASS", name); ok {
			t.Fatalf("ParseChunkIndex(%s) accepted a foreign name", name)
		}
	}
}
