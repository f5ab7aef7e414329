package ingest

import (
	"testing"
)

func TestParseFixedPoint(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0.55", 550_000},
		{"1", 1_000_000},
		{"0.000001", 1},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := parseFixedPoint(c.in, 6)
		if err != nil {
			t.Fatalf("parseFixedPoint(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseFixedPoint(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	resume := int64(1234)
	c := leaderCursor{LastTime: 9999, ResumeBefore: &resume}

	raw, err := marshalCursor(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out leaderCursor
	if err := unmarshalCursor(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.LastTime != c.LastTime || out.ResumeBefore == nil || *out.ResumeBefore != resume {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
