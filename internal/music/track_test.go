package music

import "testing"

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0:00"},
		{-3, "0:00"},
		{5, "0:05"},
		{221.4, "3:41"},
		{3725, "1:02:05"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.in); got != c.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"3:41", 221, true},
		{"0:05", 5, true},
		{"1:02:05", 3725, true},
		{" 90 ", 90, true},
		{"", 0, false},
		{"3:x1", 0, false},
		{"-1:00", 0, false},
		{"1:1:1:1", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseDuration(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseDuration(%q) = %d, %v, want %d, %v", c.in, got, ok, c.want, c.ok)
		}
	}
	if got, _ := ParseDuration(FormatDuration(3725)); got != 3725 {
		t.Errorf("round trip = %d", got)
	}
}
