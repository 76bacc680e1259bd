package sipua

import (
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff()

	// 5, 10, 20, 40, 80, 160, then capped at 300.
	expectedBase := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}

	for i, expected := range expectedBase {
		d := b.next()
		low := time.Duration(float64(expected) * 0.75)
		high := time.Duration(float64(expected) * 1.25)
		if d < low || d > high {
			t.Errorf("attempt %d: got %v, want %v ±20%% (range %v to %v)",
				i, d, expected, low, high)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 5; i++ {
		b.next()
	}

	b.reset()

	if b.attempt != 0 {
		t.Errorf("after reset: attempt = %d, want 0", b.attempt)
	}
	d := b.next()
	if d < 3750*time.Millisecond || d > 6250*time.Millisecond {
		t.Errorf("after reset: got %v, want ~5s", d)
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"expires param", "<sip:100@10.0.0.5:5062>;expires=3600", 3600},
		{"uppercase", "<sip:100@10.0.0.5>;EXPIRES=120", 120},
		{"followed by param", "<sip:100@10.0.0.5>;expires=60;q=0.5", 60},
		{"absent", "<sip:100@10.0.0.5>", 0},
		{"garbage", "<sip:100@10.0.0.5>;expires=soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.value); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseExpiresHeader(t *testing.T) {
	if got := parseExpiresHeader(" 1800 "); got != 1800 {
		t.Errorf("parseExpiresHeader = %d, want 1800", got)
	}
	if got := parseExpiresHeader("x"); got != 0 {
		t.Errorf("parseExpiresHeader(x) = %d, want 0", got)
	}
}
