package retry_test

import (
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/retry"
)

func TestFixed(t *testing.T) {
	p := retry.NewFixed(5 * time.Second)

	for _, attempt := range []int{1, 2, 10} {
		if got := p.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	p := retry.NewExponential(1000*time.Millisecond, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialCap(t *testing.T) {
	p := retry.NewExponential(time.Second, 5*time.Second)

	if got := p.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want cap of 5s", got)
	}
}

func TestExponentialWithJitter(t *testing.T) {
	p := retry.NewExponentialWithJitter(time.Second, 10*time.Second)

	for range 100 {
		d := p.Delay(3)
		if d < 0 || d > 4*time.Second {
			t.Fatalf("Delay(3) = %v, want within [0, 4s]", d)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		attempt, max int
		want         bool
	}{
		{0, 3, true},
		{1, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{1, 1, false},
	}
	for _, tt := range tests {
		if got := retry.ShouldRetry(tt.attempt, tt.max); got != tt.want {
			t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	if _, ok := retry.New("fixed", time.Second, 0).(*retry.Fixed); !ok {
		t.Error("expected fixed policy")
	}
	if _, ok := retry.New("exponential", time.Second, time.Minute).(*retry.Exponential); !ok {
		t.Error("expected exponential policy")
	}
	// Unknown kinds fall back to exponential.
	if _, ok := retry.New("", 0, 0).(*retry.Exponential); !ok {
		t.Error("expected exponential fallback")
	}
}
