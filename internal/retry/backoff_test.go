package retry

import (
	"testing"
	"time"
)

func TestDelayClampsToTableTail(t *testing.T) {
	table := []int{10, 20}
	got := delayWithRand(99, table, func() float64 { return 0 })
	if got != 20*time.Second {
		t.Fatalf("attempt beyond table: got %v, want 20s", got)
	}
}

func TestDelayFirstAttempt(t *testing.T) {
	got := delayWithRand(1, nil, func() float64 { return 0 })
	if got != 60*time.Second {
		t.Fatalf("first attempt without jitter: got %v, want 60s", got)
	}
	// attempt 0 and negative behave like the first attempt
	if d := delayWithRand(0, nil, func() float64 { return 0 }); d != 60*time.Second {
		t.Fatalf("attempt 0: got %v, want 60s", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	base := 60 * time.Second
	max := time.Duration(float64(base) * (1 + DefaultJitter))
	for i := 0; i < 200; i++ {
		d := Delay(1, nil)
		if d < base || d > max {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, base, max)
		}
	}
}
