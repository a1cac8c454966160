package circuitbreaker

import (
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

func testConfig() Config {
	return Config{
		ErrorThreshold: 0.5,
		MinSamples:     4,
		WindowSeconds:  60,
		OpenTimeout:    20 * time.Millisecond,
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testConfig())

	b.RecordSuccess()
	b.RecordError(1.0)
	b.RecordError(1.0)
	if b.State() != StateClosed {
		t.Fatal("should stay closed below min samples")
	}
	b.RecordError(1.0) // 3/4 errors, above 0.5 threshold
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testConfig())
	for range 4 {
		b.RecordError(1.0)
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(25 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be allowed after open timeout")
	}
	if b.Allow() {
		t.Error("only one probe may be in flight")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after probe success = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker should allow")
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testConfig())
	for range 4 {
		b.RecordError(1.0)
	}
	time.Sleep(25 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}
	b.RecordError(1.0)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", b.State())
	}
}

func TestRateLimitWeightsTripSlower(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testConfig())
	// Four rate-limit outcomes weigh 0.5 each: exactly at threshold.
	for range 3 {
		b.RecordError(Weight(gateway.ResultRateLimited))
	}
	if b.State() != StateClosed {
		t.Fatal("should stay closed below min samples")
	}
	b.RecordError(Weight(gateway.ResultRateLimited))
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open at threshold", b.State())
	}
}

func TestRegistrySharedPerProvider(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testConfig())
	if r.Get("claude") != r.Get("claude") {
		t.Error("same provider should share a breaker")
	}
	if r.Get("claude") == r.Get("gemini") {
		t.Error("providers must not share breakers")
	}
	states := r.States()
	if len(states) != 2 || states["claude"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}
