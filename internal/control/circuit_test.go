package control

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensRetriesAndRecovers(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.RecordFailure("telegram_api", now) {
		t.Fatal("first failure should not open")
	}
	if c.State() != CircuitClosed || c.Failures() != 1 {
		t.Fatalf("state=%s failures=%d", c.State(), c.Failures())
	}
	if !c.RecordFailure("telegram_api", now) {
		t.Fatal("threshold failure should report opened")
	}
	if c.State() != CircuitOpen || c.Cause() != "telegram_api" {
		t.Fatalf("state=%s cause=%s", c.State(), c.Cause())
	}

	if got := c.Remaining(now.Add(40 * time.Millisecond)); got != 60*time.Millisecond {
		t.Fatalf("remaining = %s", got)
	}
	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("poll allowed during cooldown")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("trial poll denied after cooldown")
	}
	if c.State() != CircuitHalfOpen || c.Remaining(now) != 0 {
		t.Fatalf("state=%s remaining=%s", c.State(), c.Remaining(now))
	}

	if !c.RecordSuccess() {
		t.Fatal("trial poll success should report recovery")
	}
	if c.State() != CircuitClosed || c.Failures() != 0 || c.Cause() != "" {
		t.Fatalf("state=%s failures=%d cause=%s", c.State(), c.Failures(), c.Cause())
	}
	if c.RecordSuccess() {
		t.Fatal("success while closed is not a recovery")
	}
}

func TestCircuitBreaker_FailedTrialPollReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Millisecond)
	now := time.Now()
	c.RecordFailure("network", now)
	later := now.Add(5 * time.Millisecond)
	if !c.Allow(later) {
		t.Fatal("expected trial poll to be allowed")
	}
	if !c.RecordFailure("network", later) {
		t.Fatal("failed trial poll should reopen")
	}
	if c.State() != CircuitOpen || c.Remaining(later) != time.Millisecond {
		t.Fatalf("state=%s remaining=%s", c.State(), c.Remaining(later))
	}
}

func TestCircuitBreaker_MixedClassesShareTheStreak(t *testing.T) {
	c := NewCircuitBreaker(3, time.Second)
	now := time.Now()
	c.RecordFailure("timeout", now)
	c.RecordFailure("network", now)
	if !c.RecordFailure("network", now) {
		t.Fatal("three mixed failures should open")
	}
	if c.Cause() != "network" {
		t.Fatalf("cause = %s, want the dominant class", c.Cause())
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("network", now)
	c.RecordSuccess()
	if c.RecordFailure("network", now) {
		t.Fatal("streak should restart after a success")
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	c := NewCircuitBreaker(0, 0)
	if c.Threshold != 5 || c.Cooldown != 30*time.Second {
		t.Fatalf("threshold=%d cooldown=%s", c.Threshold, c.Cooldown)
	}
}
