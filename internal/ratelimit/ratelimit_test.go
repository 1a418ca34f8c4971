package ratelimit

import (
	"testing"
	"time"
)

func TestAdmitWhitelistBypassesBucket(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, []string{"trusted-system"})

	for i := 0; i < 5; i++ {
		if err := c.Admit("trusted-system"); err != nil {
			t.Fatalf("Admit() call %d for whitelisted identity returned error: %v", i, err)
		}
	}
}

func TestAdmitRejectsOnceBurstExhausted(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, nil)

	if err := c.Admit("system-a"); err != nil {
		t.Fatalf("first Admit() should be allowed, got error: %v", err)
	}
	if err := c.Admit("system-a"); err == nil {
		t.Fatalf("second Admit() should be rejected once the burst of 1 is exhausted")
	}
}

func TestAdmitTracksIdentitiesIndependently(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, nil)

	if err := c.Admit("system-a"); err != nil {
		t.Fatalf("Admit(system-a) error = %v", err)
	}
	if err := c.Admit("system-b"); err != nil {
		t.Fatalf("Admit(system-b) should have its own bucket, got error: %v", err)
	}
}

func TestIsAnomalousRequiresMinimumSampleSize(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, nil)
	for i := 0; i < 10; i++ {
		c.recordRejection("flaky-system")
	}
	if c.IsAnomalous("flaky-system") {
		t.Fatalf("IsAnomalous() should require at least 20 samples before firing")
	}
}

func TestIsAnomalousFiresAboveRejectionThreshold(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, nil)
	for i := 0; i < 15; i++ {
		c.recordRejection("flaky-system")
	}
	for i := 0; i < 5; i++ {
		c.recordAdmission("flaky-system")
	}
	if !c.IsAnomalous("flaky-system") {
		t.Fatalf("IsAnomalous() should fire when rejection rate exceeds 50%% over 20+ samples")
	}
}

func TestIsAnomalousUnknownIdentity(t *testing.T) {
	c := New(Config{BaseMaxTokens: 1, WindowSize: time.Minute}, nil)
	if c.IsAnomalous("never-seen") {
		t.Fatalf("IsAnomalous() for an identity with no recorded samples should be false")
	}
}
