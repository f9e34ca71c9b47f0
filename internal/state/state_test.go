package state

import (
	"testing"
	"time"

	"github.com/hfnode/arqtnc/internal/modem"
)

func threeModeProfile() Profile {
	return Profile{
		Modes: []modem.Mode{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		BurstTime: []time.Duration{
			3 * time.Second, 7 * time.Second, 8 * time.Second, 30 * time.Second,
		},
	}
}

func TestSetProfileResetsSpeedToTop(t *testing.T) {
	s := &Shared{}
	s.SetProfile(threeModeProfile())
	if got := s.SpeedLevel(); got != 2 {
		t.Errorf("SpeedLevel() = %d, want 2", got)
	}
}

func TestSpeedUpDownClamp(t *testing.T) {
	s := &Shared{}
	s.SetProfile(threeModeProfile())
	s.SetSpeedLevel(0)
	if got := s.SpeedDown(); got != 0 {
		t.Errorf("SpeedDown() at floor = %d, want 0", got)
	}
	s.SetSpeedLevel(2)
	if got := s.SpeedUp(); got != 2 {
		t.Errorf("SpeedUp() at ceiling = %d, want 2", got)
	}
}

func TestSetSpeedLevelClampsOutOfRange(t *testing.T) {
	s := &Shared{}
	s.SetProfile(threeModeProfile())
	s.SetSpeedLevel(99)
	if got := s.SpeedLevel(); got != 2 {
		t.Errorf("SpeedLevel() = %d, want clamp to 2", got)
	}
	s.SetSpeedLevel(-5)
	if got := s.SpeedLevel(); got != 0 {
		t.Errorf("SpeedLevel() = %d, want clamp to 0", got)
	}
}

func TestCurrentBurstTimeoutUnusedSlotNeverIndexed(t *testing.T) {
	s := &Shared{}
	s.SetProfile(threeModeProfile())
	// 3 modes -> indices 0..2 only; index 3 (30s) exists in BurstTime but
	// must never be reachable via CurrentBurstTimeout.
	for lvl := 0; lvl < 3; lvl++ {
		s.SetSpeedLevel(lvl)
		if got := s.CurrentBurstTimeout(); got != threeModeProfile().BurstTime[lvl] {
			t.Errorf("level %d: CurrentBurstTimeout() = %v", lvl, got)
		}
	}
}

func TestCleanupIdempotentAndTNCStateRule(t *testing.T) {
	s := &Shared{}
	s.SetProfile(threeModeProfile())
	s.SetARQBusy(true)
	s.SetRole(RoleIRS)
	s.SetTNCState(TNCBusy)
	s.SetSessionActive(true)

	s.Cleanup()
	if s.ARQBusy() {
		t.Errorf("ARQBusy should be false after Cleanup")
	}
	if s.Role() != RoleNone {
		t.Errorf("Role should be RoleNone after Cleanup")
	}
	if s.TNCState() != TNCBusy {
		t.Errorf("TNCState should remain busy when a session is still active")
	}

	s.SetSessionActive(false)
	s.Cleanup()
	if s.TNCState() != TNCIdle {
		t.Errorf("TNCState should return to idle once no session is active")
	}

	// idempotent: calling again changes nothing further.
	s.Cleanup()
	if s.TNCState() != TNCIdle || s.ARQBusy() {
		t.Errorf("second Cleanup() call should be a no-op")
	}
}

func TestRoleMutualExclusionInvariant(t *testing.T) {
	s := &Shared{}
	s.SetRole(RoleISS)
	if s.Role() == RoleIRS {
		t.Errorf("at most one of ISS/IRS may be asserted")
	}
	s.SetRole(RoleIRS)
	if s.Role() == RoleISS {
		t.Errorf("setting IRS should clear ISS")
	}
}
