// Package state holds the process-wide fields that more than one ARQ
// activity reads or writes: TNC busy/idle, whether a data channel is
// live, the current role (ISS/IRS), and the adaptive speed level. Per
// spec these mutations are small (flag flips, integer updates) and most
// fields are owned by exactly one activity; this package exists only for
// the handful that genuinely cross ownership, guarded by one mutex,
// rather than scattering package-global variables the way the original
// module-global record did.
package state

import (
	"sync"
	"time"

	"github.com/hfnode/arqtnc/internal/modem"
)

// TNCState is one of idle or busy (§3). Busy is asserted while any
// session or data channel is live.
type TNCState int

const (
	TNCIdle TNCState = iota
	TNCBusy
)

func (s TNCState) String() string {
	if s == TNCBusy {
		return "busy"
	}
	return "idle"
}

// Role is at most one of ISS or IRS at any time (invariant #2).
type Role int

const (
	RoleNone Role = iota
	RoleISS
	RoleIRS
)

// Profile names the negotiated bandwidth profile's mode and timing lists.
type Profile struct {
	Modes     []modem.Mode
	BurstTime []time.Duration // time_list; may be longer than Modes (§9 note)
}

// Shared is the cross-owner portion of the process-wide state record.
// Zero value is ready to use: idle, no role, speed level 0, empty profile.
type Shared struct {
	mu sync.Mutex

	tnc                 TNCState
	arqBusy             bool
	sessionActive       bool
	fileTransferActive  bool
	role                Role
	speedLevel          int
	profile             Profile
	beaconPause         bool
	dataChannelLastRX   time.Time
}

// TNCState returns the current TNC state.
func (s *Shared) TNCState() TNCState { s.mu.Lock(); defer s.mu.Unlock(); return s.tnc }

// SetTNCState sets the TNC state directly. Most callers should prefer
// SetARQBusy/SetSessionActive, which derive TNC state from them; this
// exists for the explicit transitions section 4.D and 4.E specify.
func (s *Shared) SetTNCState(v TNCState) { s.mu.Lock(); s.tnc = v; s.mu.Unlock() }

// ARQBusy reports whether a data channel is currently live.
func (s *Shared) ARQBusy() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.arqBusy }

// SetARQBusy sets the ARQ-busy flag.
func (s *Shared) SetARQBusy(v bool) { s.mu.Lock(); s.arqBusy = v; s.mu.Unlock() }

// SessionActive reports whether an ARQ session (as opposed to a bare data
// channel) is currently live; arq_cleanup only returns TNC state to idle
// when this is false (§4.D, §5).
func (s *Shared) SessionActive() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.sessionActive }

func (s *Shared) SetSessionActive(v bool) { s.mu.Lock(); s.sessionActive = v; s.mu.Unlock() }

// FileTransferActive gates the session heartbeat reply and the beacon
// activity (§4.D, §4 supplemented features).
func (s *Shared) FileTransferActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileTransferActive
}

func (s *Shared) SetFileTransferActive(v bool) { s.mu.Lock(); s.fileTransferActive = v; s.mu.Unlock() }

// Role returns the current ISS/IRS role (invariant #2: at most one at a
// time).
func (s *Shared) Role() Role { s.mu.Lock(); defer s.mu.Unlock(); return s.role }

func (s *Shared) SetRole(r Role) { s.mu.Lock(); s.role = r; s.mu.Unlock() }

// SpeedLevel returns the current speed level, always within
// [0, len(Profile.Modes)-1] (invariant #5).
func (s *Shared) SpeedLevel() int { s.mu.Lock(); defer s.mu.Unlock(); return s.speedLevel }

// SetSpeedLevel clamps v into the active profile's valid range before
// storing it. Used for the peer-authoritative overwrite on ACK/NACK
// (§4.F, §9 open question #3).
func (s *Shared) SetSpeedLevel(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedLevel = clamp(v, 0, len(s.profile.Modes)-1)
}

// SpeedUp increases the speed level by one, clamped to the top of the
// mode list.
func (s *Shared) SpeedUp() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedLevel = clamp(s.speedLevel+1, 0, len(s.profile.Modes)-1)
	return s.speedLevel
}

// SpeedDown decreases the speed level by one, floored at 0.
func (s *Shared) SpeedDown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedLevel = clamp(s.speedLevel-1, 0, len(s.profile.Modes)-1)
	return s.speedLevel
}

// ResetSpeedToMax resets speed level to the top of the active profile,
// as arq_cleanup does.
func (s *Shared) ResetSpeedToMax() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedLevel = len(s.profile.Modes) - 1
	if s.speedLevel < 0 {
		s.speedLevel = 0
	}
}

// Profile returns the active bandwidth profile.
func (s *Shared) Profile() Profile { s.mu.Lock(); defer s.mu.Unlock(); return s.profile }

// SetProfile installs a new bandwidth profile (on data channel open) and
// resets the speed level to its top, matching the source setting
// speed_level = len(mode_list)-1 whenever mode_list/time_list change.
func (s *Shared) SetProfile(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.speedLevel = len(p.Modes) - 1
	if s.speedLevel < 0 {
		s.speedLevel = 0
	}
}

// CurrentMode returns the modem mode for the current speed level.
func (s *Shared) CurrentMode() modem.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speedLevel < 0 || s.speedLevel >= len(s.profile.Modes) {
		return modem.Mode{}
	}
	return s.profile.Modes[s.speedLevel]
}

// CurrentBurstTimeout returns the watchdog timeout for the current speed
// level (time_list[speed_level]).
func (s *Shared) CurrentBurstTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speedLevel < 0 || s.speedLevel >= len(s.profile.BurstTime) {
		return 0
	}
	return s.profile.BurstTime[s.speedLevel]
}

// BeaconPaused reports whether the beacon activity should stay silent
// because a session or transfer is in progress.
func (s *Shared) BeaconPaused() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.beaconPause }

func (s *Shared) SetBeaconPaused(v bool) { s.mu.Lock(); s.beaconPause = v; s.mu.Unlock() }

// TouchDataChannel records that a data-channel-relevant frame (a DATA
// frame, or an ACK/NACK/RPT reply to one) was just seen. Both the ISS and
// the IRS call this; the two watchdog checks in §4.H that key off
// "data_channel_last_received" read it back.
func (s *Shared) TouchDataChannel() {
	s.mu.Lock()
	s.dataChannelLastRX = time.Now()
	s.mu.Unlock()
}

// DataChannelLastReceived returns the timestamp TouchDataChannel last set.
func (s *Shared) DataChannelLastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataChannelLastRX
}

// Cleanup resets every cross-owner field to its idle defaults. It is the
// shared-state half of arq_cleanup; callers (internal/engine) pair it with
// resetting whatever per-owner state (RX buffers, ACK/NACK flags) lives
// outside this package. Idempotent: calling it repeatedly with nothing in
// between is a no-op after the first call.
func (s *Shared) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arqBusy = false
	s.role = RoleNone
	s.speedLevel = len(s.profile.Modes) - 1
	if s.speedLevel < 0 {
		s.speedLevel = 0
	}
	s.fileTransferActive = false
	s.beaconPause = false
	if !s.sessionActive {
		s.tnc = TNCIdle
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
