// Package safety implements the safety supervisor: the single decision
// the whole gateway exists to make. It derives a safe/unsafe verdict
// from the pack-state snapshot and computes the charge/discharge
// envelopes the inverter driver is allowed to present.
package safety

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"

	"github.com/dgwynne/batgw/internal/packstate"
)

// Token is the opaque safety verdict. Only the two sentinels minted by
// NewSupervisor are ever valid; any other value is a programming error.
type Token uint64

// Limits are the configured bounds the supervisor checks pack state
// against (from config.Battery): temperature range, cell-voltage
// deviation ceiling, and the gateway-configured power/cell-voltage caps
// layered on top of the pack's own manufacturer limits.
type Limits struct {
	MinTempDC        int  // floor, e.g. -250 (-25.0C)
	MaxTempDC        int  // ceiling, e.g. 500 (50.0C)
	MaxTempDeviation int  // e.g. 150 (15.0C)
	MaxCellDeviation uint // mV

	MinCellMV uint
	MaxCellMV uint

	ChargeLimitW    uint
	DischargeLimitW uint
}

// Supervisor holds the two randomly-generated sentinel tokens and the
// last-seen unsafe reason, so reason-change transitions can be logged
// exactly once (§4.D).
type Supervisor struct {
	safe, unsafe Token
	logger       *slog.Logger
	lastReason   string
}

// NewSupervisor draws two distinct random tokens at startup. This makes
// it impossible to forge "safe" by zero-initialising a variable: a
// zero-valued Token matches neither sentinel and Issafe aborts on it.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	s := &Supervisor{logger: logger}
	s.safe = randomToken()
	for {
		s.unsafe = randomToken()
		if s.unsafe != s.safe {
			break
		}
	}
	return s
}

func randomToken() Token {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("safety: failed to read random sentinel: " + err.Error())
	}
	return Token(binary.LittleEndian.Uint64(buf[:]))
}

// Safe returns the sentinel meaning the envelope may be nonzero.
func (s *Supervisor) Safe() Token { return s.safe }

// Unsafe returns the sentinel meaning the envelope must be zero.
func (s *Supervisor) Unsafe() Token { return s.unsafe }

// Issafe reports whether token is the safe sentinel. Any value that is
// neither sentinel is unreachable by construction (§7.9) and aborts the
// process rather than silently treating it as unsafe.
func (s *Supervisor) Issafe(token Token) bool {
	switch token {
	case s.safe:
		return true
	case s.unsafe:
		return false
	default:
		panic("safety: opaque token mismatch")
	}
}

// Evaluate runs the checks of §4.D against a pack-state snapshot and the
// configured limits, returning one of the two sentinels.
func (s *Supervisor) Evaluate(pack packstate.Snapshot, limits Limits) Token {
	reason, ok := s.check(pack, limits)
	if ok {
		s.lastReason = ""
		return s.safe
	}
	if reason != s.lastReason {
		s.logger.Warn("battery unsafe", "reason", reason)
		s.lastReason = reason
	}
	return s.unsafe
}

func (s *Supervisor) check(pack packstate.Snapshot, limits Limits) (reason string, ok bool) {
	if !pack.Running {
		return "battery is not running", false
	}
	if !pack.MinTempValid {
		return "minimum battery temperature has not been reported", false
	}
	if !pack.MaxTempValid {
		return "maximum battery temperature has not been reported", false
	}
	if pack.MinTempDC < limits.MinTempDC {
		return "battery is too cold", false
	}
	if pack.MaxTempDC > limits.MaxTempDC {
		return "battery is too hot", false
	}
	if pack.MinTempDC > pack.MaxTempDC {
		return "battery min temp is higher than max temp", false
	}
	if pack.MaxTempDC-pack.MinTempDC >= limits.MaxTempDeviation {
		return "battery temperature difference is too high", false
	}
	if pack.MinCellMV == 0 {
		return "minimum cell voltage has not been reported", false
	}
	if pack.MaxCellMV == 0 {
		return "maximum cell voltage has not been reported", false
	}
	if pack.MinCellMV > pack.MaxCellMV {
		return "min cell voltage is higher than max cell voltage", false
	}
	if pack.MaxCellMV-pack.MinCellMV >= limits.MaxCellDeviation {
		return "battery cell voltage difference is too high", false
	}
	return "", true
}

// limitedDA computes the "safety-limited deci-amp" of §4.D:
// min(manufacturer_W, config_W) * 100 / voltage_dV.
func limitedDA(voltageDV, manufacturerW, configW uint) uint {
	if voltageDV == 0 {
		return 0
	}
	w := manufacturerW
	if configW < w {
		w = configW
	}
	return w * 100 / voltageDV
}

// ChargeDA returns the safety-gated maximum charge current, zero if the
// token is not safe, voltage is unknown, or the pack's max cell voltage
// has already exceeded the configured ceiling (§4.D).
func (s *Supervisor) ChargeDA(token Token, pack packstate.Snapshot, limits Limits) uint {
	if !s.Issafe(token) {
		return 0
	}
	if !pack.VoltageValid || pack.VoltageDV == 0 {
		return 0
	}
	if pack.MaxCellMV > limits.MaxCellMV {
		return 0
	}
	return limitedDA(pack.VoltageDV, pack.MaxChargeW, limits.ChargeLimitW)
}

// DischargeDA returns the safety-gated maximum discharge current,
// symmetric to ChargeDA (§4.D).
func (s *Supervisor) DischargeDA(token Token, pack packstate.Snapshot, limits Limits) uint {
	if !s.Issafe(token) {
		return 0
	}
	if !pack.VoltageValid || pack.VoltageDV == 0 {
		return 0
	}
	if pack.MinCellMV < limits.MinCellMV {
		return 0
	}
	return limitedDA(pack.VoltageDV, pack.MaxDischargeW, limits.DischargeLimitW)
}
