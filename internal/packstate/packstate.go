// Package packstate holds the aggregate pack-state store: the only
// mutable snapshot of the battery pack's measured and rated quantities.
// Setters are the sole mutators; accessors return a present/absent pair
// so callers never confuse zero with unknown.
package packstate

import "sync"

// validity bits for the six measured fields that need explicit presence
// tracking (rated fields and the voltage envelope use non-zero sentinels
// instead, per §4.C).
const (
	validSOC = 1 << iota
	validVoltage
	validCurrent
	validMinTemp
	validMaxTemp
	validAvgTemp
)

// State is the pack-state aggregate described in spec §3. All fields are
// in the fixed-point units named in the spec: deci-°C, deci-volt,
// deci-amp, centi-percent, watts, millivolts.
type State struct {
	mu sync.Mutex

	running bool

	ratedCapacityAh  uint
	ratedVoltageDV   uint
	ratedCapacityWh  uint
	minVoltageDV     uint
	maxVoltageDV     uint
	maxChargeW       uint
	maxDischargeW    uint
	minCellMV        uint
	maxCellMV        uint

	socCPct    uint
	voltageDV  uint
	currentDA  int
	minTempDC  int
	maxTempDC  int
	avgTempDC  int

	valid uint
}

// New returns an empty pack state with nothing present.
func New() *State {
	return &State{}
}

// --- setters -----------------------------------------------------------

func (s *State) SetRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *State) SetStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *State) SetRatedCapacityAh(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratedCapacityAh = v
}

func (s *State) SetRatedVoltageDV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratedVoltageDV = v
}

func (s *State) SetRatedCapacityWh(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratedCapacityWh = v
}

// SetMinVoltageDV sets the lower bound of the pack's configured voltage
// envelope.
func (s *State) SetMinVoltageDV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minVoltageDV = v
}

// SetMaxVoltageDV sets the upper bound of the pack's configured voltage
// envelope. The C reference this is ported from writes this value into
// the min field instead (§9(ii)); that is a documented bug and is
// corrected here.
func (s *State) SetMaxVoltageDV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxVoltageDV = v
}

func (s *State) SetMaxChargeW(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxChargeW = v
}

func (s *State) SetMaxDischargeW(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxDischargeW = v
}

func (s *State) SetMinCellMV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minCellMV = v
}

func (s *State) SetMaxCellMV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxCellMV = v
}

func (s *State) SetSOCCPct(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socCPct = v
	s.valid |= validSOC
}

func (s *State) SetVoltageDV(v uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltageDV = v
	s.valid |= validVoltage
}

func (s *State) SetCurrentDA(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentDA = v
	s.valid |= validCurrent
}

func (s *State) SetMinTempDC(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minTempDC = v
	s.valid |= validMinTemp
}

func (s *State) SetMaxTempDC(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTempDC = v
	s.valid |= validMaxTemp
}

func (s *State) SetAvgTempDC(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avgTempDC = v
	s.valid |= validAvgTemp
}

// --- accessors -----------------------------------------------------------
// Each returns (value, present).

func (s *State) SOCCPct() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socCPct, s.valid&validSOC != 0
}

func (s *State) VoltageDV() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltageDV, s.valid&validVoltage != 0
}

func (s *State) CurrentDA() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDA, s.valid&validCurrent != 0
}

func (s *State) MinTempDC() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minTempDC, s.valid&validMinTemp != 0
}

func (s *State) MaxTempDC() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTempDC, s.valid&validMaxTemp != 0
}

// AvgTempDC returns the explicitly-set average if present, else derives
// it as min + (max-min)/2 when both min and max are present, else
// reports absent (§4.C, P6).
func (s *State) AvgTempDC() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid&validAvgTemp != 0 {
		return s.avgTempDC, true
	}
	if s.valid&validMinTemp != 0 && s.valid&validMaxTemp != 0 {
		return s.minTempDC + (s.maxTempDC-s.minTempDC)/2, true
	}
	return 0, false
}

func (s *State) RatedCapacityAh() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratedCapacityAh, s.ratedCapacityAh != 0
}

// RatedCapacityWh returns the stored value if it was provided directly,
// else derives it as ratedAh * ratedVoltageDV / 10 when both are known.
func (s *State) RatedCapacityWh() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratedCapacityWh != 0 {
		return s.ratedCapacityWh, true
	}
	if s.ratedCapacityAh != 0 && s.ratedVoltageDV != 0 {
		return s.ratedCapacityAh * s.ratedVoltageDV / 10, true
	}
	return 0, false
}

func (s *State) RatedVoltageDV() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratedVoltageDV, s.ratedVoltageDV != 0
}

func (s *State) MinVoltageDV() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minVoltageDV, s.minVoltageDV != 0
}

func (s *State) MaxVoltageDV() (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxVoltageDV, s.maxVoltageDV != 0
}

func (s *State) MaxChargeW() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxChargeW
}

func (s *State) MaxDischargeW() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxDischargeW
}

func (s *State) MinCellMV() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minCellMV
}

func (s *State) MaxCellMV() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCellMV
}

// Snapshot is an immutable copy of everything the safety supervisor and
// inverter driver need to read in one shot, avoiding repeated locking
// inside a single evaluation (§5: state setters complete before any
// derived read observes them).
type Snapshot struct {
	Running bool

	MinTempDC, MaxTempDC, AvgTempDC       int
	MinTempValid, MaxTempValid, AvgValid  bool
	MinCellMV, MaxCellMV                  uint
	SOCCPct                               uint
	SOCValid                              bool
	VoltageDV                             uint
	VoltageValid                          bool
	CurrentDA                             int
	CurrentValid                          bool
	MinVoltageDV, MaxVoltageDV            uint
	MaxChargeW, MaxDischargeW             uint
	RatedCapacityAh, RatedCapacityWh      uint
	RatedCapacityAhValid, RatedWhValid    bool
}

// Snapshot captures a consistent view of the pack state under a single
// lock acquisition.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:          s.running,
		MinTempDC:        s.minTempDC,
		MaxTempDC:        s.maxTempDC,
		MinTempValid:     s.valid&validMinTemp != 0,
		MaxTempValid:     s.valid&validMaxTemp != 0,
		MinCellMV:        s.minCellMV,
		MaxCellMV:        s.maxCellMV,
		SOCCPct:          s.socCPct,
		SOCValid:         s.valid&validSOC != 0,
		VoltageDV:        s.voltageDV,
		VoltageValid:     s.valid&validVoltage != 0,
		CurrentDA:        s.currentDA,
		CurrentValid:     s.valid&validCurrent != 0,
		MinVoltageDV:     s.minVoltageDV,
		MaxVoltageDV:     s.maxVoltageDV,
		MaxChargeW:       s.maxChargeW,
		MaxDischargeW:    s.maxDischargeW,
		RatedCapacityAh:  s.ratedCapacityAh,
		RatedCapacityWh:  s.ratedCapacityWh,
	}
	if s.valid&validAvgTemp != 0 {
		snap.AvgTempDC = s.avgTempDC
		snap.AvgValid = true
	} else if snap.MinTempValid && snap.MaxTempValid {
		snap.AvgTempDC = s.minTempDC + (s.maxTempDC-s.minTempDC)/2
		snap.AvgValid = true
	}
	snap.RatedCapacityAhValid = s.ratedCapacityAh != 0
	if s.ratedCapacityWh != 0 {
		snap.RatedWhValid = true
	} else if s.ratedCapacityAh != 0 && s.ratedVoltageDV != 0 {
		snap.RatedCapacityWh = s.ratedCapacityAh * s.ratedVoltageDV / 10
		snap.RatedWhValid = true
	}
	return snap
}
