package safety

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dgwynne/batgw/internal/packstate"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultLimits() Limits {
	return Limits{
		MinTempDC:        -250,
		MaxTempDC:        500,
		MaxTempDeviation: 150,
		MaxCellDeviation: 300,
		MinCellMV:        2800,
		MaxCellMV:        4200,
		ChargeLimitW:     5000,
		DischargeLimitW:  5000,
	}
}

func safeSnapshot() packstate.Snapshot {
	return packstate.Snapshot{
		Running:       true,
		MinTempDC:     100,
		MaxTempDC:     150,
		MinTempValid:  true,
		MaxTempValid:  true,
		MinCellMV:     3300,
		MaxCellMV:     3320,
		VoltageDV:     4000,
		VoltageValid:  true,
		MaxChargeW:    3000,
		MaxDischargeW: 3000,
	}
}

func TestSentinelsAreDistinctAndIssafeAborts(t *testing.T) {
	s := NewSupervisor(discardLogger())
	require.NotEqual(t, s.Safe(), s.Unsafe())
	require.True(t, s.Issafe(s.Safe()))
	require.False(t, s.Issafe(s.Unsafe()))

	require.Panics(t, func() {
		var zero Token
		s.Issafe(zero)
	})
}

func TestNotRunningIsUnsafeRegardless(t *testing.T) {
	s := NewSupervisor(discardLogger())
	pack := safeSnapshot()
	pack.Running = false
	token := s.Evaluate(pack, defaultLimits())
	require.Equal(t, s.Unsafe(), token)
}

func TestAllPresentInRangeIsSafe(t *testing.T) {
	s := NewSupervisor(discardLogger())
	token := s.Evaluate(safeSnapshot(), defaultLimits())
	require.Equal(t, s.Safe(), token)
}

func TestChargeDAZeroWhenMaxCellOverConfigLimit(t *testing.T) {
	s := NewSupervisor(discardLogger())
	limits := defaultLimits()
	pack := safeSnapshot()
	token := s.Evaluate(pack, limits)
	require.Equal(t, s.Safe(), token)

	pack.MaxCellMV = limits.MaxCellMV + 1
	require.Zero(t, s.ChargeDA(token, pack, limits))
	require.NotZero(t, s.DischargeDA(token, pack, limits), "discharge must remain unaffected")
}

func TestDischargeDAZeroWhenMinCellUnderConfigLimit(t *testing.T) {
	s := NewSupervisor(discardLogger())
	limits := defaultLimits()
	pack := safeSnapshot()
	token := s.Evaluate(pack, limits)

	pack.MinCellMV = limits.MinCellMV - 1
	require.Zero(t, s.DischargeDA(token, pack, limits))
	require.NotZero(t, s.ChargeDA(token, pack, limits))
}

func TestEnvelopeExactComputation(t *testing.T) {
	s := NewSupervisor(discardLogger())
	limits := defaultLimits()
	limits.ChargeLimitW = 2000
	pack := safeSnapshot()
	pack.MaxChargeW = 4000 // manufacturer limit above config limit
	pack.VoltageDV = 4000
	token := s.Evaluate(pack, limits)

	// min(4000, 2000) * 100 / 4000 = 50
	require.EqualValues(t, 50, s.ChargeDA(token, pack, limits))
}

func TestEnvelopeZeroWhenVoltageUnknown(t *testing.T) {
	s := NewSupervisor(discardLogger())
	limits := defaultLimits()
	pack := safeSnapshot()
	pack.VoltageValid = false
	token := s.Evaluate(pack, limits)
	require.Equal(t, s.Safe(), token)
	require.Zero(t, s.ChargeDA(token, pack, limits))
	require.Zero(t, s.DischargeDA(token, pack, limits))
}

func TestUnsafeReasonLoggedOnlyOnChange(t *testing.T) {
	s := NewSupervisor(discardLogger())
	limits := defaultLimits()
	pack := safeSnapshot()
	pack.Running = false

	tok1 := s.Evaluate(pack, limits)
	reasonAfterFirst := s.lastReason
	tok2 := s.Evaluate(pack, limits)
	require.Equal(t, tok1, tok2)
	require.Equal(t, reasonAfterFirst, s.lastReason, "same reason: no change recorded")

	pack.Running = true
	pack.MinTempValid = false
	s.Evaluate(pack, limits)
	require.NotEqual(t, reasonAfterFirst, s.lastReason, "different reason: state should update")
}
