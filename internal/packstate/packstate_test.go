package packstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettersMatchAccessors(t *testing.T) {
	s := New()

	s.SetSOCCPct(4200)
	v, ok := s.SOCCPct()
	require.True(t, ok)
	require.EqualValues(t, 4200, v)

	s.SetVoltageDV(4276)
	dv, ok := s.VoltageDV()
	require.True(t, ok)
	require.EqualValues(t, 4276, dv)

	s.SetCurrentDA(-50)
	da, ok := s.CurrentDA()
	require.True(t, ok)
	require.EqualValues(t, -50, da)

	s.SetMinTempDC(100)
	mt, ok := s.MinTempDC()
	require.True(t, ok)
	require.EqualValues(t, 100, mt)

	s.SetMaxTempDC(200)
	xt, ok := s.MaxTempDC()
	require.True(t, ok)
	require.EqualValues(t, 200, xt)
}

func TestAvgTempDerived(t *testing.T) {
	s := New()
	_, ok := s.AvgTempDC()
	require.False(t, ok, "absent without min/max")

	s.SetMinTempDC(100)
	s.SetMaxTempDC(200)
	avg, ok := s.AvgTempDC()
	require.True(t, ok)
	require.Equal(t, 100+(200-100)/2, avg)
}

func TestAvgTempExplicitOverridesDerived(t *testing.T) {
	s := New()
	s.SetMinTempDC(100)
	s.SetMaxTempDC(200)
	s.SetAvgTempDC(999)
	avg, ok := s.AvgTempDC()
	require.True(t, ok)
	require.Equal(t, 999, avg)
}

func TestRatedCapacityWhDerivation(t *testing.T) {
	s := New()
	_, ok := s.RatedCapacityWh()
	require.False(t, ok)

	s.SetRatedCapacityAh(100)
	s.SetRatedVoltageDV(512) // 51.2V
	wh, ok := s.RatedCapacityWh()
	require.True(t, ok)
	require.EqualValues(t, 100*512/10, wh)

	s.SetRatedCapacityWh(6000)
	wh, ok = s.RatedCapacityWh()
	require.True(t, ok)
	require.EqualValues(t, 6000, wh, "explicit value wins over derived")
}

func TestVoltageEnvelopeNonZeroPresence(t *testing.T) {
	s := New()
	_, ok := s.MinVoltageDV()
	require.False(t, ok)
	_, ok = s.MaxVoltageDV()
	require.False(t, ok)

	s.SetMinVoltageDV(3200)
	s.SetMaxVoltageDV(4300)
	min, ok := s.MinVoltageDV()
	require.True(t, ok)
	require.EqualValues(t, 3200, min)
	max, ok := s.MaxVoltageDV()
	require.True(t, ok)
	require.EqualValues(t, 4300, max, "max must land in the max field, not the min field (the reference bug this corrects)")
}
