package mg4

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgwynne/batgw/internal/can"
	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/gateway"
	"github.com/dgwynne/batgw/internal/kv"
)

type fakeInverter struct{}

func (fakeInverter) Check(*config.Inverter) error  { return nil }
func (fakeInverter) ApplyDefaults(*config.Inverter) {}
func (fakeInverter) Attach(*gateway.Gateway) (gateway.InverterHandle, error) {
	return nil, nil
}
func (fakeInverter) Dispatch(*gateway.Gateway, gateway.InverterHandle) error { return nil }
func (fakeInverter) Teleperiod(*gateway.Gateway, gateway.InverterHandle)     {}

func init() {
	gateway.RegisterInverterDriver("mg4-test-inverter", fakeInverter{})
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	cfg := config.Defaults()
	cfg.Battery.Protocol = protocolName
	cfg.Battery.Ifname = "vcan0"
	cfg.Inverter.Protocol = "mg4-test-inverter"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(cfg, logger)
	require.NoError(t, err)
	return gw
}

func newTestHandle(gw *gateway.Gateway) *handle {
	h := &handle{gw: gw, kvs: kv.NewTable("battery")}
	h.soc = h.kvs.Add(kv.New("soc", kv.Percent, 1))
	h.voltage = h.kvs.Add(kv.New("", kv.Voltage, 1))
	h.current = h.kvs.Add(kv.New("", kv.Current, 1))
	h.power = h.kvs.Add(kv.New("", kv.Power, 2))
	return h
}

// S5: status decode via 0x12C, payload 00 00 4E 20 00 C8 00 00.
func TestStatusDecode(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(idStatus)
	f.Data = [8]byte{0x00, 0x00, 0x4E, 0x20, 0x00, 0xC8, 0x00, 0x00}

	h.handleFrame(f)

	require.True(t, gw.Pack.Running())

	da, ok := gw.Pack.CurrentDA()
	require.True(t, ok)
	require.EqualValues(t, 0, da)

	dv, ok := gw.Pack.VoltageDV()
	require.True(t, ok)
	require.EqualValues(t, 31, dv)
}

func TestSOCDecodeOnEvenFlag(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(idSOC)
	f.Data[2] = 0x00
	f.PutBE16(6, 0x0096) // 150 -> masked to 0x3FF unchanged

	h.decodeSOC(f)

	soc, ok := gw.Pack.SOCCPct()
	require.True(t, ok)
	require.EqualValues(t, 1500, soc)
}

func TestSOCDecodeSkippedOnOddFlag(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(idSOC)
	f.Data[2] = 0x01
	f.PutBE16(6, 0x0096)

	h.decodeSOC(f)

	_, ok := gw.Pack.SOCCPct()
	require.False(t, ok)
}

func TestContactorSequenceCycles(t *testing.T) {
	h := &handle{}
	require.Len(t, contactorSeq, 14)
	for i := 0; i < len(contactorSeq)*2; i++ {
		h.contactorIdx = (h.contactorIdx + 1) % len(contactorSeq)
	}
	require.Equal(t, 0, h.contactorIdx)
}
