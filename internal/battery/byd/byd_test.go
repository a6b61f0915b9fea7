package byd

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgwynne/batgw/internal/can"
	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/gateway"
	"github.com/dgwynne/batgw/internal/kv"
)

// fakeInverter satisfies gateway.InverterDriver with no-ops, solely so
// gateway.New can resolve a complete Gateway for these tests without
// pulling in a real inverter package.
type fakeInverter struct{}

func (fakeInverter) Check(*config.Inverter) error               { return nil }
func (fakeInverter) ApplyDefaults(*config.Inverter)              {}
func (fakeInverter) Attach(*gateway.Gateway) (gateway.InverterHandle, error) {
	return nil, nil
}
func (fakeInverter) Dispatch(*gateway.Gateway, gateway.InverterHandle) error { return nil }
func (fakeInverter) Teleperiod(*gateway.Gateway, gateway.InverterHandle)     {}

func init() {
	gateway.RegisterInverterDriver("byd-test-inverter", fakeInverter{})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recordingSink struct {
	published []string
}

func (s *recordingSink) Publish(topic, payload string, retain bool) error {
	s.published = append(s.published, topic+"="+payload)
	return nil
}

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	cfg := config.Defaults()
	cfg.Battery.Protocol = protocolName
	cfg.Battery.Ifname = "vcan0"
	cfg.Inverter.Protocol = "byd-test-inverter"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(cfg, logger)
	require.NoError(t, err)
	return gw
}

// newTestHandle builds a handle with the same KV slots Attach produces
// for the default 126-cell pack (pack-temperature and cell entries left
// unnamed), without opening a real CAN socket, so decode logic can be
// exercised directly.
func newTestHandle(gw *gateway.Gateway) *handle {
	h := &handle{
		gw:     gw,
		kvs:    kv.NewTable("battery"),
		pack:   kv.NewTable("battery"),
		cell:   kv.NewTable("battery"),
		b50ms6: decr50ms6Init,
		b50ms7: decr50ms7Init,
	}
	h.ambient = h.kvs.Add(kv.New("ambient", kv.Temperature, 1))
	h.voltage = h.kvs.Add(kv.New("", kv.Voltage, 1))
	h.soc = h.kvs.Add(kv.New("soc", kv.Percent, 1))
	h.pidSOC = h.kvs.Add(kv.New("pid-soc", kv.Percent, 0))
	h.pidVoltage = h.kvs.Add(kv.New("pid", kv.Voltage, 0))
	h.pidCurrent = h.kvs.Add(kv.New("pid", kv.Current, 1))
	h.tempMin = h.kvs.Add(kv.New("min", kv.Temperature, 0))
	h.tempMax = h.kvs.Add(kv.New("max", kv.Temperature, 0))
	h.tempAvg = h.kvs.Add(kv.New("avg", kv.Temperature, 0))
	h.cellMin = h.kvs.Add(kv.New("cell-min", kv.Voltage, 3))
	h.cellMax = h.kvs.Add(kv.New("cell-max", kv.Voltage, 3))
	h.cellDelta = h.kvs.Add(kv.New("cell-delta", kv.Voltage, 3))
	h.dischargeW = h.kvs.Add(kv.New("max-discharge", kv.Power, 0))
	h.chargeW = h.kvs.Add(kv.New("max-charge", kv.Power, 0))
	h.chargeCnt = h.kvs.Add(kv.New("charge-count", kv.Count, 0))
	h.chargedAh = h.kvs.Add(kv.New("charged", kv.AmpHour, 0))
	h.dischgdAh = h.kvs.Add(kv.New("discharged", kv.AmpHour, 0))
	h.chargedKWh = h.kvs.Add(kv.New("charged", kv.Energy, 0))
	h.dischgdKWh = h.kvs.Add(kv.New("discharged", kv.Energy, 0))
	for i := 0; i < 10; i++ {
		h.pack.Add(kv.New("", kv.Temperature, 0))
	}
	for i := 0; i < 126; i++ {
		h.cell.Add(kv.New("", kv.Voltage, 3))
	}
	return h
}

// S1: pack voltage decode via 0x444, payload B4 10 00 00 00 00 00 00.
func TestPackVoltageDecode(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(0x444)
	f.Data = [8]byte{0xB4, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	h.handleFrame(f)

	dv, ok := gw.Pack.VoltageDV()
	require.True(t, ok)
	require.EqualValues(t, 0x10B4, dv)
	require.Equal(t, "427.6", kv.FormatValue(h.voltage.Get(), h.voltage.Precision))
}

// S2: SoC decode via 0x447, payload 00 00 00 00 2C 01 00 00.
func TestSOCDecode(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(0x447)
	f.Data = [8]byte{0x00, 0x00, 0x00, 0x00, 0x2C, 0x01, 0x00, 0x00}

	h.handleFrame(f)

	soc, ok := gw.Pack.SOCCPct()
	require.True(t, ok)
	require.EqualValues(t, 3000, soc)
}

// S3: cell voltage triple decode via 0x43D, payload
// 02 20 0D 21 0D 22 0D 00 (first byte=2 -> cell base index 6), keeping the
// full little-endian 16-bit value per the current specification.
func TestCellTripleDecode(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(0x43D)
	f.Data = [8]byte{0x02, 0x20, 0x0D, 0x21, 0x0D, 0x22, 0x0D, 0x00}

	h.handleFrame(f)

	require.EqualValues(t, 0x0D20, h.cell.At(6).Get())
	require.EqualValues(t, 0x0D21, h.cell.At(7).Get())
	require.EqualValues(t, 0x0D22, h.cell.At(8).Get())
}

// S4: PID current decode via 0x7EF, payload 00 00 00 09 88 13 00 00
// (PID 0x0009, le16=0x1388=5000) -> current_dA = 0.
func TestPIDCurrentDecode(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)

	f := can.NewFrame(idPollReply)
	f.Data = [8]byte{0x00, 0x00, 0x00, 0x09, 0x88, 0x13, 0x00, 0x00}

	h.handlePollReply(f)

	require.EqualValues(t, 0, h.pidCurrent.Get())
}

// A first-frame marker on the poll reply triggers a flow-control ACK.
func TestFlowControlAck(t *testing.T) {
	gw := newTestGateway(t)
	h := newTestHandle(gw)
	sock, err := can.Open("vcan0")
	if err != nil {
		t.Skipf("no vcan0 interface available: %v", err)
	}
	defer sock.Close()
	h.sock = sock

	f := can.NewFrame(idPollReply)
	f.Data[0] = 0x10
	f.PutBE16(2, pidVoltage)

	require.NotPanics(t, func() { h.handlePollReply(f) })
}

// Poll round-robin cycles through every configured PID before repeating.
func TestPollRoundRobin(t *testing.T) {
	h := &handle{}
	seen := map[uint16]bool{}
	for range pollPIDs {
		seen[pollPIDs[h.pollIdx]] = true
		h.pollIdx = (h.pollIdx + 1) % len(pollPIDs)
	}
	require.Len(t, seen, len(pollPIDs))
	require.Equal(t, 0, h.pollIdx)
}

// Dedup + throttle behaviour composes correctly through a driver KV.
func TestAmbientTempThrottle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	sink := &recordingSink{}
	k := kv.New("ambient", kv.Temperature, 1)

	require.NoError(t, k.Update(clock, sink, "battery", 250))
	require.Len(t, sink.published, 1)

	clock.now = clock.now.Add(1 * time.Second)
	require.NoError(t, k.Update(clock, sink, "battery", 251))
	require.Len(t, sink.published, 1, "within throttle window, no second publish")

	clock.now = clock.now.Add(10 * time.Second)
	require.NoError(t, k.Update(clock, sink, "battery", 252))
	require.Len(t, sink.published, 2)
}
