// Package byd impersonates a BYD Battery-Box Premium HVS module to the
// inverter (§4.G): a passive driver that wakes on the inverter's own
// handshake request, then emits telemetry on three fixed intervals until
// the liveness watchdog lapses.
package byd

import (
	"errors"
	"time"

	"github.com/dgwynne/batgw/internal/can"
	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/gateway"
	"github.com/dgwynne/batgw/internal/kv"
)

const protocolName = "byd"

var errNotConfigured = errors.New("byd inverter: interface not configured")

func init() {
	gateway.RegisterInverterDriver(protocolName, driver{})
}

const (
	idVendor  = 0x2D0
	idProduct = 0x3D0

	voltageOffsetDV = 20
)

var (
	fwMajor = byte(0x03)
	fwMinor = byte(0x29)
)

var vendorString = []byte("BYD\x00")
var productString = []byte("Battery-Box Premium HVS\x00")

var (
	wdogPeriod = 60 * time.Second
	period2s   = 2 * time.Second
	period10s  = 10 * time.Second
	period60s  = 60 * time.Second
)

type handle struct {
	gw   *gateway.Gateway
	sock *can.Socket

	kvs *kv.Table

	running bool

	temp        *kv.KV
	sendVoltage *kv.KV
	recvVoltage *kv.KV
	dischargeDA *kv.KV
	chargeDA    *kv.KV

	wdog  *gateway.Watchdog
	emit2s  *gateway.PeriodicEmitter
	emit10s *gateway.PeriodicEmitter
	emit60s *gateway.PeriodicEmitter
}

type driver struct{}

func (driver) Check(cfg *config.Inverter) error {
	if cfg.Ifname == "" {
		return errNotConfigured
	}
	return nil
}

func (driver) ApplyDefaults(cfg *config.Inverter) {}

func (driver) Attach(gw *gateway.Gateway) (gateway.InverterHandle, error) {
	sock, err := can.Open(gw.Config.Inverter.Ifname)
	if err != nil {
		return nil, err
	}

	h := &handle{
		gw:   gw,
		sock: sock,
		kvs:  kv.NewTable("inverter"),
	}
	h.temp = h.kvs.Add(kv.New("temperature", kv.Temperature, 1))
	h.sendVoltage = h.kvs.Add(kv.New("send-voltage", kv.Voltage, 1))
	h.recvVoltage = h.kvs.Add(kv.New("recv-voltage", kv.Voltage, 1))
	h.dischargeDA = h.kvs.Add(kv.New("max-discharge", kv.Current, 1))
	h.chargeDA = h.kvs.Add(kv.New("max-charge", kv.Current, 1))

	return h, nil
}

func (driver) Dispatch(gw *gateway.Gateway, ih gateway.InverterHandle) error {
	h := ih.(*handle)
	gateway.StartReader(gw, h.sock, h.handleFrame)
	return nil
}

func (driver) Teleperiod(gw *gateway.Gateway, ih gateway.InverterHandle) {
	h := ih.(*handle)
	h.kvs.Sweep(gw)
}

func (h *handle) handleFrame(f can.Frame) {
	if !h.running {
		if f.ID != 0x151 || f.Data[0] != 0x01 || !h.gw.Pack.Running() {
			return
		}
		h.running = true
	}

	switch f.ID {
	case 0x019, 0x0D1, 0x111, 0x151:
		h.gw.SetInverterRunning(true)
		if h.wdog == nil {
			h.wdog = gateway.NewWatchdog(h.gw, wdogPeriod, h.onWatchdogExpire)
		} else {
			h.wdog.Rearm()
		}
	}

	switch f.ID {
	case 0x151:
		if f.Data[0] == 0x01 {
			h.hello()
		}
	case 0x091:
		h.handleContactorFrame(f)
	}
}

func (h *handle) onWatchdogExpire() {
	h.gw.SetInverterRunning(false)
	h.gw.SetContactor(false)
	h.running = false
	if h.emit2s != nil {
		h.emit2s.Stop()
		h.emit2s = nil
	}
	if h.emit10s != nil {
		h.emit10s.Stop()
		h.emit10s = nil
	}
	if h.emit60s != nil {
		h.emit60s.Stop()
		h.emit60s = nil
	}
}

// hello emits the startup handshake (§4.G) then arms and fires each
// interval emitter once.
func (h *handle) hello() {
	wh, ok := h.gw.Pack.RatedCapacityWh()
	if ok {
		f := can.NewFrame(0x250)
		f.Data[0] = fwMajor
		f.Data[1] = fwMinor
		f.Data[2] = 0x00
		f.Data[3] = 0x66
		f.PutBE16(4, uint16(wh/100))
		f.Data[6] = 0x02
		f.Data[7] = 0x09
		_ = h.sock.Write(f)
	}

	f290 := can.NewFrame(0x290)
	f290.Data = [8]byte{0x06, 0x37, 0x10, 0xD9, 0x00, 0x00, 0x00, 0x00}
	_ = h.sock.Write(f290)

	h.sendChunked(idVendor, vendorString)
	h.sendChunked(idProduct, productString)

	// The handshake request recurs; arm the periodic emitters once and
	// let repeat requests re-send the handshake frames idempotently
	// without re-arming (and thereby multiplying) the timers.
	if h.emit2s == nil {
		h.emit2s = gateway.NewPeriodicEmitter(h.gw, period2s, h.send2s)
		h.emit10s = gateway.NewPeriodicEmitter(h.gw, period10s, h.send10s)
		h.emit60s = gateway.NewPeriodicEmitter(h.gw, period60s, h.send60s)
		h.send2s()
		h.send10s()
		h.send60s()
	}
}

// sendChunked splits str across successive frames on id, one index byte
// per frame followed by up to 7 bytes of the string; the final frame is
// zero-padded.
func (h *handle) sendChunked(id uint16, str []byte) {
	idx := byte(0)
	for len(str) > 0 {
		n := len(str)
		if n > 7 {
			n = 7
		}
		f := can.NewFrame(id)
		f.Data[0] = idx
		copy(f.Data[1:], str[:n])
		_ = h.sock.Write(f)

		str = str[n:]
		idx++
	}
}

func (h *handle) send2s() {
	minDV, minOK := h.gw.Pack.MinVoltageDV()
	maxDV, maxOK := h.gw.Pack.MaxVoltageDV()
	if !minOK || !maxOK {
		return
	}

	snap := h.gw.Pack.Snapshot()
	token := h.gw.Safety.Evaluate(snap, h.gw.SafetyLimits())
	limits := h.gw.SafetyLimits()

	discharge := h.gw.Safety.DischargeDA(token, snap, limits)
	charge := h.gw.Safety.ChargeDA(token, snap, limits)

	h.dischargeDA.Update(h.gw.Clock, h.gw, "inverter", int64(discharge))
	h.chargeDA.Update(h.gw.Clock, h.gw, "inverter", int64(charge))

	f := can.NewFrame(0x110)
	f.PutBE16(0, uint16(maxDV-voltageOffsetDV))
	f.PutBE16(2, uint16(minDV+voltageOffsetDV))
	f.PutBE16(4, uint16(discharge))
	f.PutBE16(6, uint16(charge))
	_ = h.sock.Write(f)
}

func (h *handle) send10s() {
	h.send150()
	h.send1d0()
	h.send210()
}

func (h *handle) send150() {
	soc, ok := h.gw.Pack.SOCCPct()
	if !ok {
		return
	}
	ah, ok := h.gw.Pack.RatedCapacityAh()
	if !ok {
		return
	}

	f := can.NewFrame(0x150)
	f.PutBE16(0, uint16(soc))
	f.PutBE16(2, 9900)
	f.PutBE16(4, uint16(ah*soc/10000))
	f.PutBE16(6, uint16(ah))
	_ = h.sock.Write(f)
}

func (h *handle) send1d0() {
	temp, ok := h.gw.Pack.AvgTempDC()
	if !ok {
		return
	}
	dv, ok := h.gw.Pack.VoltageDV()
	if !ok {
		dv = 0
	}

	h.sendVoltage.Update(h.gw.Clock, h.gw, "inverter", int64(dv))

	f := can.NewFrame(0x1D0)
	f.PutBE16(0, uint16(dv))
	f.PutBE16(2, 0)
	f.PutBE16(4, uint16(int16(temp)))
	_ = h.sock.Write(f)
}

func (h *handle) send210() {
	minTemp, minOK := h.gw.Pack.MinTempDC()
	maxTemp, maxOK := h.gw.Pack.MaxTempDC()
	if !minOK || !maxOK {
		return
	}

	f := can.NewFrame(0x210)
	f.PutBE16(0, uint16(int16(maxTemp)))
	f.PutBE16(2, uint16(int16(minTemp)))
	_ = h.sock.Write(f)
}

func (h *handle) send60s() {
	f := can.NewFrame(0x190)
	f.Data[2] = 0x03
	_ = h.sock.Write(f)
}

// handleContactorFrame infers contactor state from the inverter's own
// reported DC link voltage vs. the pack's measured voltage (§4.G).
func (h *handle) handleContactorFrame(f can.Frame) {
	idv := int64(f.BE16(0))
	h.recvVoltage.Update(h.gw.Clock, h.gw, "inverter", idv)

	contactor := false
	if bdv, ok := h.gw.Pack.VoltageDV(); ok {
		delta := int64(bdv) - idv
		if delta < 0 {
			delta = -delta
		}
		contactor = delta <= voltageOffsetDV
	}
	h.gw.SetContactor(contactor)

	h.temp.Update(h.gw.Clock, h.gw, "inverter", int64(f.BE16(4)))
}
