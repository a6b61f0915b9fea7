// Package byd implements the BYD battery CAN dialect (§4.F): an
// ISO-TP-like poll/response cycle over 0x7E7/0x7EF, a handful of
// broadcast frames, and two periodic keep-alive frames.
package byd

import (
	"fmt"
	"time"

	"github.com/dgwynne/batgw/internal/can"
	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/gateway"
	"github.com/dgwynne/batgw/internal/kv"
)

const protocolName = "byd"

func init() {
	gateway.RegisterBatteryDriver(protocolName, driver{})
}

// CAN identifiers (§4.F).
const (
	idPollRequest = 0x7E7
	idPollReply   = 0x7EF
	id50ms        = 0x12D
	id100ms       = 0x441
)

// PIDs polled round-robin over the poll request frame.
const (
	pidSOC              = 0x0005
	pidVoltage          = 0x0008
	pidCurrent          = 0x0009
	pidCellTempMin       = 0x002F
	pidCellTempMax       = 0x0031
	pidCellTempAvg       = 0x0032
	pidCellMVMin         = 0x002B
	pidCellMVMax         = 0x002D
	pidMaxChargePower    = 0x000A
	pidMaxDischargePower = 0x000E
	pidChargeTimes       = 0x000B
	pidTotalChargedAh    = 0x000F
	pidTotalDischargedAh = 0x0010
	pidTotalChargedKWh   = 0x0011
	pidTotalDischargedKWh = 0x0012
)

var pollPIDs = []uint16{
	pidSOC, pidVoltage, pidCurrent,
	pidCellTempMin, pidCellTempMax, pidCellTempAvg,
	pidCellMVMin, pidCellMVMax,
	pidMaxChargePower, pidMaxDischargePower,
	pidChargeTimes,
	pidTotalChargedAh, pidTotalDischargedAh,
	pidTotalChargedKWh, pidTotalDischargedKWh,
}

// recognisedBroadcastIDs reset the liveness watchdog on any reception.
var recognisedBroadcastIDs = map[uint16]bool{
	0x244: true, 0x245: true, 0x286: true, 0x344: true, 0x345: true,
	0x347: true, 0x34A: true, 0x35E: true, 0x360: true, 0x36C: true,
	0x438: true, 0x43A: true, 0x43B: true, 0x43C: true, 0x43D: true,
	0x444: true, 0x445: true, 0x446: true, 0x447: true, 0x47B: true,
	0x524: true,
}

const decr50ms6Init = 0xBF
const decr50ms7Init = 0x59
const decr50msStep = 0x10

var (
	wdogPeriod   = 10 * time.Second
	poll200ms    = 200 * time.Millisecond
	period50ms   = 50 * time.Millisecond
	period100ms  = 100 * time.Millisecond
	changeAfter  = 1150 * time.Millisecond
)

// handle is the opaque per-driver state of §3.
type handle struct {
	gw   *gateway.Gateway
	sock *can.Socket

	kvs  *kv.Table
	pack *kv.Table // 10 pack-temperature entries
	cell *kv.Table // per-cell voltages

	pollIdx int

	b50ms6, b50ms7 byte
	swapped        bool // the one-shot ~1.15s change timer has fired

	minCellMV int64 // mirrors kv cell-min for the delta computation

	wdog       *gateway.Watchdog
	poll       *gateway.PeriodicEmitter
	emit50ms   *gateway.PeriodicEmitter
	emit100ms  *gateway.PeriodicEmitter
	ambient    *kv.KV
	voltage    *kv.KV
	soc        *kv.KV
	pidSOC     *kv.KV
	pidVoltage *kv.KV
	pidCurrent *kv.KV
	tempMin    *kv.KV
	tempMax    *kv.KV
	tempAvg    *kv.KV
	cellMin    *kv.KV
	cellMax    *kv.KV
	cellDelta  *kv.KV
	dischargeW *kv.KV
	chargeW    *kv.KV
	chargeCnt  *kv.KV
	chargedAh  *kv.KV
	dischgdAh  *kv.KV
	chargedKWh *kv.KV
	dischgdKWh *kv.KV
}

type driver struct{}

func (driver) Check(cfg *config.Battery) error {
	if cfg.Ifname == "" {
		return fmt.Errorf("byd battery: interface not configured")
	}
	if cfg.MinCellVoltageMV != 0 || cfg.MaxCellVoltageMV != 0 || cfg.DevCellVoltageMV != 0 {
		return fmt.Errorf("byd battery: cell voltage limits are derived, do not configure them")
	}
	return nil
}

// ApplyDefaults fills in the BYD Battery-Box Premium HVS's known
// hardware characteristics (§4.F, original byd_b_config).
func (driver) ApplyDefaults(cfg *config.Battery) {
	if cfg.RatedCapacityAh == 0 {
		cfg.RatedCapacityAh = 150
	}
	if cfg.RatedVoltageDV == 0 {
		cfg.RatedVoltageDV = 4032
	}
	if cfg.NCells == 0 {
		cfg.NCells = 126
	}
	cfg.MinCellVoltageMV = 2800
	cfg.MaxCellVoltageMV = 3800
	cfg.DevCellVoltageMV = 150

	// Operating caps the installer may tighten below the pack's own
	// manufacturer-reported ceiling (decoded from the poll PIDs into
	// pack state, a distinct field from this one); this is just the
	// default when nothing overrides it.
	if cfg.MaxChargeW == 0 {
		cfg.MaxChargeW = 5000
	}
	if cfg.MaxDischargeW == 0 {
		cfg.MaxDischargeW = 5000
	}
}

func (driver) Attach(gw *gateway.Gateway) (gateway.BatteryHandle, error) {
	sock, err := can.Open(gw.Config.Battery.Ifname)
	if err != nil {
		return nil, err
	}

	h := &handle{
		gw:      gw,
		sock:    sock,
		kvs:     kv.NewTable("battery"),
		pack:    kv.NewTable("battery"),
		cell:    kv.NewTable("battery"),
		b50ms6:  decr50ms6Init,
		b50ms7:  decr50ms7Init,
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
		h.pack.Add(kv.New(fmt.Sprintf("pack%d", i), kv.Temperature, 0))
	}
	for i := uint(0); i < gw.Config.Battery.NCells; i++ {
		h.cell.Add(kv.New(fmt.Sprintf("cell%d", i), kv.Voltage, 3))
	}

	return h, nil
}

func (driver) Dispatch(gw *gateway.Gateway, bh gateway.BatteryHandle) error {
	h := bh.(*handle)

	gw.Pack.SetRatedCapacityAh(gw.Config.Battery.RatedCapacityAh)
	gw.Pack.SetRatedVoltageDV(gw.Config.Battery.RatedVoltageDV)
	gw.Pack.SetMinVoltageDV(3800)
	gw.Pack.SetMaxVoltageDV(4410)

	gateway.StartReader(gw, h.sock, h.handleFrame)

	h.wdog = gateway.NewWatchdog(gw, wdogPeriod, func() {
		gw.Pack.SetStopped()
	})
	h.poll = gateway.NewPeriodicEmitter(gw, poll200ms, h.sendPoll)
	h.emit50ms = gateway.NewPeriodicEmitter(gw, period50ms, h.send50ms)
	h.emit100ms = gateway.NewPeriodicEmitter(gw, period100ms, h.send100ms)
	time.AfterFunc(changeAfter, func() {
		gw.Post(func() { h.swapped = true })
	})

	return nil
}

func (driver) Teleperiod(gw *gateway.Gateway, bh gateway.BatteryHandle) {
	h := bh.(*handle)
	h.kvs.Sweep(gw)
	h.pack.Sweep(gw)
	h.cell.Sweep(gw)
}

func (h *handle) sendPoll() {
	pid := pollPIDs[h.pollIdx]
	h.pollIdx = (h.pollIdx + 1) % len(pollPIDs)

	f := can.NewFrame(idPollRequest)
	f.Data = [8]byte{0x03, 0x22, byte(pid >> 8), byte(pid), 0, 0, 0, 0}
	_ = h.sock.Write(f)
}

func (h *handle) send50ms() {
	f := can.NewFrame(id50ms)
	f.Data = [8]byte{0xA0, 0x28, 0x02, 0xA0, 0x0C, 0x71, 0x00, 0x00}
	if h.swapped {
		f.Data[2] = 0x00
		f.Data[3] = 0x22
		f.Data[5] = 0x31
	}
	h.b50ms6 -= decr50msStep
	h.b50ms7 -= decr50msStep
	f.Data[6] = h.b50ms6
	f.Data[7] = h.b50ms7
	_ = h.sock.Write(f)
}

func (h *handle) send100ms() {
	f := can.NewFrame(id100ms)
	f.Data = [8]byte{0x98, 0x3A, 0x88, 0x13, 0x00, 0x00, 0xFF, 0x00}

	v, _ := h.gw.Pack.VoltageDV()
	dv := int(v)
	if dv <= 12 || !h.gw.Contactor() {
		dv = 12
	}
	f.PutLE16(4, uint16(dv))

	var csum byte
	for i := 0; i < 7; i++ {
		csum += f.Data[i]
	}
	f.Data[7] = ^csum
	_ = h.sock.Write(f)
}

func (h *handle) handleFrame(f can.Frame) {
	if recognisedBroadcastIDs[f.ID] {
		h.gw.Pack.SetRunning()
		if h.wdog != nil {
			h.wdog.Rearm()
		}
	}

	switch f.ID {
	case 0x245:
		if f.Data[0] == 0x01 {
			h.ambient.Update(h.gw.Clock, h.gw, "battery", degC(f, 4))
		}
	case 0x43C:
		base := int(f.Data[0]) * 6
		for i := 0; i < 6; i++ {
			key := base + i
			if entry := h.pack.At(key); entry != nil {
				entry.Update(h.gw.Clock, h.gw, "battery", degC(f, 1+i))
			}
		}
	case 0x43D:
		base := int(f.Data[0]) * 3
		for i := 0; i < 3; i++ {
			key := base + i
			if entry := h.cell.At(key); entry != nil {
				entry.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(1+2*i)))
			}
		}
	case 0x444:
		dv := int64(f.LE16(0))
		h.gw.Pack.SetVoltageDV(uint(dv))
		h.voltage.Update(h.gw.Clock, h.gw, "battery", dv)
	case 0x447:
		tenths := int64(f.LE16(4))
		h.gw.Pack.SetSOCCPct(uint(tenths * 10))
		h.soc.Update(h.gw.Clock, h.gw, "battery", tenths)
	case idPollReply:
		h.handlePollReply(f)
	}
}

func (h *handle) handlePollReply(f can.Frame) {
	if f.Data[0] == 0x10 {
		ack := can.NewFrame(idPollRequest)
		ack.Data = [8]byte{0x30, 0x08, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}
		_ = h.sock.Write(ack)
	}

	pid := f.BE16(2)
	switch pid {
	case pidSOC:
		h.pidSOC.Update(h.gw.Clock, h.gw, "battery", int64(f.Data[4]))
	case pidVoltage:
		v := int64(f.LE16(4))
		h.gw.Pack.SetVoltageDV(uint(v * 10))
		h.pidVoltage.Update(h.gw.Clock, h.gw, "battery", v)
	case pidCurrent:
		da := int64(f.LE16(4)) - 5000
		h.pidCurrent.Update(h.gw.Clock, h.gw, "battery", da)
	case pidCellTempMin:
		c := degC(f, 4)
		h.gw.Pack.SetMinTempDC(int(c * 10))
		h.tempMin.Update(h.gw.Clock, h.gw, "battery", c)
	case pidCellTempMax:
		c := degC(f, 4)
		h.gw.Pack.SetMaxTempDC(int(c * 10))
		h.tempMax.Update(h.gw.Clock, h.gw, "battery", c)
	case pidCellTempAvg:
		c := degC(f, 4)
		h.gw.Pack.SetAvgTempDC(int(c * 10))
		h.tempAvg.Update(h.gw.Clock, h.gw, "battery", c)
	case pidCellMVMin:
		mv := int64(f.LE16(4))
		h.gw.Pack.SetMinCellMV(uint(mv))
		h.minCellMV = mv
		h.cellMin.Update(h.gw.Clock, h.gw, "battery", mv)
	case pidCellMVMax:
		mv := int64(f.LE16(4))
		h.gw.Pack.SetMaxCellMV(uint(mv))
		h.cellMax.Update(h.gw.Clock, h.gw, "battery", mv)
		if delta := mv - h.minCellMV; delta >= 0 {
			h.cellDelta.Update(h.gw.Clock, h.gw, "battery", delta)
		}
	case pidMaxChargePower:
		w := int64(f.LE16(4)) * 100
		h.gw.Pack.SetMaxChargeW(uint(w))
		h.chargeW.Update(h.gw.Clock, h.gw, "battery", w)
	case pidMaxDischargePower:
		w := int64(f.LE16(4)) * 100
		h.gw.Pack.SetMaxDischargeW(uint(w))
		h.dischargeW.Update(h.gw.Clock, h.gw, "battery", w)
	case pidChargeTimes:
		h.chargeCnt.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(4)))
	case pidTotalChargedAh:
		h.chargedAh.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(4)))
	case pidTotalDischargedAh:
		h.dischgdAh.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(4)))
	case pidTotalChargedKWh:
		h.chargedKWh.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(4)))
	case pidTotalDischargedKWh:
		h.dischgdKWh.Update(h.gw.Clock, h.gw, "battery", int64(f.LE16(4)))
	}
}

func degC(f can.Frame, off int) int64 {
	return int64(f.Data[off]) - 40
}
