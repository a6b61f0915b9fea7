// Package gateway wires the pack-state store, safety supervisor, broker
// session, and the battery/inverter drivers into the single cooperative
// event loop described in spec §5. It also hosts the compile-time driver
// registries (§4.E): concrete drivers register themselves from init() in
// their own packages, the same pattern the teacher uses for its CAN bus
// backends (pkg/can.RegisterInterface).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgwynne/batgw/internal/broker"
	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/kv"
	"github.com/dgwynne/batgw/internal/packstate"
	"github.com/dgwynne/batgw/internal/safety"
)

// BatteryHandle and InverterHandle are the opaque per-driver state
// described in spec §3: drivers define their own concrete type and the
// gateway only ever passes it back to the same driver.
type BatteryHandle interface{}
type InverterHandle interface{}

// BatteryDriver is the pluggable battery driver contract of spec §4.E.
type BatteryDriver interface {
	Check(cfg *config.Battery) error
	ApplyDefaults(cfg *config.Battery)
	Attach(gw *Gateway) (BatteryHandle, error)
	Dispatch(gw *Gateway, h BatteryHandle) error
	Teleperiod(gw *Gateway, h BatteryHandle)
}

// InverterDriver mirrors BatteryDriver for the inverter-facing side.
type InverterDriver interface {
	Check(cfg *config.Inverter) error
	ApplyDefaults(cfg *config.Inverter)
	Attach(gw *Gateway) (InverterHandle, error)
	Dispatch(gw *Gateway, h InverterHandle) error
	Teleperiod(gw *Gateway, h InverterHandle)
}

var (
	batteryDrivers  = map[string]BatteryDriver{}
	inverterDrivers = map[string]InverterDriver{}
)

// RegisterBatteryDriver adds a battery driver to the compile-time table.
// Intended to be called from an init() function.
func RegisterBatteryDriver(protocol string, d BatteryDriver) {
	batteryDrivers[protocol] = d
}

// RegisterInverterDriver adds an inverter driver to the compile-time
// table. Intended to be called from an init() function.
func RegisterInverterDriver(protocol string, d InverterDriver) {
	inverterDrivers[protocol] = d
}

// inverterState is the small running/contactor aggregate of spec §3.
type inverterState struct {
	mu        sync.Mutex
	running   bool
	contactor bool
}

func (s *inverterState) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

func (s *inverterState) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *inverterState) setContactor(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactor = v
}

func (s *inverterState) Contactor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactor
}

// Gateway is the single process-wide object: it owns configuration,
// pack state, inverter state, the broker session, and both driver
// handles (§3 Ownership). Drivers hold only a non-owning back-reference
// to it.
type Gateway struct {
	Config config.Config
	Logger *slog.Logger

	Pack     *packstate.State
	inverter inverterState
	Safety   *safety.Supervisor
	Broker   *broker.Session
	Clock    kv.Clock

	batteryDriver  BatteryDriver
	batteryHandle  BatteryHandle
	inverterDriver InverterDriver
	inverterHandle InverterHandle

	events chan func()
}

// New builds a Gateway from configuration. It resolves the configured
// battery and inverter protocols against the compile-time registries.
func New(cfg config.Config, logger *slog.Logger) (*Gateway, error) {
	bd, ok := batteryDrivers[cfg.Battery.Protocol]
	if !ok {
		return nil, unknownProtocolError("battery", cfg.Battery.Protocol)
	}
	id, ok := inverterDrivers[cfg.Inverter.Protocol]
	if !ok {
		return nil, unknownProtocolError("inverter", cfg.Inverter.Protocol)
	}

	gw := &Gateway{
		Config:         cfg,
		Logger:         logger,
		Pack:           packstate.New(),
		Safety:         safety.NewSupervisor(logger.With("service", "safety")),
		Broker:         broker.NewSession(cfg.MQTT, logger.With("service", "broker"), nil),
		Clock:          kv.SystemClock{},
		batteryDriver:  bd,
		inverterDriver: id,
		events:         make(chan func(), 64),
	}
	gw.Broker.SetReconnect(func() {
		gw.Post(func() {
			if err := gw.Broker.Open(); err != nil {
				gw.Logger.Error("broker reconnect failed", "error", err)
			}
		})
	})
	return gw, nil
}

// Post schedules fn to run on the gateway's single decision-making
// goroutine. Driver I/O goroutines call this instead of touching pack or
// inverter state directly (§5: no cross-thread shared state).
func (gw *Gateway) Post(fn func()) {
	gw.events <- fn
}

// InverterRunning reports the inverter-side running flag.
func (gw *Gateway) InverterRunning() bool { return gw.inverter.Running() }

// SetInverterRunning sets the inverter-side running flag.
func (gw *Gateway) SetInverterRunning(v bool) { gw.inverter.setRunning(v) }

// Contactor reports the inferred contactor state.
func (gw *Gateway) Contactor() bool { return gw.inverter.Contactor() }

// SetContactor sets the inferred contactor state.
func (gw *Gateway) SetContactor(v bool) { gw.inverter.setContactor(v) }

// SafetyLimits derives the supervisor's configured Limits from the
// battery configuration section.
func (gw *Gateway) SafetyLimits() safety.Limits {
	b := gw.Config.Battery
	return safety.Limits{
		MinTempDC:        b.MinTempDC,
		MaxTempDC:        b.MaxTempDC,
		MaxTempDeviation: b.MaxTempDeviation,
		MaxCellDeviation: b.DevCellVoltageMV,
		MinCellMV:        b.MinCellVoltageMV,
		MaxCellMV:        b.MaxCellVoltageMV,
		ChargeLimitW:     b.MaxChargeW,
		DischargeLimitW:  b.MaxDischargeW,
	}
}

// Publish is the kv.Sink the gateway exposes to driver KV tables; it
// forwards to the broker session and swallows ErrNotConnected the same
// way the C reference silently skips a publish when the MQTT client
// isn't running yet.
func (gw *Gateway) Publish(topic, payload string, retain bool) error {
	err := gw.Broker.Publish(topic, payload, retain)
	if err == broker.ErrNotConnected {
		return nil
	}
	return err
}

// Bootstrap runs Check/ApplyDefaults/Attach for both drivers, per the
// lifecycle ordering of spec §4.E, before Run starts the event loop.
func (gw *Gateway) Bootstrap() error {
	if err := gw.batteryDriver.Check(&gw.Config.Battery); err != nil {
		return err
	}
	gw.batteryDriver.ApplyDefaults(&gw.Config.Battery)
	bh, err := gw.batteryDriver.Attach(gw)
	if err != nil {
		return err
	}
	gw.batteryHandle = bh

	if err := gw.inverterDriver.Check(&gw.Config.Inverter); err != nil {
		return err
	}
	gw.inverterDriver.ApplyDefaults(&gw.Config.Inverter)
	ih, err := gw.inverterDriver.Attach(gw)
	if err != nil {
		return err
	}
	gw.inverterHandle = ih

	return nil
}

// Run opens the broker session, dispatches both drivers, and then
// blocks processing posted work until ctx is cancelled.
func (gw *Gateway) Run(ctx context.Context) error {
	if err := gw.Broker.Open(); err != nil {
		gw.Logger.Error("broker connect failed, will retry", "error", err)
	}

	if err := gw.batteryDriver.Dispatch(gw, gw.batteryHandle); err != nil {
		return err
	}
	if err := gw.inverterDriver.Dispatch(gw, gw.inverterHandle); err != nil {
		return err
	}

	for {
		select {
		case fn := <-gw.events:
			fn()
		case <-ctx.Done():
			gw.Broker.Close()
			return ctx.Err()
		}
	}
}

// Teleperiod runs both drivers' bulk republish, intended to be called
// periodically (cmd/batgw does so at the configured MQTT teleperiod) by
// the caller via Post.
func (gw *Gateway) Teleperiod() {
	gw.batteryDriver.Teleperiod(gw, gw.batteryHandle)
	gw.inverterDriver.Teleperiod(gw, gw.inverterHandle)
}

func unknownProtocolError(kind, protocol string) error {
	return fmt.Errorf("gateway: no %s driver registered for protocol %q", kind, protocol)
}
