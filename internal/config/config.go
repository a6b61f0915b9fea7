// Package config holds the immutable configuration structs for the
// mqtt{}, battery{}, and inverter{} sections (§3, §6). Parsing a
// configuration file or command-line flags into these structs is an
// explicit Non-goal of this module; callers build and validate a Config
// before starting the gateway.
package config

import "time"

// MQTT is the broker{} section (named "mqtt" per §6's schema).
type MQTT struct {
	Host     string
	Port     string // default "1883"
	User     string
	Pass     string
	ClientID string
	Topic    string // default "battery-gateway"

	Keepalive    time.Duration
	Teleperiod   time.Duration // default 300s; not range-checked
	ConnectTMO   time.Duration
	ReconnectTMO time.Duration // default ~30s
}

// Battery is the battery{} section.
type Battery struct {
	Protocol string // "byd" or "mg4"
	Ifname   string

	RatedCapacityAh uint
	RatedVoltageDV  uint
	RatedCapacityWh uint

	MinVoltageDV uint
	MaxVoltageDV uint

	NCells           uint
	MinCellVoltageMV uint
	MaxCellVoltageMV uint
	DevCellVoltageMV uint

	MaxChargeW    uint
	MaxDischargeW uint

	MinTempDC        int
	MaxTempDC        int
	MaxTempDeviation int
}

// Inverter is the inverter{} section.
type Inverter struct {
	Protocol string // "byd"
	Ifname   string
}

// Config is the whole parsed configuration, immutable after
// Gateway.Run starts.
type Config struct {
	MQTT     MQTT
	Battery  Battery
	Inverter Inverter
}

// Defaults fills in the documented defaults from batgw_config.h onto a
// zero-valued Config's MQTT section; callers typically apply this before
// overlaying file/flag values.
//
// The battery temperature safety bounds are the same fixed values the
// original hardcodes directly in its safety check (batgw.c); they are
// not a per-chemistry characteristic like rated capacity, so they are
// defaulted here rather than in a driver's ApplyDefaults.
func Defaults() Config {
	return Config{
		MQTT: MQTT{
			Port:         "1883",
			Topic:        "battery-gateway",
			Keepalive:    30 * time.Second,
			Teleperiod:   300 * time.Second,
			ReconnectTMO: 30 * time.Second,
		},
		Battery: Battery{
			MinTempDC:        -250,
			MaxTempDC:        500,
			MaxTempDeviation: 150,
		},
	}
}
