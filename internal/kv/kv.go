// Package kv implements the telemetry key/value abstraction: typed,
// precision-aware points with dedup, throttle, and periodic republish.
package kv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type drives the trailing topic segment of a published KV.
type Type int

const (
	Temperature Type = iota
	Voltage
	Current
	Power
	AmpHour
	WattHour
	Energy
	Percent
	Count
	Raw
)

var typeNames = [...]string{
	Temperature: "temperature",
	Voltage:     "voltage",
	Current:     "current",
	Power:       "power",
	AmpHour:     "amphour",
	WattHour:    "watthour",
	Energy:      "energy",
	Percent:     "percent",
	Count:       "count",
	Raw:         "raw",
}

func (t Type) String() string {
	if int(t) < 0 || int(t) >= len(typeNames) {
		return "raw"
	}
	return typeNames[t]
}

// unset is the sentinel value meaning "never set".
const unset = math.MinInt64

// throttle is the minimum interval between two publishes of the same KV.
const throttle = 10 * time.Second

// Sink is the publish boundary a KV talks to. *broker.Session satisfies
// it; tests can substitute a recording fake.
type Sink interface {
	Publish(topic, payload string, retain bool) error
}

// Clock abstracts the monotonic clock so throttle behaviour (P3) is
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// KV is a single telemetry point: key, fixed-point value at a given
// precision, type, and the last-published timestamp.
type KV struct {
	Key       string
	Type      Type
	Precision uint
	value     int64
	lastPub   time.Time
	published bool
}

// New returns a KV with the "never set" sentinel as its value. Key must
// be at most 15 characters; precision must be in [0,4].
func New(key string, typ Type, precision uint) *KV {
	if len(key) > 15 {
		panic("kv: key too long: " + key)
	}
	if precision > 4 {
		panic("kv: precision out of range")
	}
	return &KV{Key: key, Type: typ, Precision: precision, value: unset}
}

// isSet reports whether the KV has ever been assigned a value.
func (k *KV) isSet() bool {
	return k.value != unset
}

// Get returns the raw fixed-point value currently stored.
func (k *KV) Get() int64 {
	return k.value
}

// Update implements dedup + throttle (§4.B). If the new value equals the
// stored one, it is a no-op. Otherwise the value is stored; if less than
// 10s have elapsed since the last publish, the publish is skipped but the
// value is retained for the next periodic sweep.
func (k *KV) Update(clock Clock, sink Sink, scope string, v int64) error {
	if k.value == v {
		return nil
	}
	k.value = v

	now := clock.Now()
	if k.published && now.Sub(k.lastPub) < throttle {
		return nil
	}
	k.lastPub = now
	k.published = true
	return k.publish(sink, scope)
}

// Publish unconditionally emits the current value if it has ever been
// set, used by the teleperiod sweep. It does not touch the throttle
// clock (§4.B, §9(iii)): a fresh Update shortly after a sweep will likely
// still land inside the throttle window, which is accepted behaviour.
func (k *KV) Publish(sink Sink, scope string) error {
	if !k.isSet() {
		return nil
	}
	return k.publish(sink, scope)
}

func (k *KV) publish(sink Sink, scope string) error {
	topic := Topic(scope, k.Key, k.Type)
	payload := FormatValue(k.value, k.Precision)
	return sink.Publish(topic, payload, false)
}

// Topic assembles <scope>/<key>/<type>; the broker prefix is prepended by
// the caller (the Sink implementation knows the configured topic root).
// An empty key omits that segment.
func Topic(scope, key string, typ Type) string {
	var b strings.Builder
	b.WriteString(scope)
	if key != "" {
		b.WriteByte('/')
		b.WriteString(key)
	}
	b.WriteByte('/')
	b.WriteString(typ.String())
	return b.String()
}

// FormatValue renders a fixed-point value at the given precision as
// "±W.FFFF" with exactly precision fractional digits; zero precision
// formats as the bare integer "±W".
func FormatValue(v int64, precision uint) string {
	if precision == 0 {
		return fmt.Sprintf("%d", v)
	}
	div := int64(1)
	for i := uint(0); i < precision; i++ {
		div *= 10
	}
	neg := ""
	u := v
	if u < 0 {
		neg = "-"
		u = -u
	}
	whole := u / div
	frac := u % div
	return fmt.Sprintf("%s%d.%0*d", neg, whole, precision, frac)
}

// ParseValue is the inverse of FormatValue, used by tests to check the
// formatting round-trip (P1).
func ParseValue(s string, precision uint) (int64, error) {
	if precision == 0 {
		return strconv.ParseInt(s, 10, 64)
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, fmt.Errorf("kv: malformed value %q", s)
	}
	whole, err := strconv.ParseInt(s[:dot], 10, 64)
	if err != nil {
		return 0, err
	}
	fracStr := s[dot+1:]
	if uint(len(fracStr)) != precision {
		return 0, fmt.Errorf("kv: malformed value %q: want %d fractional digits", s, precision)
	}
	frac, err := strconv.ParseInt(fracStr, 10, 64)
	if err != nil {
		return 0, err
	}
	div := int64(1)
	for i := uint(0); i < precision; i++ {
		div *= 10
	}
	v := whole*div + frac
	if neg {
		v = -v
	}
	return v, nil
}
