// Package broker implements the broker session of spec §4.H on top of
// github.com/eclipse/paho.mqtt.golang: resolve/connect is delegated to
// the library (an explicit Non-goal boundary), while LWT registration,
// the "Online" announcement, and reconnect scheduling are this module's
// responsibility.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dgwynne/batgw/internal/config"
)

// ErrNotConnected is returned by Publish when the session has no live
// connection; the gateway's Publish swallows it, so the publish is
// dropped.
var ErrNotConnected = errors.New("broker: not connected")

// ReconnectFunc is invoked from a timer goroutine when the connection is
// lost; it lets the owning gateway decide how/when to call Open again
// without the broker package importing the gateway package.
type ReconnectFunc func()

// Session is the broker session handle (§4.H, §3 Driver handle
// siblings): it owns the mqtt.Client for its lifetime and tears it down
// cleanly on every exit path.
type Session struct {
	logger *slog.Logger
	cfg    config.MQTT

	client    mqtt.Client
	connected atomic.Bool

	onReconnect ReconnectFunc
}

// NewSession constructs a session without connecting. Call Open to
// connect.
func NewSession(cfg config.MQTT, logger *slog.Logger, onReconnect ReconnectFunc) *Session {
	return &Session{cfg: cfg, logger: logger, onReconnect: onReconnect}
}

// SetReconnect installs the reconnect callback after construction, for
// callers (the gateway) that need a reference to themselves or the
// session before the callback closure can be built.
func (s *Session) SetReconnect(fn ReconnectFunc) {
	s.onReconnect = fn
}

// Open connects to the broker. On success it publishes the retained
// "Online" LWT-shaped message; the last will ("Offline", retained) is
// registered before connecting so the broker delivers it if this process
// disappears without a clean disconnect.
func (s *Session) Open() error {
	lwtTopic := s.cfg.Topic + "/LWT"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%s", s.cfg.Host, s.cfg.Port))
	if s.cfg.ClientID != "" {
		opts.SetClientID(s.cfg.ClientID)
	}
	if s.cfg.User != "" {
		opts.SetUsername(s.cfg.User)
		opts.SetPassword(s.cfg.Pass)
	}
	opts.SetKeepAlive(s.cfg.Keepalive)
	opts.SetWill(lwtTopic, "Offline", 0, true)
	opts.SetAutoReconnect(false) // we own reconnect scheduling (§7.7)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.connected.Store(true)
		if tok := c.Publish(lwtTopic, 0, true, "Online"); tok.Wait() && tok.Error() != nil {
			s.logger.Error("failed to publish online announcement", "error", tok.Error())
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.connected.Store(false)
		s.logger.Warn("broker connection lost", "error", err)
		if s.onReconnect != nil {
			time.AfterFunc(s.cfg.ReconnectTMO, s.onReconnect)
		}
	})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	tok.Wait()
	return tok.Error()
}

// Close tears down the session, releasing the broker socket on every
// exit path (§5 Resources).
func (s *Session) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.connected.Store(false)
}

// Publish implements kv.Sink: QoS 0, non-retained telemetry, scoped
// under the configured topic prefix.
func (s *Session) Publish(topic, payload string, retain bool) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	full := s.cfg.Topic + "/" + topic
	tok := s.client.Publish(full, 0, retain, payload)
	tok.Wait()
	return tok.Error()
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	return s.connected.Load()
}
