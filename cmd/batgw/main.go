// Command batgw runs the battery gateway: it wires a configuration
// together from command-line flags, registers the compiled-in battery
// and inverter drivers, and runs the gateway's event loop until
// interrupted.
//
// Parsing a config file and arbitrary -D macro overrides is an explicit
// Non-goal of the gateway itself (§6); this command only demonstrates
// the documented CLI contract on top of config.Config, which any real
// deployment is expected to build itself (from a richer config loader,
// a flags package, whatever fits the deployment).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgwynne/batgw/internal/config"
	"github.com/dgwynne/batgw/internal/gateway"

	_ "github.com/dgwynne/batgw/internal/battery/byd"
	_ "github.com/dgwynne/batgw/internal/battery/mg4"
	_ "github.com/dgwynne/batgw/internal/inverter/byd"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		debug      = flag.Bool("d", false, "enable debug logging")
		verbose    = flag.Bool("v", false, "enable verbose logging")
		configPath = flag.String("f", "", "config file path (unused, see -D)")
		checkOnly  = flag.Bool("n", false, "check configuration and exit")
	)
	var defines macroDefines
	flag.Var(&defines, "D", "macro define name=value, repeatable")
	flag.Parse()

	level := slog.LevelInfo
	switch {
	case *debug:
		level = slog.LevelDebug
	case *verbose:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := buildConfig(defines)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *configPath != "" {
		logger.Debug("config file loading is not implemented by this command", "path", *configPath)
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	if err := gw.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		return 1
	}

	if *checkOnly {
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go teleperiodLoop(ctx, gw, cfg.MQTT.Teleperiod)

	if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	return 0
}

// teleperiodLoop posts a bulk republish onto the gateway's event loop on
// a fixed interval (§6 "teleperiod"), the same cadence the KV layer's
// own throttle otherwise only guarantees as a minimum.
func teleperiodLoop(ctx context.Context, gw *gateway.Gateway, period time.Duration) {
	if period <= 0 {
		period = 300 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gw.Post(gw.Teleperiod)
		case <-ctx.Done():
			return
		}
	}
}

// macroDefines collects repeated -D name=value flags (§6).
type macroDefines map[string]string

func (m *macroDefines) String() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for k, v := range *m {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func (m *macroDefines) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	if *m == nil {
		*m = macroDefines{}
	}
	(*m)[name] = value
	return nil
}

// buildConfig applies config.Defaults() and overlays any -D macro
// defines onto the mqtt{}/battery{}/inverter{} sections named in §3.
// Unknown macro names are a configuration error (§7.1).
func buildConfig(defines macroDefines) (config.Config, error) {
	cfg := config.Defaults()

	for name, value := range defines {
		if err := applyDefine(&cfg, name, value); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func applyDefine(cfg *config.Config, name, value string) error {
	switch name {
	case "mqtt.host":
		cfg.MQTT.Host = value
	case "mqtt.port":
		cfg.MQTT.Port = value
	case "mqtt.user":
		cfg.MQTT.User = value
	case "mqtt.pass":
		cfg.MQTT.Pass = value
	case "mqtt.topic":
		cfg.MQTT.Topic = value
	case "mqtt.client_id":
		cfg.MQTT.ClientID = value
	case "battery.protocol":
		cfg.Battery.Protocol = value
	case "battery.ifname":
		cfg.Battery.Ifname = value
	case "inverter.protocol":
		cfg.Inverter.Protocol = value
	case "inverter.ifname":
		cfg.Inverter.Ifname = value
	default:
		return fmt.Errorf("unknown macro %q", name)
	}
	return nil
}
