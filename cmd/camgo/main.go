package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/config"
	"github.com/cjeanneret/CamGo/internal/hw/camlink"
	"github.com/cjeanneret/CamGo/internal/logic/driver"
	"github.com/cjeanneret/CamGo/internal/props"
	"github.com/cjeanneret/CamGo/internal/sched"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	broker := flag.String("broker", "", "override MQTT broker URL")
	gain := flag.Int("gain", 0, "override analog gain (0 = use config)")
	simulation := &simulationFlag{}
	flag.Var(simulation, "simulation", "override camera.simulation; -simulation or -simulation=false")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateOverrides(*gain); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{broker: *broker, gain: *gain, simulation: *simulation})

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger failed: %v", err)
	}
	defer logger.Sync()
	zlog := logger.Sugar()

	zlog.Infof("camgo starting, config %s", *cfgPath)
	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatalf("camgo: %v", err)
	}
	zlog.Info("camgo stopped")
}

// run wires the camera link, the MQTT broker and the driver together and
// blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, zlog *zap.SugaredLogger) error {
	ch, err := camlink.NewChannel(cfg.Camera.Simulation, zlog)
	if err != nil {
		return fmt.Errorf("camera link: %w", err)
	}

	scheduler := sched.New()

	broker, err := props.NewBroker(cfg, zlog)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer broker.Close()

	drv := driver.New(ch, scheduler, broker, cfg, zlog)
	if err := props.BindCommands(broker, broker, drv, scheduler.Post, zlog); err != nil {
		return fmt.Errorf("bind commands: %w", err)
	}

	// Connect before the dispatch loop starts so the first poll tick is
	// already queued when it does.
	if err := drv.Connect(); err != nil {
		return fmt.Errorf("connect camera: %w", err)
	}
	defer drv.Disconnect()

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildLogger builds a zap logger from the logging section of the config.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// overrides carries CLI values that take precedence over the config file.
// Zero values mean "use config default".
type overrides struct {
	broker     string
	gain       int
	simulation simulationFlag
}

// validateOverrides checks that non-zero CLI overrides are within valid ranges.
func validateOverrides(gain int) error {
	if gain < 0 {
		return fmt.Errorf("gain must be >= 0 (0 = use config), got %d", gain)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.broker != "" {
		cfg.MQTT.Broker = o.broker
	}
	if o.gain > 0 {
		cfg.Camera.Gain = o.gain
	}
	if o.simulation.set {
		cfg.Camera.Simulation = o.simulation.val
	}
}

// simulationFlag implements flag.Value for -simulation: unset = use config,
// -simulation or -simulation=true → on, -simulation=false → off.
type simulationFlag struct {
	set bool
	val bool
}

func (s *simulationFlag) String() string {
	if !s.set {
		return ""
	}
	return strconv.FormatBool(s.val)
}

func (s *simulationFlag) Set(v string) error {
	if v == "" {
		s.set = true
		s.val = true
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	s.set = true
	s.val = b
	return nil
}

func (s *simulationFlag) IsBoolFlag() bool { return true }
