package thermal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/hw/camlink"
)

// State classifies the regulation loop.
type State int

const (
	// Idle means steady state: no convergence in progress, slow polling.
	Idle State = iota
	// Regulating means the sensor is moving toward a new setpoint and the
	// loop polls at the fast interval.
	Regulating
	// Alert means the last hardware read failed. Alert is sticky: it is
	// cleared only by a later successful read whose value differs from
	// the last reported one.
	Alert
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Regulating:
		return "regulating"
	case Alert:
		return "alert"
	}
	return "unknown"
}

// ErrHardwareRejected is returned when the camera refuses the setpoint
// command.
var ErrHardwareRejected = errors.New("setpoint command rejected by camera")

// Reporter receives thermal emissions: temperature readbacks with the
// loop state, and duty-cycle changes. Calls arrive on the dispatch
// goroutine.
type Reporter interface {
	TemperatureUpdate(degC float64, st State)
	CoolerDutyUpdate(percent float64)
}

// Config tunes the regulation loop. Zero fields fall back to defaults.
type Config struct {
	// EmitThresholdC suppresses steady-state temperature updates smaller
	// than this, and defines "close enough" for convergence. Default 0.25.
	EmitThresholdC float64

	// FastInterval is the poll period while regulating (default 1s),
	// SlowInterval the period once converged or idle (default 5s).
	FastInterval time.Duration
	SlowInterval time.Duration

	// Valid setpoint range in °C. Defaults -55 to +45.
	MinSetpointC float64
	MaxSetpointC float64
}

// Controller owns the temperature regulation state machine for one
// camera: setpoint tracking, busy/idle classification, adaptive poll
// interval, and cooler duty-cycle reporting. It shares the dispatch
// goroutine with the exposure path and gates itself on its own due time,
// so the owner just calls Poll on every tick.
type Controller struct {
	ch  camlink.Channel
	rep Reporter
	log *zap.SugaredLogger
	cfg Config

	state        State
	target       float64
	lastReported float64
	hasReported  bool
	lastDuty     float64
	hasDuty      bool
	interval     time.Duration
	nextDue      time.Time

	now func() time.Time
}

// NewController creates a thermal controller polling at the slow interval
// until a setpoint arrives.
func NewController(ch camlink.Channel, rep Reporter, cfg Config, log *zap.SugaredLogger) *Controller {
	if cfg.EmitThresholdC <= 0 {
		cfg.EmitThresholdC = 0.25
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 5 * time.Second
	}
	if cfg.MinSetpointC == 0 && cfg.MaxSetpointC == 0 {
		cfg.MinSetpointC = -55
		cfg.MaxSetpointC = 45
	}
	return &Controller{
		ch:       ch,
		rep:      rep,
		log:      log,
		cfg:      cfg,
		interval: cfg.SlowInterval,
		now:      time.Now,
	}
}

// State returns the current classification.
func (c *Controller) State() State {
	return c.state
}

// Target returns the last accepted setpoint.
func (c *Controller) Target() float64 {
	return c.target
}

// SetTarget commands a new cooler setpoint. On acceptance the loop
// switches to Regulating and to the fast poll interval; the next tick
// reads immediately.
func (c *Controller) SetTarget(degC float64) error {
	if degC < c.cfg.MinSetpointC || degC > c.cfg.MaxSetpointC {
		return fmt.Errorf("setpoint %+.2f°C out of range %+.1f..%+.1f", degC, c.cfg.MinSetpointC, c.cfg.MaxSetpointC)
	}

	rc := c.ch.SetTemperatureSetpoint(degC)
	c.log.Debugf("SetTemperatureSetpoint(%+.2f) rc=%d", degC, rc)
	if rc < 0 {
		return fmt.Errorf("%w (rc=%d)", ErrHardwareRejected, rc)
	}

	c.target = degC
	c.state = Regulating
	c.interval = c.cfg.FastInterval
	c.nextDue = c.now()
	c.log.Infof("setting sensor temperature to %+06.2f°C", degC)
	c.rep.TemperatureUpdate(c.lastReported, Regulating)
	return nil
}

// Poll reads temperature and duty cycle when due. Call it on every
// dispatch tick; it returns immediately between due times.
func (c *Controller) Poll() {
	now := c.now()
	if now.Before(c.nextDue) {
		return
	}
	c.readTemperature()
	c.readCoolerDuty()
	c.nextDue = now.Add(c.interval)
}

func (c *Controller) readTemperature() {
	centi, rc := c.ch.ReadTemperature()
	if rc < 0 {
		c.log.Warnf("temperature read failed: rc=%d", rc)
		c.enterAlert()
		return
	}
	temp := float64(centi) / 100.0

	switch c.state {
	case Idle:
		// Steady state: suppress updates below the reporting threshold.
		if !c.hasReported || math.Abs(temp-c.lastReported) >= c.cfg.EmitThresholdC {
			c.report(temp, Idle)
		}

	case Regulating:
		if math.Abs(temp-c.target) <= c.cfg.EmitThresholdC {
			c.state = Idle
			c.interval = c.cfg.SlowInterval
			c.log.Infof("sensor temperature converged at %+.2f°C", temp)
		}
		// While regulating every reading goes upstream; the convergence
		// tick carries the Idle state along with its value.
		c.report(temp, c.state)

	case Alert:
		if !c.hasReported || temp != c.lastReported {
			c.state = Idle
			c.interval = c.cfg.SlowInterval
			c.log.Info("temperature readout recovered")
			c.report(temp, Idle)
		}
	}
}

func (c *Controller) readCoolerDuty() {
	duty, rc := c.ch.ReadCoolerDutyCycle()
	if rc < 0 {
		c.log.Warnf("cooler duty cycle read failed: rc=%d", rc)
		c.enterAlert()
		return
	}
	// Only send updates above the one percent threshold.
	if !c.hasDuty || math.Abs(duty-c.lastDuty) >= 1.0 {
		c.lastDuty = duty
		c.hasDuty = true
		c.rep.CoolerDutyUpdate(duty)
	}
}

func (c *Controller) report(temp float64, st State) {
	c.lastReported = temp
	c.hasReported = true
	c.rep.TemperatureUpdate(temp, st)
}

func (c *Controller) enterAlert() {
	if c.state == Alert {
		return
	}
	c.state = Alert
	c.rep.TemperatureUpdate(c.lastReported, Alert)
}
