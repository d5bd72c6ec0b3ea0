// Package driver ties one camera channel, its exposure and thermal
// controllers and the property broker together into a single device.
// All state lives on the dispatch goroutine; the only concurrency is the
// exposure download worker, which the exposure controller owns.
package driver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/config"
	"github.com/cjeanneret/CamGo/internal/frame"
	"github.com/cjeanneret/CamGo/internal/hw/camlink"
	"github.com/cjeanneret/CamGo/internal/logic/exposure"
	"github.com/cjeanneret/CamGo/internal/logic/thermal"
	"github.com/cjeanneret/CamGo/internal/props"
	"github.com/cjeanneret/CamGo/internal/sched"
)

var errNotConnected = errors.New("camera is not connected")

// Dispatcher serializes driver work onto one goroutine and arms the poll
// timers. Satisfied by *sched.Scheduler.
type Dispatcher interface {
	Post(fn func())
	Schedule(d time.Duration, fn func()) *sched.Timer
}

// Driver is the device-level orchestrator. It implements props.Device for
// inbound commands and the controllers' reporter interfaces for outbound
// state.
type Driver struct {
	ch   camlink.Channel
	buf  *frame.Buffer
	disp Dispatcher
	sink props.Sink
	cfg  *config.Config
	log  *zap.SugaredLogger

	exp   *exposure.Controller
	therm *thermal.Controller

	connected bool
	info      camlink.Info
	caps      camlink.Capabilities

	// Readout geometry: window in sensor pixels, binning applied on top.
	roiX, roiY, roiW, roiH int
	bin                    int

	frameSeq  uint64
	pollTimer *sched.Timer
}

// New wires the exposure and thermal controllers to one camera channel.
func New(ch camlink.Channel, disp Dispatcher, sink props.Sink, cfg *config.Config, log *zap.SugaredLogger) *Driver {
	d := &Driver{
		ch:   ch,
		buf:  frame.New(),
		disp: disp,
		sink: sink,
		cfg:  cfg,
		log:  log,
		bin:  1,
	}
	d.exp = exposure.NewController(ch, d.buf, d, disp.Post, log)
	d.therm = thermal.NewController(ch, d, thermal.Config{
		EmitThresholdC: cfg.Thermal.EmitThresholdC,
		FastInterval:   cfg.ThermalFastInterval(),
		SlowInterval:   cfg.ThermalSlowInterval(),
		MinSetpointC:   cfg.Thermal.MinSetpointC,
		MaxSetpointC:   cfg.Thermal.MaxSetpointC,
	}, log)
	return d
}

// Connect opens the camera link, applies the configured gain, sizes the
// frame buffer for full-sensor readout and starts the poll loop. Call it
// on the dispatch goroutine, or before the scheduler starts.
func (d *Driver) Connect() error {
	if d.connected {
		return nil
	}
	if err := d.ch.Open(); err != nil {
		return fmt.Errorf("open camera link: %w", err)
	}
	d.info = d.ch.Info()
	d.caps = d.ch.Capabilities()
	d.log.Infof("connected to %s (serial %s, firmware %s)", d.info.Name, d.info.Serial, d.info.Firmware)

	gainApplied := true
	if rc := d.ch.SetGain(d.cfg.Camera.Gain); rc < 0 {
		gainApplied = false
		d.log.Warnf("initial gain %d rejected: rc=%d", d.cfg.Camera.Gain, rc)
	}

	// Full sensor at 1x1 until a client asks otherwise.
	d.bin = 1
	d.roiX, d.roiY = 0, 0
	d.roiW, d.roiH = d.info.MaxWidth, d.info.MaxHeight
	if rc := d.ch.SetROI(0, 0, d.roiW, d.roiH); rc < 0 {
		d.ch.Close()
		return fmt.Errorf("full frame readout rejected: rc=%d", rc)
	}
	if err := d.applyGeometry(); err != nil {
		d.ch.Close()
		return err
	}

	d.connected = true
	d.frameSeq = 0
	d.publishInfo()
	if gainApplied {
		d.publish(props.KindGain, true, props.GainPayload{Gain: d.cfg.Camera.Gain})
	}
	if d.caps.HasCooler {
		d.publish(props.KindCoolerPower, true, props.CoolerPowerPayload{OK: d.ch.CoolerPowerOK()})
	}
	d.pollTimer = d.disp.Schedule(d.cfg.BasePollInterval(), d.poll)
	return nil
}

// Disconnect stops the poll loop, aborts any running exposure and closes
// the camera link.
func (d *Driver) Disconnect() {
	if !d.connected {
		return
	}
	d.pollTimer.Stop()
	if d.exp.State() != exposure.Idle {
		if err := d.exp.Abort(); err != nil {
			d.log.Warnf("abort on disconnect: %v", err)
		}
	}
	if err := d.ch.Close(); err != nil {
		d.log.Warnf("close camera link: %v", err)
	}
	d.connected = false
	d.log.Info("camera disconnected")
}

// Connected reports whether the camera link is open.
func (d *Driver) Connected() bool {
	return d.connected
}

// poll is the periodic tick: it advances the exposure countdown, lets the
// thermal loop read when due, and re-arms itself. The exposure controller
// can tighten the cadence near the end of an exposure.
func (d *Driver) poll() {
	if !d.connected {
		return
	}
	next := d.cfg.BasePollInterval()
	if tight := d.exp.Poll(); tight > 0 && tight < next {
		next = tight
	}
	d.therm.Poll()
	d.pollTimer = d.disp.Schedule(next, d.poll)
}

// StartExposure begins an exposure of the given length.
func (d *Driver) StartExposure(durationSec float64) error {
	if !d.connected {
		return errNotConnected
	}
	return d.exp.Start(durationSec)
}

// AbortExposure cancels the exposure in flight, if any.
func (d *Driver) AbortExposure() error {
	if !d.connected {
		return errNotConnected
	}
	if !d.caps.CanAbort {
		return fmt.Errorf("camera cannot abort exposures")
	}
	return d.exp.Abort()
}

// SetTemperature commands a new cooler setpoint.
func (d *Driver) SetTemperature(degC float64) error {
	if !d.connected {
		return errNotConnected
	}
	if !d.caps.HasCooler {
		return fmt.Errorf("camera has no cooler")
	}
	return d.therm.SetTarget(degC)
}

// SetGain applies a new analog gain.
func (d *Driver) SetGain(gain int) error {
	if !d.connected {
		return errNotConnected
	}
	if gain < d.caps.GainMin || gain > d.caps.GainMax {
		return fmt.Errorf("gain %d out of range %d..%d", gain, d.caps.GainMin, d.caps.GainMax)
	}
	if rc := d.ch.SetGain(gain); rc < 0 {
		return fmt.Errorf("gain %d rejected by camera (rc=%d)", gain, rc)
	}
	d.publish(props.KindGain, true, props.GainPayload{Gain: gain})
	return nil
}

// SetFrame selects the readout window, in unbinned sensor pixels.
func (d *Driver) SetFrame(x, y, width, height int) error {
	if !d.connected {
		return errNotConnected
	}
	if d.exp.State() != exposure.Idle {
		return fmt.Errorf("readout window locked while an exposure is in progress")
	}
	if x < 0 || y < 0 || width <= 0 || height <= 0 ||
		x+width > d.info.MaxWidth || y+height > d.info.MaxHeight {
		return fmt.Errorf("window %d,%d %dx%d exceeds sensor %dx%d",
			x, y, width, height, d.info.MaxWidth, d.info.MaxHeight)
	}
	if !d.caps.CanSubframe && (x != 0 || y != 0 || width != d.info.MaxWidth || height != d.info.MaxHeight) {
		return fmt.Errorf("camera cannot read subframes")
	}
	if rc := d.ch.SetROI(x, y, width, height); rc < 0 {
		return fmt.Errorf("readout window rejected by camera (rc=%d)", rc)
	}
	pX, pY, pW, pH := d.roiX, d.roiY, d.roiW, d.roiH
	d.roiX, d.roiY, d.roiW, d.roiH = x, y, width, height
	if err := d.applyGeometry(); err != nil {
		d.roiX, d.roiY, d.roiW, d.roiH = pX, pY, pW, pH
		return err
	}
	return nil
}

// SetBinning selects on-sensor binning. The reduced geometry is requested
// from the link at grab time.
func (d *Driver) SetBinning(bin int) error {
	if !d.connected {
		return errNotConnected
	}
	if d.exp.State() != exposure.Idle {
		return fmt.Errorf("binning locked while an exposure is in progress")
	}
	if !d.caps.CanBin && bin != 1 {
		return fmt.Errorf("camera cannot bin")
	}
	if bin < 1 || (d.caps.MaxBinning > 0 && bin > d.caps.MaxBinning) {
		return fmt.Errorf("binning %dx out of range 1..%d", bin, d.caps.MaxBinning)
	}
	prev := d.bin
	d.bin = bin
	if err := d.applyGeometry(); err != nil {
		d.bin = prev
		return err
	}
	return nil
}

// PulseGuide fires the autoguider relay for the given direction.
func (d *Driver) PulseGuide(direction string, ms uint32) error {
	if !d.connected {
		return errNotConnected
	}
	if !d.caps.HasGuidePort {
		return fmt.Errorf("camera has no guide port")
	}
	dir, err := parseGuideDirection(direction)
	if err != nil {
		return err
	}
	if rc := d.ch.PulseGuide(dir, ms); rc < 0 {
		return fmt.Errorf("guide pulse rejected by camera (rc=%d)", rc)
	}
	return nil
}

// SetFanEnabled switches the camera fan.
func (d *Driver) SetFanEnabled(on bool) error {
	if !d.connected {
		return errNotConnected
	}
	if !d.caps.HasFan {
		return fmt.Errorf("camera has no fan")
	}
	if rc := d.ch.SetFanEnabled(on); rc < 0 {
		return fmt.Errorf("fan command rejected by camera (rc=%d)", rc)
	}
	d.publish(props.KindFan, true, props.FanPayload{On: on})
	return nil
}

func parseGuideDirection(s string) (camlink.GuideDirection, error) {
	switch strings.ToLower(s) {
	case "north":
		return camlink.GuideNorth, nil
	case "south":
		return camlink.GuideSouth, nil
	case "east":
		return camlink.GuideEast, nil
	case "west":
		return camlink.GuideWest, nil
	}
	return 0, fmt.Errorf("unknown guide direction %q", s)
}

// applyGeometry sizes the frame buffer for the current window and binning.
func (d *Driver) applyGeometry() error {
	w := d.roiW / d.bin
	h := d.roiH / d.bin
	if w < 1 || h < 1 {
		return fmt.Errorf("window %dx%d too small for %dx binning", d.roiW, d.roiH, d.bin)
	}
	if err := d.buf.Resize(w, h, d.info.BitsPerPixel); err != nil {
		return fmt.Errorf("size frame buffer: %w", err)
	}
	return nil
}

// ExposureProgress implements exposure.Reporter.
func (d *Driver) ExposureProgress(remainingSec float64) {
	d.publish(props.KindExposureProgress, false, props.ExposureProgressPayload{RemainingSec: remainingSec})
}

// ExposureComplete implements exposure.Reporter. Successful downloads are
// followed by the frame itself.
func (d *Driver) ExposureComplete(ok bool) {
	d.publish(props.KindExposureResult, false, props.ExposureResultPayload{OK: ok})
	if ok {
		d.publishFrame()
	}
}

// TemperatureUpdate implements thermal.Reporter.
func (d *Driver) TemperatureUpdate(degC float64, st thermal.State) {
	d.publish(props.KindTemperature, true, props.TemperaturePayload{DegC: degC, State: st.String()})
	if st == thermal.Alert && d.caps.HasCooler {
		d.publish(props.KindCoolerPower, true, props.CoolerPowerPayload{OK: d.ch.CoolerPowerOK()})
	}
}

// CoolerDutyUpdate implements thermal.Reporter.
func (d *Driver) CoolerDutyUpdate(percent float64) {
	d.publish(props.KindCoolerDuty, true, props.CoolerDutyPayload{Percent: percent})
}

func (d *Driver) publishFrame() {
	g, err := d.buf.BeginGrab()
	if err != nil {
		d.log.Warnf("frame locked, not publishing: %v", err)
		return
	}
	defer d.buf.EndGrab(g)
	raw := g.Bytes()[:d.buf.FrameSize()]
	p := props.EncodeFrame(d.buf.Width(), d.buf.Height(), d.buf.BitsPerPixel(), raw)
	d.frameSeq++
	p.Seq = d.frameSeq
	d.publish(props.KindFrame, false, p)
}

func (d *Driver) publishInfo() {
	d.publish(props.KindInfo, true, props.CameraInfoPayload{
		Name:          d.info.Name,
		Serial:        d.info.Serial,
		Firmware:      d.info.Firmware,
		MaxWidth:      d.info.MaxWidth,
		MaxHeight:     d.info.MaxHeight,
		BitsPerPixel:  d.info.BitsPerPixel,
		PixelWidthUm:  d.info.PixelWidthUm,
		PixelHeightUm: d.info.PixelHeightUm,
		CanAbort:      d.caps.CanAbort,
		CanSubframe:   d.caps.CanSubframe,
		CanBin:        d.caps.CanBin,
		MaxBinning:    d.caps.MaxBinning,
		HasCooler:     d.caps.HasCooler,
		HasGuidePort:  d.caps.HasGuidePort,
		HasFan:        d.caps.HasFan,
		GainMin:       d.caps.GainMin,
		GainMax:       d.caps.GainMax,
		MinSetpointC:  d.caps.MinSetpointC,
		MaxSetpointC:  d.caps.MaxSetpointC,
	})
}

func (d *Driver) publish(kind string, retained bool, v interface{}) {
	if err := d.sink.Publish(kind, retained, v); err != nil {
		d.log.Warnf("publish %s: %v", kind, err)
	}
}
