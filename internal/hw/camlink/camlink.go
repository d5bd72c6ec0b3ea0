package camlink

import (
	"fmt"

	"go.uber.org/zap"
)

// Info describes the connected camera as reported by the hardware.
type Info struct {
	Name     string
	Serial   string
	Firmware string

	// Full sensor geometry.
	MaxWidth     int
	MaxHeight    int
	BitsPerPixel int

	// Physical pixel size in micrometers.
	PixelWidthUm  float64
	PixelHeightUm float64
}

// Capabilities lists what the connected camera model can do.
// The controllers gate optional operations (binning, guiding, fan)
// on these flags instead of probing the hardware.
type Capabilities struct {
	CanAbort     bool
	CanSubframe  bool
	CanBin       bool
	MaxBinning   int
	HasCooler    bool
	HasGuidePort bool
	HasFan       bool

	GainMin int
	GainMax int

	// Cooler setpoint range in °C.
	MinSetpointC float64
	MaxSetpointC float64
}

// GuideDirection selects the autoguider relay to pulse.
type GuideDirection int

const (
	GuideNorth GuideDirection = iota
	GuideSouth
	GuideEast
	GuideWest
)

func (d GuideDirection) String() string {
	switch d {
	case GuideNorth:
		return "north"
	case GuideSouth:
		return "south"
	case GuideEast:
		return "east"
	case GuideWest:
		return "west"
	}
	return "unknown"
}

// Channel is the abstract request/response boundary to one physical camera.
// All calls are synchronous and return an integer result code the way the
// vendor links do: 0 or positive means success, negative means failure,
// except GrabFrame which returns the number of bytes written (0 = failed
// or empty transfer) and QueryReadyState which returns 0 when a frame is
// ready for download and a busy code otherwise.
//
// This allows plugging in a vendor SDK binding or the built-in simulator
// for development on PC.
type Channel interface {
	Open() error
	Close() error

	// Info and Capabilities are valid after a successful Open.
	Info() Info
	Capabilities() Capabilities

	SetIntegrationTime(ms uint32) int
	StartExposure() int
	AbortExposure() int
	QueryReadyState() int
	GrabFrame(width, height int, buf []byte) int

	SetTemperatureSetpoint(degC float64) int
	ReadTemperature() (centiDeg int, rc int)
	ReadCoolerDutyCycle() (percent float64, rc int)
	CoolerPowerOK() bool

	SetGain(gain int) int
	SetROI(x, y, width, height int) int
	PulseGuide(dir GuideDirection, ms uint32) int
	SetFanEnabled(on bool) int
}

// NewChannel creates a camera channel based on the chosen mode.
// If simulation is true, returns the built-in Simulator (for dev/test).
// Physical cameras require a vendor SDK binding compiled into the build;
// none is present here, so simulation is the only mode this factory serves.
func NewChannel(simulation bool, log *zap.SugaredLogger) (Channel, error) {
	if simulation {
		log.Info("using simulated camera link (development mode)")
		return NewSimulator(log), nil
	}
	return nil, fmt.Errorf("no vendor SDK binding in this build, set camera.simulation: true")
}
