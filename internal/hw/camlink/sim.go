package camlink

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Simulated sensor, loosely modeled on a small guide camera.
const (
	simWidth   = 1280
	simHeight  = 1024
	simBits    = 16
	simAmbient = 20.0
)

// Simulator is a Channel implementation backed by no hardware at all.
// Exposures complete in real time, the sensor temperature drifts toward
// the setpoint a little on every read, and the cooler duty cycle tracks
// the remaining delta. Used for development on PC and in tests that need
// a full channel rather than a recording fake.
type Simulator struct {
	log *zap.SugaredLogger

	mu            sync.Mutex
	open          bool
	integrationMs uint32
	exposing      bool
	exposeEnd     time.Time
	setpointC     float64
	tempC         float64
	dutyPct       float64
	gain          int
	roiX, roiY    int
	roiW, roiH    int
	fanOn         bool

	now func() time.Time
}

// NewSimulator creates a simulated camera link.
func NewSimulator(log *zap.SugaredLogger) *Simulator {
	return &Simulator{
		log: log,
		now: time.Now,
	}
}

func (s *Simulator) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	s.tempC = simAmbient
	s.setpointC = simAmbient
	s.dutyPct = 0
	s.gain = 4
	s.roiX, s.roiY = 0, 0
	s.roiW, s.roiH = simWidth, simHeight
	s.log.Info("simulated camera is online")
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.exposing = false
	s.log.Info("simulated camera is offline")
	return nil
}

func (s *Simulator) Info() Info {
	return Info{
		Name:          "CamGo Simulator",
		Serial:        "SIM-0001",
		Firmware:      "1.0-sim",
		MaxWidth:      simWidth,
		MaxHeight:     simHeight,
		BitsPerPixel:  simBits,
		PixelWidthUm:  5.2,
		PixelHeightUm: 5.2,
	}
}

func (s *Simulator) Capabilities() Capabilities {
	return Capabilities{
		CanAbort:     true,
		CanSubframe:  true,
		CanBin:       true,
		MaxBinning:   4,
		HasCooler:    true,
		HasGuidePort: true,
		HasFan:       true,
		GainMin:      1,
		GainMax:      15,
		MinSetpointC: -55,
		MaxSetpointC: 45,
	}
}

func (s *Simulator) SetIntegrationTime(ms uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.integrationMs = ms
	return 0
}

func (s *Simulator) StartExposure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.exposing = true
	s.exposeEnd = s.now().Add(time.Duration(s.integrationMs) * time.Millisecond)
	return 0
}

func (s *Simulator) AbortExposure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.exposing = false
	return 0
}

func (s *Simulator) QueryReadyState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exposing && s.now().Before(s.exposeEnd) {
		return 1 // still integrating
	}
	return 0
}

func (s *Simulator) GrabFrame(width, height int, buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0
	}
	s.exposing = false

	n := width * height * simBits / 8
	if n > len(buf) {
		n = len(buf)
	}
	// Gain-shifted gradient so downloaded frames are visually distinguishable.
	for i := 0; i < n; i++ {
		buf[i] = byte((i + s.gain) % 251)
	}
	return n
}

func (s *Simulator) SetTemperatureSetpoint(degC float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.setpointC = degC
	return 0
}

func (s *Simulator) ReadTemperature() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, -1
	}
	// Move 20% of the way toward the setpoint on every read.
	delta := s.setpointC - s.tempC
	s.tempC += delta * 0.2
	s.dutyPct = math.Min(math.Abs(s.setpointC-s.tempC)*12, 100)
	return int(math.Round(s.tempC * 100)), 0
}

func (s *Simulator) ReadCoolerDutyCycle() (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, -1
	}
	return s.dutyPct, 0
}

func (s *Simulator) CoolerPowerOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Simulator) SetGain(gain int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	caps := s.Capabilities()
	if gain < caps.GainMin || gain > caps.GainMax {
		return -1
	}
	s.gain = gain
	return 0
}

func (s *Simulator) SetROI(x, y, width, height int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	if x < 0 || y < 0 || width <= 0 || height <= 0 ||
		x+width > simWidth || y+height > simHeight {
		return -1
	}
	s.roiX, s.roiY = x, y
	s.roiW, s.roiH = width, height
	return 0
}

func (s *Simulator) PulseGuide(dir GuideDirection, ms uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.log.Debugf("simulated guide pulse %s for %dms", dir, ms)
	return 0
}

func (s *Simulator) SetFanEnabled(on bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return -1
	}
	s.fanOn = on
	return 0
}
