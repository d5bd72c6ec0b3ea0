// Package props exposes the camera as a set of MQTT properties: retained
// state topics the driver publishes to, and command topics it listens on.
//
// Topic layout, relative to the configured root:
//
//	<root>/<device>/state/<kind>   driver -> clients (JSON payloads below)
//	<root>/<device>/cmd/<verb>     clients -> driver (JSON commands below)
package props

import (
	"encoding/base64"
	"strings"
)

// State topic kinds.
const (
	KindOnline           = "online"
	KindInfo             = "info"
	KindExposureProgress = "exposure/progress"
	KindExposureResult   = "exposure/result"
	KindTemperature      = "temperature"
	KindCoolerDuty       = "cooler_duty"
	KindCoolerPower      = "cooler_power"
	KindGain             = "gain"
	KindFan              = "fan"
	KindFrame            = "frame"
	KindLastError        = "last_error"
)

// Command topic verbs.
const (
	CmdStartExposure  = "start_exposure"
	CmdAbortExposure  = "abort_exposure"
	CmdSetTemperature = "set_temperature"
	CmdSetGain        = "set_gain"
	CmdSetFrame       = "set_frame"
	CmdSetBinning     = "set_binning"
	CmdPulseGuide     = "pulse_guide"
	CmdSetFan         = "set_fan"
)

// Sink is the publishing half of the broker. Controllers and the driver
// emit through it; tests substitute a recorder.
type Sink interface {
	Publish(kind string, retained bool, v interface{}) error
}

// Subscriber registers command handlers. Handlers run on the MQTT
// client's goroutines, so they must hand work over to the dispatch
// goroutine themselves.
type Subscriber interface {
	Subscribe(verb string, handler func(payload []byte)) error
}

// OnlinePayload announces driver liveness. Published retained, and
// registered as the connection's last will, so clients always see the
// current status.
type OnlinePayload struct {
	Online bool `json:"online"`
}

// CameraInfoPayload describes the connected camera and what it can do.
type CameraInfoPayload struct {
	Name          string  `json:"name"`
	Serial        string  `json:"serial"`
	Firmware      string  `json:"firmware"`
	MaxWidth      int     `json:"max_width"`
	MaxHeight     int     `json:"max_height"`
	BitsPerPixel  int     `json:"bits_per_pixel"`
	PixelWidthUm  float64 `json:"pixel_width_um"`
	PixelHeightUm float64 `json:"pixel_height_um"`
	CanAbort      bool    `json:"can_abort"`
	CanSubframe   bool    `json:"can_subframe"`
	CanBin        bool    `json:"can_bin"`
	MaxBinning    int     `json:"max_binning"`
	HasCooler     bool    `json:"has_cooler"`
	HasGuidePort  bool    `json:"has_guide_port"`
	HasFan        bool    `json:"has_fan"`
	GainMin       int     `json:"gain_min"`
	GainMax       int     `json:"gain_max"`
	MinSetpointC  float64 `json:"min_setpoint_c"`
	MaxSetpointC  float64 `json:"max_setpoint_c"`
}

// ExposureProgressPayload carries the countdown for a running exposure.
type ExposureProgressPayload struct {
	RemainingSec float64 `json:"remaining_sec"`
}

// ExposureResultPayload reports how an exposure ended.
type ExposureResultPayload struct {
	OK bool `json:"ok"`
}

// TemperaturePayload carries a sensor temperature readback and the
// regulation loop state ("idle", "regulating" or "alert").
type TemperaturePayload struct {
	DegC  float64 `json:"deg_c"`
	State string  `json:"state"`
}

// CoolerDutyPayload reports the cooler drive level.
type CoolerDutyPayload struct {
	Percent float64 `json:"percent"`
}

// CoolerPowerPayload reports whether the cooler supply checks out.
type CoolerPowerPayload struct {
	OK bool `json:"ok"`
}

// GainPayload echoes the analog gain currently applied.
type GainPayload struct {
	Gain int `json:"gain"`
}

// FanPayload echoes the camera fan switch.
type FanPayload struct {
	On bool `json:"on"`
}

// FramePayload carries one downloaded frame, raw sensor bytes in base64.
// Seq counts successful downloads since connect so clients can spot drops.
type FramePayload struct {
	Seq          uint64 `json:"seq"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitsPerPixel int    `json:"bits_per_pixel"`
	Data         string `json:"data"`
}

// ErrorPayload reports a failed command back to clients.
type ErrorPayload struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

// Command payloads.
type StartExposureCommand struct {
	DurationSec float64 `json:"duration_sec"`
}

type SetTemperatureCommand struct {
	DegC float64 `json:"deg_c"`
}

type SetGainCommand struct {
	Gain int `json:"gain"`
}

type SetFrameCommand struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type SetBinningCommand struct {
	Bin int `json:"bin"`
}

type PulseGuideCommand struct {
	Direction string `json:"direction"` // north, south, east or west
	Ms        uint32 `json:"ms"`
}

type SetFanCommand struct {
	On bool `json:"on"`
}

// EncodeFrame packs raw sensor bytes into a publishable payload.
func EncodeFrame(width, height, bitsPerPixel int, raw []byte) FramePayload {
	b64 := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(b64, raw)
	return FramePayload{
		Width:        width,
		Height:       height,
		BitsPerPixel: bitsPerPixel,
		Data:         string(b64),
	}
}

// SanitizeDeviceName turns a human camera name into a safe topic segment:
// lowercased, spaces to underscores, MQTT wildcard characters stripped.
func SanitizeDeviceName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	for _, c := range []string{"/", "+", "#"} {
		s = strings.ReplaceAll(s, c, "")
	}
	if s == "" {
		return "camera"
	}
	return s
}
