package props

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Device is the command surface a bound camera driver exposes. Every
// method is called on the dispatch goroutine.
type Device interface {
	StartExposure(durationSec float64) error
	AbortExposure() error
	SetTemperature(degC float64) error
	SetGain(gain int) error
	SetFrame(x, y, width, height int) error
	SetBinning(bin int) error
	PulseGuide(direction string, ms uint32) error
	SetFanEnabled(on bool) error
}

// BindCommands subscribes every command verb and routes decoded payloads
// onto the dispatch goroutine via post. Failures are logged and reported
// on the last_error state topic.
func BindCommands(sub Subscriber, sink Sink, dev Device, post func(func()), log *zap.SugaredLogger) error {
	handlers := map[string]func(payload []byte) error{
		CmdStartExposure: func(p []byte) error {
			var cmd StartExposureCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.StartExposure(cmd.DurationSec)
		},
		CmdAbortExposure: func(p []byte) error {
			return dev.AbortExposure()
		},
		CmdSetTemperature: func(p []byte) error {
			var cmd SetTemperatureCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.SetTemperature(cmd.DegC)
		},
		CmdSetGain: func(p []byte) error {
			var cmd SetGainCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.SetGain(cmd.Gain)
		},
		CmdSetFrame: func(p []byte) error {
			var cmd SetFrameCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.SetFrame(cmd.X, cmd.Y, cmd.Width, cmd.Height)
		},
		CmdSetBinning: func(p []byte) error {
			var cmd SetBinningCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.SetBinning(cmd.Bin)
		},
		CmdPulseGuide: func(p []byte) error {
			var cmd PulseGuideCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.PulseGuide(cmd.Direction, cmd.Ms)
		},
		CmdSetFan: func(p []byte) error {
			var cmd SetFanCommand
			if err := json.Unmarshal(p, &cmd); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
			return dev.SetFanEnabled(cmd.On)
		},
	}

	for verb, handle := range handlers {
		verb, handle := verb, handle
		err := sub.Subscribe(verb, func(payload []byte) {
			post(func() {
				if err := handle(payload); err != nil {
					log.Warnf("command %s failed: %v", verb, err)
					if perr := sink.Publish(KindLastError, false, ErrorPayload{Op: verb, Error: err.Error()}); perr != nil {
						log.Warnf("error report failed: %v", perr)
					}
				}
			})
		})
		if err != nil {
			return fmt.Errorf("bind %s: %w", verb, err)
		}
	}
	return nil
}
