package props

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/config"
)

// tokenTimeout bounds how long a publish or subscribe may block the
// caller. State publishes are QoS 0, so in practice the tokens complete
// immediately.
const tokenTimeout = 5 * time.Second

// Broker connects the driver to an MQTT broker and carries its
// properties. State goes out QoS 0 (latest value wins, retained where it
// makes sense), commands come in QoS 1.
type Broker struct {
	client mqtt.Client
	root   string
	device string
	log    *zap.SugaredLogger
}

// NewBroker connects to the configured MQTT broker and announces the
// device as online. A will reverses the announcement if the connection
// drops without a clean Close.
func NewBroker(cfg *config.Config, log *zap.SugaredLogger) (*Broker, error) {
	b := &Broker{
		root:   cfg.MQTT.RootTopic,
		device: SanitizeDeviceName(cfg.Camera.Name),
		log:    log,
	}

	offline, err := json.Marshal(OnlinePayload{Online: false})
	if err != nil {
		return nil, fmt.Errorf("marshal will payload: %w", err)
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.MQTT.Broker).SetClientID(cfg.MQTT.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive())
	opts.SetPingTimeout(cfg.PingTimeout())
	opts.SetWill(b.stateTopic(KindOnline), string(offline), 1, true)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.MQTT.Broker, token.Error())
	}
	log.Infof("connected to MQTT broker %s as %q", cfg.MQTT.Broker, cfg.MQTT.ClientID)

	if err := b.Publish(KindOnline, true, OnlinePayload{Online: true}); err != nil {
		b.client.Disconnect(250)
		return nil, err
	}
	return b, nil
}

// Publish marshals v as JSON and publishes it on the state topic for kind.
func (b *Broker) Publish(kind string, retained bool, v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	token := b.client.Publish(b.stateTopic(kind), 0, retained, msg)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("publish %s: timed out", kind)
	}
	return token.Error()
}

// Subscribe routes payloads arriving on the command topic for verb.
// Handlers run on the MQTT client's goroutines.
func (b *Broker) Subscribe(verb string, handler func(payload []byte)) error {
	topic := b.cmdTopic(verb)
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.log.Debugf("listening on %s", topic)
	return nil
}

// Close announces the device offline and disconnects.
func (b *Broker) Close() {
	if err := b.Publish(KindOnline, true, OnlinePayload{Online: false}); err != nil {
		b.log.Warnf("offline announcement failed: %v", err)
	}
	b.client.Disconnect(250)
}

func (b *Broker) stateTopic(kind string) string {
	return b.root + "/" + b.device + "/state/" + kind
}

func (b *Broker) cmdTopic(verb string) string {
	return b.root + "/" + b.device + "/cmd/" + verb
}
