package mirror

import (
	"errors"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-slcan-server/internal/logging"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timeout")

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTBroker is a Broker backed by an eclipse/paho client. The client
// reconnects on its own; subscriptions are resumed by the broker session.
type MQTTBroker struct {
	client MQTT.Client
}

var _ Broker = (*MQTTBroker)(nil)

// DialMQTT connects to url (tcp://host:1883, ssl://..., ws://...). If the
// broker is unreachable within connectTimeout the client keeps retrying in
// the background and DialMQTT returns without error.
func DialMQTT(url, clientID string) (*MQTTBroker, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(true)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		logging.L().Info("mqtt_connected", "broker", url)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		logging.L().Warn("mqtt_connection_lost", "broker", url, "error", err)
	})
	c := MQTT.NewClient(opts)
	tok := c.Connect()
	if tok.WaitTimeout(connectTimeout) {
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connect %s: %w", url, err)
		}
	} else {
		logging.L().Warn("mqtt_connect_pending", "broker", url)
	}
	return &MQTTBroker{client: c}, nil
}

func (b *MQTTBroker) Publish(topic string, payload []byte) error {
	return wait(b.client.Publish(topic, 0, false, payload), publishTimeout)
}

func (b *MQTTBroker) Subscribe(topic string, fn func(payload []byte)) error {
	tok := b.client.Subscribe(topic, 0, func(_ MQTT.Client, m MQTT.Message) {
		fn(m.Payload())
	})
	return wait(tok, connectTimeout)
}

func (b *MQTTBroker) Close() { b.client.Disconnect(250) }

func wait(tok MQTT.Token, d time.Duration) error {
	if !tok.WaitTimeout(d) {
		return ErrTimeout
	}
	return tok.Error()
}
