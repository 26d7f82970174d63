package connectivity

import (
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTMonitor derives connectivity from an MQTT broker session. Losing the
// broker means offline. When a status topic is set, retained "online" and
// "offline" payloads published there override while the session is up.
type MQTTMonitor struct {
	*hub
	conn        mqtt.Client
	topic       string
	brokerUp    atomic.Bool
	reportedOff atomic.Bool
	log         zerolog.Logger
}

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	StatusTopic string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// ConnectMQTT starts the broker session in the background. The monitor
// reports offline until the first connection succeeds.
func ConnectMQTT(opts MQTTOptions) *MQTTMonitor {
	m := &MQTTMonitor{
		hub:   newHub(false),
		topic: opts.StatusTopic,
		log:   opts.Log.With().Str("component", "connectivity-mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	m.conn = mqtt.NewClient(clientOpts)
	m.conn.Connect()
	return m
}

func (m *MQTTMonitor) onConnect(client mqtt.Client) {
	m.brokerUp.Store(true)
	m.log.Info().Str("topic", m.topic).Msg("mqtt connected")
	if m.topic != "" {
		token := client.Subscribe(m.topic, 1, m.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			m.log.Error().Err(err).Msg("mqtt subscribe failed")
		}
	}
	m.update()
}

func (m *MQTTMonitor) onConnectionLost(_ mqtt.Client, err error) {
	m.brokerUp.Store(false)
	m.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	m.update()
}

func (m *MQTTMonitor) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.applyStatus(msg.Payload())
}

func (m *MQTTMonitor) applyStatus(payload []byte) {
	online, ok := parseStatus(payload)
	if !ok {
		m.log.Debug().Str("payload", string(payload)).Msg("ignoring unknown status payload")
		return
	}
	m.reportedOff.Store(!online)
	m.update()
}

func (m *MQTTMonitor) update() {
	connected := m.brokerUp.Load() && !m.reportedOff.Load()
	if m.set(connected) {
		m.log.Info().Bool("connected", connected).Msg("connectivity changed")
	}
}

func (m *MQTTMonitor) Close() {
	m.log.Info().Msg("disconnecting mqtt client")
	m.conn.Disconnect(1000)
}

func parseStatus(payload []byte) (online, ok bool) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "online", "true", "1", "up":
		return true, true
	case "offline", "false", "0", "down":
		return false, true
	}
	return false, false
}
