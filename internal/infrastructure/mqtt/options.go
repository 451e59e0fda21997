package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	// operationTimeout bounds a publish, subscribe or resubscribe.
	operationTimeout = 5 * time.Second

	// disconnectQuiesce is how long Close lets pending work finish, in ms.
	disconnectQuiesce = 1000

	keepAlive = 60 * time.Second

	// willQoS is the QoS of the will and of every status message.
	willQoS = 1

	maxQoS = 2
)

// Option customises a connection made by Connect.
type Option func(*status)

// status describes the retained message that tells consumers whether this
// client is up. The broker publishes will when the connection drops; online
// and offline are published by the client on connect and on Close. A nil
// online or offline publishes nothing.
type status struct {
	topic   string
	will    []byte
	online  func() []byte
	offline func() []byte
}

// defaultStatus reports on the system status topic.
func defaultStatus(clientID string) status {
	return status{
		topic: SystemStatusTopic,
		will:  statusPayload("offline", clientID, "unexpected_disconnect"),
		online: func() []byte {
			return statusPayload("online", clientID, "")
		},
		offline: func() []byte {
			return statusPayload("offline", clientID, "graceful_shutdown")
		},
	}
}

// WithWill makes topic this client's status topic, with payload as the
// broker's will. The client then publishes nothing there itself: the owner
// of the topic (the bridge's health reporter) reports online and stopping.
func WithWill(topic string, payload []byte) Option {
	return func(s *status) {
		s.topic = topic
		s.will = payload
		s.online = nil
		s.offline = nil
	}
}

func statusPayload(state, clientID, reason string) []byte {
	ts := time.Now().UTC().Format(time.RFC3339)
	if reason == "" {
		return fmt.Appendf(nil, `{"status":%q,"client_id":%q,"timestamp":%q}`, state, clientID, ts)
	}
	return fmt.Appendf(nil, `{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
		state, clientID, reason, ts)
}

// buildClientOptions maps the mqtt section of config.yaml onto paho options:
// broker URL (ssl:// when TLS is on), credentials, a clean session and
// reconnect backoff between the configured delays.
func buildClientOptions(cfg config.MQTTConfig, st status) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Subscriptions are restored by the client, not by a broker session.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)

	opts.SetBinaryWill(st.topic, st.will, willQoS, true)

	return opts
}
