//go:build integration

package mqtt

import (
	"testing"
	"time"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
//	go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

// TestIntegration_SubscriptionsSurviveTakeover has a second client take over
// the bridge's client ID. The broker drops the bridge, paho reconnects it,
// and its command subscription must work again without the bridge doing
// anything.
func TestIntegration_SubscriptionsSurviveTakeover(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "velbus-bridge-int-takeover"
	bridge := connectOrSkip(t, cfg)

	reconnected := make(chan struct{}, 1)
	bridge.SetOnConnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	received := make(chan string, 4)
	err := bridge.Subscribe("graylogic/command/velbus/+", 1, func(topic string, _ []byte) {
		received <- topic
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	intruder, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect(intruder) error = %v", err)
	}
	intruder.Close() //nolint:errcheck // only needed to kick the bridge

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("bridge client did not reconnect")
	}

	cfg.Broker.ClientID = "velbus-bridge-int-core"
	core := connectOrSkip(t, cfg)
	if err := core.Publish("graylogic/command/velbus/dimmer-hall", []byte(`{"command":"dim"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case topic := <-received:
		if topic != "graylogic/command/velbus/dimmer-hall" {
			t.Errorf("received on %q", topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered after reconnect")
	}
}
