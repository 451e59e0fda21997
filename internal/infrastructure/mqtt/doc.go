// Package mqtt connects the Velbus bridge to its MQTT broker.
//
// The bridge subscribes to its command and request filters and publishes
// state, acknowledgements, responses and health. This package adds what paho
// leaves to the caller: subscriptions restored after a reconnect, topic and
// filter checks before anything reaches the broker, and panic recovery
// around handlers.
//
// Every client has a retained status topic. The bridge passes its health
// topic with WithWill, so the broker marks the bridge offline when the
// connection drops and the health reporter owns every other message there.
// A client connected without WithWill reports online and offline itself on
// graylogic/system/status.
//
//	lwt, _ := json.Marshal(velbus.NewLWTMessage(bridgeID))
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(velbus.HealthTopic(), lwt))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
