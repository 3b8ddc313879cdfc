// Package mqtt provides MQTT client connectivity for the registry and agents.
//
// This package manages:
//   - Connection to the broker, with optional library-driven reconnect
//   - Message publishing with QoS validation
//   - Topic subscriptions with wildcard support
//   - Connection health checks
//
// The registry keeps paho's auto-reconnect enabled and relies on restored
// subscriptions. Device agents disable it (config Reconnect.Disabled) and
// drive reconnection from their own state machine, creating a fresh Client
// per attempt.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(protocol.Topics{}.AllTelemetry(), 0,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
// Topic layout lives in the protocol package; this package is topic-agnostic.
package mqtt
