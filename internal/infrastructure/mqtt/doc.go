// Package mqtt provides MQTT client connectivity for PulseGate Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// PulseGate uses MQTT as its push egress: every reconciled reading and
// every device lifecycle change is published as a retained message, so
// dashboards, home-automation platforms and billing collectors pick up
// current state the moment they subscribe. The broker decouples the
// core from its consumers.
//
//	Meters → PulseGate Core → MQTT Broker → Dashboards / BMS / Automations
//
// Topic tree (prefix configurable, default "pulsegate"):
//
//	{prefix}/reading/{identifier}/{index}      retained reading JSON
//	{prefix}/device/{identifier}/status        retained online/offline/unknown
//	{prefix}/device/{identifier}/registration  retained pending/registered
//	{prefix}/status                            retained core liveness (LWT)
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Relay every reading to another subsystem
//	err = client.Subscribe(client.Topics().AllChannelReadings(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a device's health
//	topic := client.Topics().DeviceStatus("E8:DB:84:00:AA:BB")
//	client.PublishRetained(topic, []byte("online"))
package mqtt
