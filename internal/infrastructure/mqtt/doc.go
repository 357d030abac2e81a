// Package mqtt provides the broker connection of the VBus bridge.
//
// This package manages:
//   - Connection to the broker with a configurable timeout
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the status topic
//
// The connection is not re-established when lost. The disconnect callback
// fires once and the owner treats it as a fatal transport error.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnDisconnect(func(err error) {
//	    bridge.NotifyTransportLost(err)
//	})
//
//	client.Publish("resol/temp1", []byte("21.5"), 1, true)
package mqtt
