// Package mqtt provides MQTT connectivity for placesd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - A retained daemon status with a Last Will for crash detection
//   - Retained sync status per database (places/sync/<db>/status)
//   - Sync commands from other services (places/command/sync/<db>)
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) outside a trusted network
//   - Sync status carries counts and error text only, never history data
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.OnSyncCommand("places.db", func(mqtt.SyncCommand) {
//	    worker.Trigger()
//	})
package mqtt
