package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records a device heartbeat.
//
// queueDepth is the number of commands drained by this heartbeat; reload
// indicates whether the device was told to reload. The write is
// non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteHeartbeat(deviceID string, queueDepth int, reload bool) {
	if !c.IsConnected() {
		return
	}

	reloadVal := 0
	if reload {
		reloadVal = 1
	}

	point := write.NewPoint(
		"heartbeat",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"queue_depth": queueDepth,
			"reload":      reloadVal,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDispatch records the outcome of a command dispatch.
//
// outcome is one of "sent", "queued", "acked", or "ack_timeout".
func (c *Client) WriteDispatch(deviceID, commandType, outcome string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"dispatch",
		map[string]string{
			"device_id": deviceID,
			"type":      commandType,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnection records a live-channel connect or disconnect.
func (c *Client) WriteConnection(deviceID string, connected bool) {
	if !c.IsConnected() {
		return
	}

	val := 0
	if connected {
		val = 1
	}

	point := write.NewPoint(
		"connection",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"connected": val,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
