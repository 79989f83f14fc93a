// Package heartbeat handles device check-ins for Poster Fleet Core.
//
// Heartbeats are the pull half of command delivery: a device that was
// offline collects everything queued for it on its next check-in, along
// with the pending-reload flag, in a single atomic exchange. The package
// also runs the sweep that flips silent devices to offline.
package heartbeat
