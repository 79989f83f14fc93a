package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/infrastructure/config"
	"github.com/motionposters/fleet-core/internal/infrastructure/logging"
)

// StatusFunc is notified when a device's live channel opens or closes.
// It runs on the hub's goroutines and must not block.
type StatusFunc func(deviceID string, connected bool)

// Hub manages the live WebSocket channels to connected devices and the
// pending acknowledgements of await-mode sends.
//
// At most one connection per device is kept: a second connection for an
// already-connected device replaces the first, which is closed (last
// wins). A reconnecting device would otherwise be locked out by its own
// half-dead previous channel until the ping timeout noticed it.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	onStatus StatusFunc

	mu      sync.RWMutex
	conns   map[string]*Conn    // by device ID
	pending map[string]chan Ack // by correlation ID
}

// New creates a hub. onStatus may be nil.
func New(cfg config.WebSocketConfig, logger *logging.Logger, onStatus StatusFunc) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		onStatus: onStatus,
		conns:    make(map[string]*Conn),
		pending:  make(map[string]chan Ack),
	}
}

// Run blocks until the context is cancelled, then closes every channel.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// IsConnected reports whether a live channel exists for the device.
func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[deviceID]
	return ok
}

// ConnectedIDs returns the IDs of all currently connected devices.
func (h *Hub) ConnectedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// SendCommand delivers a command fire-and-forget. It returns true if a
// connection existed and the send was handed to it, false otherwise; true
// does not mean the remote peer processed it.
func (h *Hub) SendCommand(deviceID string, cmd device.Command) bool {
	h.mu.RLock()
	conn := h.conns[deviceID]
	h.mu.RUnlock()

	if conn == nil {
		return false
	}

	data, err := json.Marshal(envelopeFor(cmd, ""))
	if err != nil {
		h.logger.Error("marshalling command envelope", "device_id", deviceID, "error", err)
		return false
	}
	return conn.trySend(data)
}

// SendCommandAwait delivers a command and blocks until the device
// acknowledges it, the timeout elapses, or ctx is cancelled.
//
// A timeout removes the pending entry before returning, so a late ack for
// it is discarded rather than misattributed to a later command.
func (h *Hub) SendCommandAwait(ctx context.Context, deviceID string, cmd device.Command, timeout time.Duration) (Ack, error) {
	h.mu.RLock()
	conn := h.conns[deviceID]
	h.mu.RUnlock()

	if conn == nil {
		return Ack{}, ErrNotConnected
	}

	correlationID := uuid.NewString()
	data, err := json.Marshal(envelopeFor(cmd, correlationID))
	if err != nil {
		return Ack{}, err
	}

	ch := make(chan Ack, 1)
	h.mu.Lock()
	h.pending[correlationID] = ch
	h.mu.Unlock()

	if !conn.trySend(data) {
		h.removePending(correlationID)
		return Ack{}, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack, nil
	case <-timer.C:
		// The ack may have been resolved between the timer firing and
		// this branch running; if so the entry is already gone and the
		// ack sits in the buffered channel.
		if !h.removePending(correlationID) {
			return <-ch, nil
		}
		return Ack{}, ErrAckTimeout
	case <-ctx.Done():
		if !h.removePending(correlationID) {
			return <-ch, nil
		}
		return Ack{}, ctx.Err()
	}
}

// BroadcastReport is the per-device outcome of a Broadcast.
type BroadcastReport struct {
	Sent   []string
	Failed []string
}

// Broadcast sends a command to every connected device passing filter
// (nil means all). One device failing does not abort the others.
func (h *Hub) Broadcast(cmd device.Command, filter func(deviceID string) bool) BroadcastReport {
	h.mu.RLock()
	conns := make(map[string]*Conn, len(h.conns))
	for id, c := range h.conns {
		conns[id] = c
	}
	h.mu.RUnlock()

	data, err := json.Marshal(envelopeFor(cmd, ""))
	if err != nil {
		h.logger.Error("marshalling broadcast envelope", "error", err)
		return BroadcastReport{}
	}

	var report BroadcastReport
	for id, conn := range conns {
		if filter != nil && !filter(id) {
			continue
		}
		if conn.trySend(data) {
			report.Sent = append(report.Sent, id)
		} else {
			report.Failed = append(report.Failed, id)
		}
	}
	return report
}

// register adds a connection, replacing and closing any previous one for
// the same device.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	previous := h.conns[c.deviceID]
	h.conns[c.deviceID] = c
	h.mu.Unlock()

	if previous != nil {
		h.logger.Info("replacing live channel", "device_id", c.deviceID)
		previous.shutdown()
	} else if h.onStatus != nil {
		h.onStatus(c.deviceID, true)
	}
	h.logger.Debug("device connected", "device_id", c.deviceID, "connections", h.count())
}

// unregister removes a connection if it is still the device's current one.
// A replaced connection unregistering late must not evict its successor.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	current := h.conns[c.deviceID] == c
	if current {
		delete(h.conns, c.deviceID)
	}
	h.mu.Unlock()

	c.shutdown()
	if current {
		if h.onStatus != nil {
			h.onStatus(c.deviceID, false)
		}
		h.logger.Debug("device disconnected", "device_id", c.deviceID, "connections", h.count())
	}
}

// resolveAck hands an ack to its waiting sender, if one is still waiting.
// Late acks for timed-out or unknown correlation IDs are dropped.
func (h *Hub) resolveAck(ack Ack) {
	h.mu.Lock()
	ch, ok := h.pending[ack.CorrelationID]
	if ok {
		delete(h.pending, ack.CorrelationID)
	}
	h.mu.Unlock()

	if ok {
		ch <- ack
	} else {
		h.logger.Debug("discarding late ack", "correlation_id", ack.CorrelationID)
	}
}

// removePending deletes a pending entry, reporting whether it was present.
func (h *Hub) removePending(correlationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[correlationID]; !ok {
		return false
	}
	delete(h.pending, correlationID)
	return true
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll disconnects every device.
func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		conns = append(conns, c)
		delete(h.conns, id)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}
