package ws

import (
	"context"
	"sync"
	"time"

	"github.com/seclink/server/internal/logging"
)

// slot is one connected device of a user. Slots are kept in connection
// order, so index 0 is always the oldest connection.
type slot struct {
	deviceID    string
	ep          Endpoint
	connectedAt time.Time
}

// Hub is the in-memory connection registry: per-user ordered device slots
// with a hard cap. When a user exceeds the cap the oldest connection is
// evicted, and a device reconnecting replaces its previous slot.
//
// The hub only routes frames. Persistence, receipts and presence fan-out
// live in the delivery layer, attached through the connect/disconnect hooks.
type Hub struct {
	mu         sync.RWMutex
	users      map[string][]*slot
	maxDevices int
	logger     logging.Logger

	// onConnect fires after the slot is registered; onDisconnect after the
	// user's last slot is gone. Both run outside the hub lock.
	onConnect    func(ctx context.Context, userID, deviceID string)
	onDisconnect func(ctx context.Context, userID string)
}

func NewHub(maxDevices int, logger logging.Logger) *Hub {
	return &Hub{
		users:      make(map[string][]*slot),
		maxDevices: maxDevices,
		logger:     logger.With("component", "hub"),
	}
}

// SetHooks attaches the connect/disconnect callbacks. Must be called before
// the hub starts accepting connections.
func (h *Hub) SetHooks(onConnect func(ctx context.Context, userID, deviceID string), onDisconnect func(ctx context.Context, userID string)) {
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

// Register attaches a device connection. A previous connection of the same
// device is closed and replaced; at capacity the oldest connection of the
// user is evicted first.
func (h *Hub) Register(ctx context.Context, userID, deviceID string, ep Endpoint) {
	var evicted []Endpoint

	h.mu.Lock()
	slots := h.users[userID]

	for i, s := range slots {
		if s.deviceID == deviceID {
			evicted = append(evicted, s.ep)
			slots = append(slots[:i], slots[i+1:]...)
			break
		}
	}

	for len(slots) >= h.maxDevices {
		evicted = append(evicted, slots[0].ep)
		h.logger.Warn(ctx, "device slot limit reached, evicting oldest connection",
			"user_id", userID, "evicted_device_id", slots[0].deviceID)
		slots = slots[1:]
	}

	slots = append(slots, &slot{deviceID: deviceID, ep: ep, connectedAt: time.Now()})
	h.users[userID] = slots
	h.mu.Unlock()

	for _, e := range evicted {
		e.Close()
	}

	h.logger.Info(ctx, "device connected", "user_id", userID, "device_id", deviceID)
	if h.onConnect != nil {
		h.onConnect(ctx, userID, deviceID)
	}
}

// Unregister detaches a device connection. The endpoint must match the
// registered one, so a stale disconnect cannot tear down a fresh reconnect.
func (h *Hub) Unregister(ctx context.Context, userID, deviceID string, ep Endpoint) {
	h.mu.Lock()
	slots := h.users[userID]
	removed := false
	for i, s := range slots {
		if s.deviceID == deviceID && s.ep == ep {
			slots = append(slots[:i], slots[i+1:]...)
			removed = true
			break
		}
	}
	lastGone := false
	if removed {
		if len(slots) == 0 {
			delete(h.users, userID)
			lastGone = true
		} else {
			h.users[userID] = slots
		}
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	ep.Close()

	h.logger.Info(ctx, "device disconnected", "user_id", userID, "device_id", deviceID)
	if lastGone && h.onDisconnect != nil {
		h.onDisconnect(ctx, userID)
	}
}

// snapshot copies the user's slots so sends run without the hub lock.
func (h *Hub) snapshot(userID string) []*slot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	slots := h.users[userID]
	out := make([]*slot, len(slots))
	copy(out, slots)
	return out
}

// SendToUser fans the envelope out to every connected device of the user and
// returns how many devices took it. Dead endpoints are pruned on the way.
func (h *Hub) SendToUser(ctx context.Context, userID string, env *Envelope) int {
	delivered := 0
	for _, s := range h.snapshot(userID) {
		if err := s.ep.Send(env); err != nil {
			h.logger.Warn(ctx, "send failed, dropping connection",
				"user_id", userID, "device_id", s.deviceID, "error", err)
			h.Unregister(ctx, userID, s.deviceID, s.ep)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToDevice targets one device of the user. Returns false when the device
// is not connected or the write failed.
func (h *Hub) SendToDevice(ctx context.Context, userID, deviceID string, env *Envelope) bool {
	for _, s := range h.snapshot(userID) {
		if s.deviceID != deviceID {
			continue
		}
		if err := s.ep.Send(env); err != nil {
			h.Unregister(ctx, userID, s.deviceID, s.ep)
			return false
		}
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// OnlineUsers returns the ids of all connected users.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	return out
}

// DeviceCount returns the number of live connections for the user.
func (h *Hub) DeviceCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// KeepAlive pings every connection on each tick and drops the ones that
// fail, so half-open TCP sessions cannot hold a device slot forever.
// Blocks until ctx is done.
func (h *Hub) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Hub) sweep(ctx context.Context) {
	type probe struct {
		userID string
		s      *slot
	}

	h.mu.RLock()
	var probes []probe
	for userID, slots := range h.users {
		for _, s := range slots {
			probes = append(probes, probe{userID: userID, s: s})
		}
	}
	h.mu.RUnlock()

	for _, p := range probes {
		if err := p.s.ep.Ping(); err != nil {
			h.logger.Warn(ctx, "keep-alive probe failed, dropping connection",
				"user_id", p.userID, "device_id", p.s.deviceID, "error", err)
			h.Unregister(ctx, p.userID, p.s.deviceID, p.s.ep)
		}
	}
}
