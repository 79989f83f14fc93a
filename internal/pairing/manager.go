package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/motionposters/fleet-core/internal/device"
)

const (
	codeDigits = 6

	// maxGenerateAttempts bounds the search for an unused code. With a
	// million possible codes the limit is only reachable when nearly all
	// of them are active at once.
	maxGenerateAttempts = 100

	tokenBytes = 16
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Pairing is one active pairing code bound to a device identity.
type Pairing struct {
	Code      string    `json:"code"`
	DeviceID  string    `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Token, when non-empty, must be presented alongside the code at
	// claim time. It is only returned to the admin who generated the
	// code, never listed.
	Token string `json:"token,omitempty"`
}

// ClaimResult carries the outcome of a successful claim: the paired device
// and its freshly rotated plaintext secret, exposed here for the one and
// only time.
type ClaimResult struct {
	Device *device.Device
	Secret string
}

// Manager issues and redeems short-lived single-use pairing codes.
//
// Codes live in memory only: a restart invalidates all outstanding codes,
// which is acceptable for a flow measured in minutes. Expiry is enforced
// twice — a timer removes the entry, and every lookup re-checks the
// deadline so a stalled timer can never resurrect a dead code.
//
// All public methods are thread-safe. Claim holds the manager's mutex
// across the whole lookup-mark-rotate sequence, so a second concurrent
// claim of the same code always observes it claimed and fails.
type Manager struct {
	registry *device.Registry
	logger   device.Logger

	mu     sync.Mutex
	active map[string]*entry

	now func() time.Time // injectable for tests
}

type entry struct {
	pairing Pairing
	claimed bool
	timer   *time.Timer
}

// NewManager creates a pairing code manager backed by the given registry.
func NewManager(registry *device.Registry, logger device.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger,
		active:   make(map[string]*entry),
		now:      time.Now,
	}
}

// Generate issues a new 6-digit code for the device, valid for ttl.
// With requireToken set, claiming additionally demands the returned token.
// The code is unique among currently active codes.
func (m *Manager) Generate(ctx context.Context, deviceID string, ttl time.Duration, requireToken bool) (Pairing, error) {
	if ttl <= 0 {
		return Pairing{}, ErrInvalidTTL
	}

	// Confirm the device exists before minting a code for it.
	if _, err := m.registry.Get(ctx, deviceID); err != nil {
		return Pairing{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	code, err := m.uniqueCodeLocked()
	if err != nil {
		return Pairing{}, err
	}

	p := Pairing{
		Code:      code,
		DeviceID:  deviceID,
		ExpiresAt: m.now().UTC().Add(ttl),
	}

	if requireToken {
		raw := make([]byte, tokenBytes)
		if _, err := rand.Read(raw); err != nil {
			return Pairing{}, fmt.Errorf("generating pairing token: %w", err)
		}
		p.Token = hex.EncodeToString(raw)
	}

	e := &entry{pairing: p}
	e.timer = time.AfterFunc(ttl, func() { m.expire(code) })
	m.active[code] = e

	m.logger.Info("pairing code issued",
		"device_id", deviceID, "expires_at", p.ExpiresAt, "token_required", requireToken)
	return p, nil
}

// ListActive returns unclaimed, unexpired codes. Tokens are stripped;
// they are only ever shown to the admin who generated the code.
func (m *Manager) ListActive() []Pairing {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	pairings := make([]Pairing, 0, len(m.active))
	for _, e := range m.active {
		if e.claimed || !e.pairing.ExpiresAt.After(now) {
			continue
		}
		p := e.pairing
		p.Token = ""
		pairings = append(pairings, p)
	}
	return pairings
}

// Claim redeems a code for device credentials. On success the code is
// consumed, the optional name and location are applied to the device, its
// secret is rotated, and the new plaintext secret is returned.
//
// Absent, expired and already-claimed codes all fail identically with
// ErrCodeNotFoundOrExpired; a token mismatch fails with ErrClaimFailed.
func (m *Manager) Claim(ctx context.Context, code, token string, name, location *string) (*ClaimResult, error) {
	if !codePattern.MatchString(code) {
		return nil, ErrInvalidCode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[code]
	if !ok || e.claimed || !e.pairing.ExpiresAt.After(m.now()) {
		return nil, ErrCodeNotFoundOrExpired
	}

	if e.pairing.Token != "" {
		if subtle.ConstantTimeCompare([]byte(e.pairing.Token), []byte(token)) != 1 {
			return nil, ErrClaimFailed
		}
	}

	// Mark claimed before touching the registry so a concurrent claim of
	// the same code fails even if rotation below is still in flight.
	e.claimed = true
	e.timer.Stop()
	delete(m.active, code)

	if name != nil || location != nil {
		patch := device.Patch{Name: name, Location: location}
		if _, _, err := m.registry.ApplyPatch(ctx, e.pairing.DeviceID, patch); err != nil {
			return nil, fmt.Errorf("applying pairing details: %w", err)
		}
	}

	secret, err := m.registry.RotateSecret(ctx, e.pairing.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("rotating secret on claim: %w", err)
	}

	dev, err := m.registry.Get(ctx, e.pairing.DeviceID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("pairing code claimed", "device_id", dev.ID)
	return &ClaimResult{Device: dev, Secret: secret}, nil
}

// Revoke cancels an active code before its expiry, reporting whether the
// code was live.
func (m *Manager) Revoke(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[code]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.active, code)
	m.logger.Info("pairing code revoked", "device_id", e.pairing.DeviceID)
	return true
}

// Close stops all expiry timers and drops every active code.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for code, e := range m.active {
		e.timer.Stop()
		delete(m.active, code)
	}
}

// expire removes a code whose timer fired.
func (m *Manager) expire(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[code]; ok && !e.pairing.ExpiresAt.After(m.now()) {
		delete(m.active, code)
	}
}

// uniqueCodeLocked draws random 6-digit codes until one is not active.
// Caller must hold m.mu.
func (m *Manager) uniqueCodeLocked() (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("generating pairing code: %w", err)
		}
		code := fmt.Sprintf("%0*d", codeDigits, n.Int64())
		if _, taken := m.active[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("generating pairing code: no unused code after %d attempts", maxGenerateAttempts)
}
