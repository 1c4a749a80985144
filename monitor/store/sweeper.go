package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSweeper runs a background loop that prunes expired sessions,
// verification codes, and pending additions every interval.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep removes expired user-management records and persists if anything was
// dropped.
func (m *Manager) Sweep() {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	now := m.now()
	dropped := 0
	for sid, s := range m.users.Sessions {
		if now.After(s.ExpiresAt) {
			delete(m.users.Sessions, sid)
			dropped++
		}
	}
	for email, v := range m.users.VerificationCodes {
		if now.After(v.Expires) {
			delete(m.users.VerificationCodes, email)
			dropped++
		}
	}
	for token, p := range m.users.PendingAdditions {
		if now.After(p.Expires) {
			delete(m.users.PendingAdditions, token)
			dropped++
		}
	}

	if dropped > 0 {
		m.log.Info("swept expired user-management records", zap.Int("dropped", dropped))
		m.saveUsersLocked()
	}
}
