package wallet

import "github.com/midnightgpu/orchestrator/shared"

// SetBeforeClaim installs a hook run between picking an idle wallet and
// claiming it.
func (m *Manager) SetBeforeClaim(fn func(*shared.Wallet)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeClaim = fn
}
