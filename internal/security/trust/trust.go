package trust

import (
	"fmt"
	"sync"

	"proximity-gateway/internal/security/audit"
)

// Level 裝置信任等級，構成全序 Unknown < Pending < Trusted < Verified.
// Revoked 為吸收態：任何等級皆可進入，且無法轉出——只能以全新的
// 身份揭露加上重新簽發憑證建立新的信任條目.
type Level int

const (
	LevelUnknown Level = iota
	LevelPending
	LevelTrusted
	LevelVerified
	LevelRevoked
)

// String 回傳等級名稱.
func (l Level) String() string {
	switch l {
	case LevelUnknown:
		return "unknown"
	case LevelPending:
		return "pending"
	case LevelTrusted:
		return "trusted"
	case LevelVerified:
		return "verified"
	case LevelRevoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// Manager 信任管理器.
// 所有上層操作（密鑰交換、權限檢查）都以此為准入閘門；
// Unknown 與 Revoked 一律視為拒絕.
type Manager struct {
	mu     sync.RWMutex
	levels map[string]Level
	audit  *audit.Log
}

// NewManager 創建信任管理器.
func NewManager(auditLog *audit.Log) *Manager {
	return &Manager{
		levels: make(map[string]Level),
		audit:  auditLog,
	}
}

// TrustLevel 查詢裝置信任等級；未知裝置回傳 LevelUnknown.
func (m *Manager) TrustLevel(deviceID string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels[deviceID]
}

// SetTrust 設定裝置信任等級.
// Revoked 是吸收態：已撤銷的裝置拒絕任何等級變更.
func (m *Manager) SetTrust(deviceID string, level Level) error {
	if deviceID == "" {
		return fmt.Errorf("deviceID cannot be empty")
	}

	m.mu.Lock()
	current, exists := m.levels[deviceID]
	if exists && current == LevelRevoked {
		m.mu.Unlock()
		return fmt.Errorf("device %s is revoked; trust cannot be restored in place", deviceID)
	}
	m.levels[deviceID] = level
	m.mu.Unlock()

	if m.audit != nil {
		m.audit.Record(audit.EventTrustChanged, audit.SeverityInfo,
			fmt.Sprintf("trust level set to %s", level),
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{
				"previous": current.String(),
				"new":      level.String(),
			}))
	}
	return nil
}

// IsTrusted 判斷裝置是否達到 Trusted 以上且未被撤銷.
func (m *Manager) IsTrusted(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	level := m.levels[deviceID]
	return level == LevelTrusted || level == LevelVerified
}

// IsDenied 判斷裝置是否應被拒絕（Unknown 與 Revoked 同等對待）.
func (m *Manager) IsDenied(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	level := m.levels[deviceID]
	return level == LevelUnknown || level == LevelRevoked
}

// RevokeTrust 撤銷裝置信任（進入吸收態）.
func (m *Manager) RevokeTrust(deviceID string) {
	m.mu.Lock()
	m.levels[deviceID] = LevelRevoked
	m.mu.Unlock()

	if m.audit != nil {
		m.audit.Record(audit.EventTrustRevoked, audit.SeverityWarning,
			"device trust revoked",
			audit.WithTarget(deviceID))
	}
}

// Forget 移除裝置的信任條目.
// 僅供重新簽發流程使用：撤銷後以全新條目重建信任，而非解除吸收態.
func (m *Manager) Forget(deviceID string) {
	m.mu.Lock()
	delete(m.levels, deviceID)
	m.mu.Unlock()
}

// ListTrusted 列出所有 Trusted 以上的裝置 ID.
func (m *Manager) ListTrusted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for id, level := range m.levels {
		if level == LevelTrusted || level == LevelVerified {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot 回傳所有裝置的信任等級副本（供管理 API 使用）.
func (m *Manager) Snapshot() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Level, len(m.levels))
	for id, level := range m.levels {
		out[id] = level
	}
	return out
}
