package trust

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
)

// Permission 裝置間授權的操作類型.
type Permission string

const (
	PermissionSendMessage  Permission = "send_message"
	PermissionReadStatus   Permission = "read_status"
	PermissionShareSession Permission = "share_session"
	PermissionAdminister   Permission = "administer"
)

// Grant 一筆權限授予記錄.
// ExpiresAt 非零且已過期的授予視同不存在；讀取時惰性判斷，
// 定期掃描再實際刪除.
type Grant struct {
	DeviceID   string     `json:"device_id"`
	Permission Permission `json:"permission"`
	Resource   string     `json:"resource,omitempty"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// expired 判斷授予是否已過期.
func (g *Grant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// PermissionStore 權限授予存儲.
type PermissionStore struct {
	mu     sync.RWMutex
	grants map[string][]*Grant // deviceID -> 授予列表
	trust  *Manager
	audit  *audit.Log
	clock  clockwork.Clock
}

// NewPermissionStore 創建權限存儲.
func NewPermissionStore(trustMgr *Manager, auditLog *audit.Log, clock clockwork.Clock) *PermissionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PermissionStore{
		grants: make(map[string][]*Grant),
		trust:  trustMgr,
		audit:  auditLog,
		clock:  clock,
	}
}

// Grant 授予權限.
func (ps *PermissionStore) Grant(deviceID string, perm Permission, resource, grantedBy string, ttl time.Duration) *Grant {
	grant := &Grant{
		DeviceID:   deviceID,
		Permission: perm,
		Resource:   resource,
		GrantedBy:  grantedBy,
		GrantedAt:  ps.clock.Now(),
	}
	if ttl > 0 {
		expiry := ps.clock.Now().Add(ttl)
		grant.ExpiresAt = &expiry
	}

	ps.mu.Lock()
	ps.grants[deviceID] = append(ps.grants[deviceID], grant)
	ps.mu.Unlock()

	if ps.audit != nil {
		ps.audit.Record(audit.EventPermissionGranted, audit.SeverityInfo,
			"permission granted",
			audit.WithSource(grantedBy),
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{
				"permission": string(perm),
				"resource":   resource,
			}))
	}
	return grant
}

// HasPermission 檢查裝置是否持有有效授予.
// 未受信任（Unknown/Revoked 同等）的裝置一律拒絕；過期授予惰性視為不存在.
func (ps *PermissionStore) HasPermission(deviceID string, perm Permission, resource string) bool {
	if ps.trust != nil && !ps.trust.IsTrusted(deviceID) {
		return false
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	now := ps.clock.Now()
	for _, g := range ps.grants[deviceID] {
		if g.Permission != perm {
			continue
		}
		if g.Resource != "" && g.Resource != resource {
			continue
		}
		if g.expired(now) {
			continue
		}
		return true
	}
	return false
}

// Revoke 撤銷裝置的某項權限，回傳移除的授予數.
func (ps *PermissionStore) Revoke(deviceID string, perm Permission) int {
	ps.mu.Lock()
	kept := make([]*Grant, 0)
	removed := 0
	for _, g := range ps.grants[deviceID] {
		if g.Permission == perm {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		delete(ps.grants, deviceID)
	} else {
		ps.grants[deviceID] = kept
	}
	ps.mu.Unlock()

	if removed > 0 && ps.audit != nil {
		ps.audit.Record(audit.EventPermissionRevoked, audit.SeverityInfo,
			"permission revoked",
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{"permission": string(perm)}))
	}
	return removed
}

// CleanupExpired 定期掃描，實際刪除過期授予，回傳移除數量.
func (ps *PermissionStore) CleanupExpired() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	removed := 0
	for deviceID, grants := range ps.grants {
		kept := grants[:0]
		for _, g := range grants {
			if g.expired(now) {
				removed++
				continue
			}
			kept = append(kept, g)
		}
		if len(kept) == 0 {
			delete(ps.grants, deviceID)
		} else {
			ps.grants[deviceID] = kept
		}
	}
	return removed
}
