package certificate

import (
	"fmt"
	"sync"
	"time"
)

// DistributionStatus 撤銷記錄的分發狀態.
// 合法轉移：pending → distributing → distributed | failed.
type DistributionStatus string

const (
	DistributionPending      DistributionStatus = "pending"
	DistributionDistributing DistributionStatus = "distributing"
	DistributionDistributed  DistributionStatus = "distributed"
	DistributionFailed       DistributionStatus = "failed"
)

// Revocation 憑證撤銷記錄.
// 建立後除 Status 外皆不可變.
type Revocation struct {
	ID              string             `json:"id"`
	CertificateID   string             `json:"certificate_id"` // 被撤銷憑證的序號
	DeviceID        string             `json:"device_id"`
	RevokedAt       time.Time          `json:"revoked_at"`
	Reason          string             `json:"reason"`
	RevokedByDevice string             `json:"revoked_by_device"`
	Status          DistributionStatus `json:"status"`
}

// RevocationList 撤銷列表，按憑證序號索引.
type RevocationList struct {
	mu       sync.RWMutex
	bySerial map[string]*Revocation
	byDevice map[string]*Revocation
}

// NewRevocationList 創建撤銷列表.
func NewRevocationList() *RevocationList {
	return &RevocationList{
		bySerial: make(map[string]*Revocation),
		byDevice: make(map[string]*Revocation),
	}
}

// Add 加入撤銷記錄.
func (rl *RevocationList) Add(rev *Revocation) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.bySerial[rev.CertificateID] = rev
	rl.byDevice[rev.DeviceID] = rev
}

// IsRevoked 判斷憑證序號是否已撤銷.
func (rl *RevocationList) IsRevoked(serialNumber string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	_, ok := rl.bySerial[serialNumber]
	return ok
}

// ForDevice 取得裝置最近一筆撤銷記錄.
func (rl *RevocationList) ForDevice(deviceID string) *Revocation {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.byDevice[deviceID]
}

// Remove 移除裝置的撤銷記錄（重新簽發時使用）.
func (rl *RevocationList) Remove(deviceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rev, ok := rl.byDevice[deviceID]; ok {
		delete(rl.bySerial, rev.CertificateID)
		delete(rl.byDevice, deviceID)
	}
}

// All 回傳所有撤銷記錄的副本.
func (rl *RevocationList) All() []*Revocation {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make([]*Revocation, 0, len(rl.bySerial))
	for _, rev := range rl.bySerial {
		out = append(out, rev)
	}
	return out
}

// transition 分發狀態轉移表.
var transition = map[DistributionStatus][]DistributionStatus{
	DistributionPending:      {DistributionDistributing},
	DistributionDistributing: {DistributionDistributed, DistributionFailed},
}

// SetStatus 執行分發狀態轉移；非法轉移回傳錯誤.
func (rl *RevocationList) SetStatus(rev *Revocation, next DistributionStatus) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, allowed := range transition[rev.Status] {
		if allowed == next {
			rev.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid distribution status transition: %s -> %s", rev.Status, next)
}
