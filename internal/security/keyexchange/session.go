package keyexchange

import (
	"time"
)

// SessionKey 一次密鑰交換產生的會話密鑰材料.
// 加密密鑰與 MAC 密鑰由同一次 HKDF 輸出切分，互不重疊；
// 時間線不變量：EstablishedAt < RotateAfter < ExpiresAt.
type SessionKey struct {
	SessionID     string    `json:"session_id"`
	LocalDevice   string    `json:"local_device"`
	PeerDevice    string    `json:"peer_device"`
	EncryptionKey []byte    `json:"-"` // 32 bytes AES-256
	MACKey        []byte    `json:"-"` // 32 bytes HMAC-SHA256
	EstablishedAt time.Time `json:"established_at"`
	RotateAfter   time.Time `json:"rotate_after"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NeedsRotation 判斷是否已越過輪換門檻（仍可使用，但應盡快重新交換）.
func (s *SessionKey) NeedsRotation(now time.Time) bool {
	return now.After(s.RotateAfter)
}

// IsExpired 判斷是否已越過硬性到期時間（不得再使用）.
func (s *SessionKey) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Zero 清除密鑰材料.
func (s *SessionKey) Zero() {
	for i := range s.EncryptionKey {
		s.EncryptionKey[i] = 0
	}
	for i := range s.MACKey {
		s.MACKey[i] = 0
	}
}

// clone 回傳副本（密鑰材料另行複製）.
func (s *SessionKey) clone() *SessionKey {
	cp := *s
	cp.EncryptionKey = append([]byte(nil), s.EncryptionKey...)
	cp.MACKey = append([]byte(nil), s.MACKey...)
	return &cp
}

// Meta 會話的非敏感中繼資料（供管理 API 使用，不含密鑰材料）.
type Meta struct {
	SessionID     string    `json:"session_id"`
	PeerDevice    string    `json:"peer_device"`
	EstablishedAt time.Time `json:"established_at"`
	RotateAfter   time.Time `json:"rotate_after"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Meta 取出中繼資料.
func (s *SessionKey) Meta() Meta {
	return Meta{
		SessionID:     s.SessionID,
		PeerDevice:    s.PeerDevice,
		EstablishedAt: s.EstablishedAt,
		RotateAfter:   s.RotateAfter,
		ExpiresAt:     s.ExpiresAt,
	}
}
