package certificate

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// KeyUsage 憑證密鑰用途.
type KeyUsage string

const (
	UsageIdentity    KeyUsage = "identity"     // 身份證明簽章
	UsageKeyExchange KeyUsage = "key_exchange" // 密鑰交換請求簽章
	UsageRevelation  KeyUsage = "revelation"   // 身份揭露證明簽章
)

// DeviceCertificate 自簽裝置憑證.
// 憑證由 Certificate Manager 獨佔持有，其他組件只取得唯讀副本；
// 有效性 = 當前時間落在 [ValidFrom, ValidUntil] 且不在撤銷列表中.
type DeviceCertificate struct {
	DeviceID     string     `json:"device_id"`
	PublicKey    []byte     `json:"public_key"` // Ed25519 公鑰 (32 bytes)
	Issuer       string     `json:"issuer"`
	Subject      string     `json:"subject"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   time.Time  `json:"valid_until"`
	Signature    []byte     `json:"signature"` // Ed25519 簽章，覆蓋 CanonicalBody
	SerialNumber string     `json:"serial_number"`
	KeyUsage     []KeyUsage `json:"key_usage"`
}

// CanonicalBody 回傳簽章覆蓋的規範化位元組.
// 欄位以固定順序序列化為 key=value 字串，保證 verify 能重算出
// 與簽章時完全相同的位元組.
func (c *DeviceCertificate) CanonicalBody() []byte {
	usage := make([]string, len(c.KeyUsage))
	for i, u := range c.KeyUsage {
		usage[i] = string(u)
	}
	body := fmt.Sprintf("device=%s;serial=%s;issuer=%s;subject=%s;nbf=%d;naf=%d;pub=%s;usage=%s",
		c.DeviceID,
		c.SerialNumber,
		c.Issuer,
		c.Subject,
		c.ValidFrom.Unix(),
		c.ValidUntil.Unix(),
		base64.RawURLEncoding.EncodeToString(c.PublicKey),
		strings.Join(usage, ","),
	)
	return []byte(body)
}

// Sign 以裝置私鑰對憑證主體簽章（自簽憑證）.
func (c *DeviceCertificate) Sign(priv ed25519.PrivateKey) {
	digest := sha256.Sum256(c.CanonicalBody())
	c.Signature = ed25519.Sign(priv, digest[:])
}

// VerifySignature 以憑證內的公鑰驗證簽章.
func (c *DeviceCertificate) VerifySignature() bool {
	if len(c.PublicKey) != ed25519.PublicKeySize || len(c.Signature) == 0 {
		return false
	}
	digest := sha256.Sum256(c.CanonicalBody())
	return ed25519.Verify(ed25519.PublicKey(c.PublicKey), digest[:], c.Signature)
}

// IsValidAt 判斷時間點是否落在有效期內（不含撤銷檢查）.
func (c *DeviceCertificate) IsValidAt(now time.Time) bool {
	return !now.Before(c.ValidFrom) && !now.After(c.ValidUntil)
}

// HasUsage 判斷憑證是否標記了指定用途.
func (c *DeviceCertificate) HasUsage(usage KeyUsage) bool {
	for _, u := range c.KeyUsage {
		if u == usage {
			return true
		}
	}
	return false
}

// Clone 回傳唯讀副本，避免呼叫方改動管理器內部狀態.
func (c *DeviceCertificate) Clone() *DeviceCertificate {
	cp := *c
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	cp.Signature = append([]byte(nil), c.Signature...)
	cp.KeyUsage = append([]KeyUsage(nil), c.KeyUsage...)
	return &cp
}

// VerifyDataSignature 驗證由憑證持有者簽出的任意資料簽章.
func VerifyDataSignature(cert *DeviceCertificate, data, sig []byte) bool {
	if cert == nil || len(cert.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	digest := sha256.Sum256(data)
	return ed25519.Verify(ed25519.PublicKey(cert.PublicKey), digest[:], sig)
}

// SignData 以私鑰對任意資料簽章（SHA-256 摘要後 Ed25519）.
func SignData(priv ed25519.PrivateKey, data []byte) []byte {
	digest := sha256.Sum256(data)
	return ed25519.Sign(priv, digest[:])
}
