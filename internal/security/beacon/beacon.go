package beacon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"proximity-gateway/internal/security/certificate"
)

const (
	// IdentifierLength 匿名識別碼長度.
	IdentifierLength = 16
	// CommitmentLength 承諾長度.
	CommitmentLength = 32
	// SecretLength Beacon 秘密長度.
	SecretLength = 32
)

// AnonymousBeacon 不可關聯的近距離令牌.
// 識別碼與承諾由單向帶密鑰函數從秘密導出；不同秘密產生的識別碼
// 在計算上不可關聯，這是反追蹤的基礎.
type AnonymousBeacon struct {
	ID               []byte            `json:"id"`         // 16 bytes 匿名識別碼
	Commitment       []byte            `json:"commitment"` // 32 bytes 承諾，綁定持有的秘密
	CreatedAt        time.Time         `json:"created_at"`
	RotationInterval time.Duration     `json:"rotation_interval"`
	Capabilities     map[string]string `json:"capabilities,omitempty"`
}

// IsExpired 判斷 beacon 是否過期：now − CreatedAt > RotationInterval.
// 過期的 beacon 不得用於身份揭露.
func (b *AnonymousBeacon) IsExpired(now time.Time) bool {
	return now.Sub(b.CreatedAt) > b.RotationInterval
}

// IDHash 識別碼的 SHA-256 雜湊（hex），作為秘密存儲的索引鍵.
func (b *AnonymousBeacon) IDHash() string {
	return HashIdentifier(b.ID)
}

// HashIdentifier 計算識別碼雜湊索引鍵.
func HashIdentifier(id []byte) string {
	digest := sha256.Sum256(id)
	return hex.EncodeToString(digest[:])
}

// Secret 與 beacon 對應的持有秘密.
// 秘密的保留時間獨立於 beacon 的廣播壽命：輪換後仍需保留一段時間
// 以回應延遲到達的揭露請求，但不可無限保留.
type Secret struct {
	DeviceID  string
	Value     []byte
	CreatedAt time.Time
}

// Detection 掃描到的一筆 beacon 偵測.
type Detection struct {
	Beacon            *AnonymousBeacon
	DetectedAt        time.Time
	SignalStrength    float64
	EstimatedDistance *float64 // 公尺；無法估計時為 nil
}

// deriveParts HMAC-SHA256 帶密鑰導出：以秘密為密鑰、
// 標籤加上大端序 unix 時間戳為輸入，分別導出識別碼與承諾.
func deriveParts(secret []byte, createdAt time.Time) (id, commitment []byte) {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(createdAt.Unix()))

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("beacon-id"))
	mac.Write(ts)
	id = mac.Sum(nil)[:IdentifierLength]

	mac = hmac.New(sha256.New, secret)
	mac.Write([]byte("beacon-commit"))
	mac.Write(ts)
	commitment = mac.Sum(nil)[:CommitmentLength]
	return id, commitment
}

// NewFromSecret 以既有秘密導出 beacon（供誘餌生成與驗證重算使用）.
// rotationInterval 為零時沿用預設 5 分鐘.
func NewFromSecret(secret []byte, createdAt time.Time, rotationInterval time.Duration) *AnonymousBeacon {
	if rotationInterval <= 0 {
		rotationInterval = 5 * time.Minute
	}
	id, commitment := deriveParts(secret, createdAt)
	return &AnonymousBeacon{
		ID:               id,
		Commitment:       commitment,
		CreatedAt:        createdAt,
		RotationInterval: rotationInterval,
	}
}

// VerifySecretBinding 驗證秘密確實導出了該 beacon 的識別碼與承諾.
// 揭露方交出秘密後，驗證方以此確認對方是 beacon 的真正持有者.
func VerifySecretBinding(secret []byte, b *AnonymousBeacon) bool {
	if len(secret) != SecretLength || b == nil {
		return false
	}
	id, commitment := deriveParts(secret, b.CreatedAt)
	return hmac.Equal(id, b.ID) && hmac.Equal(commitment, b.Commitment)
}

// ChallengeResponse 計算挑戰回應：HMAC-SHA256 以 beacon 秘密為密鑰.
func ChallengeResponse(secret, challenge []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("challenge-response"))
	mac.Write(challenge)
	return mac.Sum(nil)
}

// VerifyChallengeResponse 驗證挑戰回應（常數時間比較）.
func VerifyChallengeResponse(secret, challenge, response []byte) bool {
	return hmac.Equal(ChallengeResponse(secret, challenge), response)
}

// IdentityRevelation 將 beacon 綁定到憑證持有者的身份證明.
type IdentityRevelation struct {
	DeviceID     string                         `json:"device_id"`
	Certificate  *certificate.DeviceCertificate `json:"certificate"`
	BeaconIDHash string                         `json:"beacon_id_hash"`
	Proof        []byte                         `json:"proof"` // Ed25519 簽章，覆蓋 ProofPayload
	Timestamp    time.Time                      `json:"timestamp"`
	Nonce        []byte                         `json:"nonce"`
}

// ProofPayload 簽章覆蓋的規範化位元組.
func (r *IdentityRevelation) ProofPayload() []byte {
	body := fmt.Sprintf("reveal;device=%s;beacon=%s;ts=%d;nonce=%s",
		r.DeviceID,
		r.BeaconIDHash,
		r.Timestamp.Unix(),
		base64.RawURLEncoding.EncodeToString(r.Nonce),
	)
	return []byte(body)
}
