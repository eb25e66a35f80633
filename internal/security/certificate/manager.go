package certificate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
)

// Distributor 撤銷記錄分發器（由傳輸層實作）.
type Distributor interface {
	DistributeRevocation(ctx context.Context, rev *Revocation) error
}

// RenewalAttempt 一次續期嘗試的記錄.
type RenewalAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// maxRenewalHistory 每裝置保留的續期歷史筆數.
const maxRenewalHistory = 10

// Manager 憑證生命週期管理器.
// 簽發、續期、撤銷並持久化自簽裝置憑證；憑證物件由本管理器獨佔持有，
// 對外只交出唯讀副本. 每個內部結構各自持鎖，避免不相關裝置的操作互相序列化.
type Manager struct {
	mu      sync.RWMutex
	certs   map[string]*DeviceCertificate // deviceID -> 當前憑證
	keys    map[string]ed25519.PrivateKey // deviceID -> 本地持有的私鑰
	history map[string][]*RenewalAttempt  // deviceID -> 續期歷史（最近 10 筆）

	revocations *RevocationList
	trust       *trust.Manager
	audit       *audit.Log
	store       *Store // 可為 nil（純記憶體模式）
	distributor Distributor
	clock       clockwork.Clock
	validity    time.Duration
	issuerName  string
}

// Options 管理器建構選項.
type Options struct {
	Trust       *trust.Manager
	Audit       *audit.Log
	Store       *Store
	Distributor Distributor
	Clock       clockwork.Clock
	Validity    time.Duration // 預設 365 天
	IssuerName  string
}

// NewManager 創建憑證生命週期管理器.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Validity <= 0 {
		opts.Validity = 365 * 24 * time.Hour
	}
	if opts.IssuerName == "" {
		opts.IssuerName = "proximity-gateway"
	}
	return &Manager{
		certs:       make(map[string]*DeviceCertificate),
		keys:        make(map[string]ed25519.PrivateKey),
		history:     make(map[string][]*RenewalAttempt),
		revocations: NewRevocationList(),
		trust:       opts.Trust,
		audit:       opts.Audit,
		store:       opts.Store,
		distributor: opts.Distributor,
		clock:       opts.Clock,
		validity:    opts.Validity,
		issuerName:  opts.IssuerName,
	}
}

// SetDistributor 設定撤銷分發器.
// 分發器依賴傳輸層，而傳輸層的編排在管理器建構之後才完成，
// 因此允許事後接上.
func (m *Manager) SetDistributor(d Distributor) {
	m.mu.Lock()
	m.distributor = d
	m.mu.Unlock()
}

// newCertificate 生成密鑰對並構建已簽章的憑證（不進入存儲）.
func (m *Manager) newCertificate(deviceID string) (*DeviceCertificate, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key generation: %v", secerr.ErrCryptoFailure, err)
	}

	now := m.clock.Now()
	cert := &DeviceCertificate{
		DeviceID:     deviceID,
		PublicKey:    []byte(pub),
		Issuer:       m.issuerName,
		Subject:      deviceID,
		ValidFrom:    now,
		ValidUntil:   now.Add(m.validity),
		SerialNumber: uuid.New().String(),
		KeyUsage:     []KeyUsage{UsageIdentity, UsageKeyExchange, UsageRevelation},
	}
	cert.Sign(priv)
	return cert, priv, nil
}

// Issue 為裝置簽發全新的自簽憑證.
// 只在密鑰生成或持久化失敗時回傳錯誤（致命，向上拋出）.
// 對已撤銷的裝置簽發視為全新的身份週期：清除舊撤銷與舊信任條目.
func (m *Manager) Issue(ctx context.Context, deviceID string) (*DeviceCertificate, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID cannot be empty")
	}

	cert, priv, err := m.newCertificate(deviceID)
	if err != nil {
		return nil, err
	}

	// 全新身份週期：舊撤銷記錄與信任吸收態不再適用
	m.revocations.Remove(deviceID)
	if m.trust != nil {
		if m.trust.TrustLevel(deviceID) == trust.LevelRevoked {
			m.trust.Forget(deviceID)
		}
	}

	m.mu.Lock()
	m.certs[deviceID] = cert
	m.keys[deviceID] = priv
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveCertificate(ctx, cert); err != nil {
			return nil, fmt.Errorf("certificate persistence failed: %w", err)
		}
	}

	if m.audit != nil {
		m.audit.Record(audit.EventCertificateIssued, audit.SeverityInfo,
			"device certificate issued",
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{
				"serial":      cert.SerialNumber,
				"valid_until": cert.ValidUntil,
			}))
	}

	return cert.Clone(), nil
}

// recordRenewalAttempt 記錄一次續期嘗試，保留最近 10 筆.
func (m *Manager) recordRenewalAttempt(deviceID string, success bool, attemptErr error) {
	attempt := &RenewalAttempt{
		Timestamp: m.clock.Now(),
		Success:   success,
	}
	if attemptErr != nil {
		attempt.Error = attemptErr.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[deviceID], attempt)
	if len(hist) > maxRenewalHistory {
		hist = hist[len(hist)-maxRenewalHistory:]
	}
	m.history[deviceID] = hist
}

// Renew 續期裝置憑證.
// 裝置必須處於受信任狀態，否則以 NotTrusted 失敗.
// 重試下冪等：存儲永遠保存最後一次成功寫入的憑證，重複續期不會破壞狀態.
func (m *Manager) Renew(ctx context.Context, deviceID string) (*DeviceCertificate, error) {
	if m.trust != nil && !m.trust.IsTrusted(deviceID) {
		err := fmt.Errorf("%w: cannot renew certificate for %s", secerr.ErrNotTrusted, deviceID)
		m.recordRenewalAttempt(deviceID, false, err)
		return nil, err
	}

	cert, priv, err := m.newCertificate(deviceID)
	if err != nil {
		m.recordRenewalAttempt(deviceID, false, err)
		return nil, err
	}

	// 續期不改變裝置身份：整體替換憑證物件
	m.mu.Lock()
	m.certs[deviceID] = cert
	m.keys[deviceID] = priv
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveCertificate(ctx, cert); err != nil {
			m.recordRenewalAttempt(deviceID, false, err)
			return nil, fmt.Errorf("certificate persistence failed: %w", err)
		}
	}

	m.recordRenewalAttempt(deviceID, true, nil)

	if m.audit != nil {
		m.audit.Record(audit.EventCertificateRenewed, audit.SeverityInfo,
			"device certificate renewed",
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{"serial": cert.SerialNumber}))
	}

	return cert.Clone(), nil
}

// RenewalHistory 回傳裝置的續期歷史副本.
func (m *Manager) RenewalHistory(deviceID string) []*RenewalAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*RenewalAttempt(nil), m.history[deviceID]...)
}

// CheckExpiry 掃描受信任裝置的憑證，回傳距到期不足 threshold 的憑證.
// 每一筆都寫入審計：尚未過期的記 CERTIFICATE_EXPIRING_SOON（warning）、
// 已過期的記 CERTIFICATE_EXPIRED（critical）.
func (m *Manager) CheckExpiry(threshold time.Duration) []*DeviceCertificate {
	now := m.clock.Now()

	m.mu.RLock()
	expiring := make([]*DeviceCertificate, 0)
	for deviceID, cert := range m.certs {
		if m.trust != nil && !m.trust.IsTrusted(deviceID) {
			continue
		}
		if cert.ValidUntil.Sub(now) <= threshold {
			expiring = append(expiring, cert.Clone())
		}
	}
	m.mu.RUnlock()

	for _, cert := range expiring {
		if m.audit == nil {
			break
		}
		if now.After(cert.ValidUntil) {
			m.audit.Record(audit.EventCertificateExpired, audit.SeverityCritical,
				"device certificate has expired",
				audit.WithTarget(cert.DeviceID),
				audit.WithDetails(map[string]interface{}{"serial": cert.SerialNumber}))
		} else {
			m.audit.Record(audit.EventCertificateExpiringSoon, audit.SeverityWarning,
				"device certificate expiring soon",
				audit.WithTarget(cert.DeviceID),
				audit.WithDetails(map[string]interface{}{
					"serial":      cert.SerialNumber,
					"valid_until": cert.ValidUntil,
				}))
		}
	}

	return expiring
}

// Revoke 撤銷裝置憑證.
// 與信任狀態的聯動是原子的：撤銷完成後任何組件都不可能再觀察到
// 該裝置為受信任，除非重新簽發全新憑證.
func (m *Manager) Revoke(ctx context.Context, deviceID, reason, revokedBy string) (*Revocation, error) {
	m.mu.Lock()
	cert, ok := m.certs[deviceID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no certificate for device %s", secerr.ErrNotFound, deviceID)
	}

	rev := &Revocation{
		ID:              uuid.New().String(),
		CertificateID:   cert.SerialNumber,
		DeviceID:        deviceID,
		RevokedAt:       m.clock.Now(),
		Reason:          reason,
		RevokedByDevice: revokedBy,
		Status:          DistributionPending,
	}

	// 撤銷列表、信任撤銷與憑證移除在持鎖期間完成，杜絕觀察到中間態
	m.revocations.Add(rev)
	delete(m.certs, deviceID)
	delete(m.keys, deviceID)
	m.mu.Unlock()

	if m.trust != nil {
		m.trust.RevokeTrust(deviceID)
	}

	if m.store != nil {
		if err := m.store.DeleteCertificate(ctx, deviceID); err != nil && m.audit != nil {
			// 持久層刪除失敗不回滾記憶體狀態；下一次清理掃描會重試
			m.audit.Record(audit.EventCertificateRevoked, audit.SeverityError,
				"failed to remove revoked certificate from store",
				audit.WithTarget(deviceID), audit.WithError(err))
		}
		if err := m.store.SaveRevocation(ctx, rev); err != nil && m.audit != nil {
			m.audit.Record(audit.EventCertificateRevoked, audit.SeverityError,
				"failed to persist revocation record",
				audit.WithTarget(deviceID), audit.WithError(err))
		}
	}

	if m.audit != nil {
		m.audit.Record(audit.EventCertificateRevoked, audit.SeverityWarning,
			"device certificate revoked",
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{
				"serial": rev.CertificateID,
				"reason": reason,
			}))
	}

	// 分發撤銷記錄：pending → distributing → distributed | failed
	if err := m.revocations.SetStatus(rev, DistributionDistributing); err != nil {
		return rev, nil
	}
	m.mu.RLock()
	distributor := m.distributor
	m.mu.RUnlock()
	if distributor != nil {
		if err := distributor.DistributeRevocation(ctx, rev); err != nil {
			_ = m.revocations.SetStatus(rev, DistributionFailed)
			if m.audit != nil {
				m.audit.Record(audit.EventCertificateRevoked, audit.SeverityError,
					"revocation distribution failed",
					audit.WithTarget(deviceID), audit.WithError(err))
			}
			return rev, nil
		}
	}
	_ = m.revocations.SetStatus(rev, DistributionDistributed)

	return rev, nil
}

// AcceptRevocation 採納對端分發來的撤銷記錄.
// 本機視角的聯動與 Revoke 相同：撤銷列表、憑證移除與信任撤銷一併完成；
// 重複收到同一筆記錄冪等.
func (m *Manager) AcceptRevocation(ctx context.Context, rev *Revocation) error {
	if rev == nil || rev.DeviceID == "" {
		return fmt.Errorf("revocation record cannot be empty")
	}

	m.mu.Lock()
	alreadyRevoked := m.revocations.IsRevoked(rev.CertificateID)
	if !alreadyRevoked {
		accepted := *rev
		accepted.Status = DistributionDistributed
		m.revocations.Add(&accepted)
	}
	delete(m.certs, rev.DeviceID)
	delete(m.keys, rev.DeviceID)
	m.mu.Unlock()

	if alreadyRevoked {
		return nil
	}

	if m.trust != nil {
		m.trust.RevokeTrust(rev.DeviceID)
	}

	if m.store != nil {
		if err := m.store.SaveRevocation(ctx, rev); err != nil && m.audit != nil {
			m.audit.Record(audit.EventCertificateRevoked, audit.SeverityError,
				"failed to persist distributed revocation",
				audit.WithTarget(rev.DeviceID), audit.WithError(err))
		}
	}

	if m.audit != nil {
		m.audit.Record(audit.EventCertificateRevoked, audit.SeverityWarning,
			"distributed revocation accepted",
			audit.WithSource(rev.RevokedByDevice),
			audit.WithTarget(rev.DeviceID),
			audit.WithDetails(map[string]interface{}{
				"serial": rev.CertificateID,
				"reason": rev.Reason,
			}))
	}
	return nil
}

// HandleCompromise 處理密鑰洩露事件.
// 記錄 CRITICAL 事件後直接委派給 Revoke；此路徑永不重試、永不防抖——
// 洩露處理的優先級高於任何進行中的續期.
func (m *Manager) HandleCompromise(ctx context.Context, deviceID, evidence string) (*Revocation, error) {
	if m.audit != nil {
		m.audit.Record(audit.EventCompromiseDetected, audit.SeverityCritical,
			"device key compromise reported",
			audit.WithTarget(deviceID),
			audit.WithDetails(map[string]interface{}{"evidence": evidence}))
	}
	return m.Revoke(ctx, deviceID, fmt.Sprintf("compromise: %s", evidence), deviceID)
}

// CleanupExpired 移除 validUntil 已過的憑證與對應信任條目，回傳移除數量.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	removed := make([]string, 0)
	for deviceID, cert := range m.certs {
		if now.After(cert.ValidUntil) {
			delete(m.certs, deviceID)
			delete(m.keys, deviceID)
			removed = append(removed, deviceID)
		}
	}
	m.mu.Unlock()

	for _, deviceID := range removed {
		if m.trust != nil {
			m.trust.Forget(deviceID)
		}
		if m.store != nil {
			// 清理失敗只記錄不阻塞，下一輪掃描會重試
			if err := m.store.DeleteCertificate(ctx, deviceID); err != nil && m.audit != nil {
				m.audit.Record(audit.EventCleanupPerformed, audit.SeverityError,
					"failed to remove expired certificate from store",
					audit.WithTarget(deviceID), audit.WithError(err))
			}
		}
	}

	if m.audit != nil {
		m.audit.Record(audit.EventCleanupPerformed, audit.SeverityInfo,
			"expired certificate cleanup performed",
			audit.WithDetails(map[string]interface{}{"removed": len(removed)}))
	}

	return len(removed)
}

// Certificate 取得裝置憑證的唯讀副本.
func (m *Manager) Certificate(deviceID string) (*DeviceCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cert, ok := m.certs[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: no certificate for device %s", secerr.ErrNotFound, deviceID)
	}
	return cert.Clone(), nil
}

// RegisterPeerCertificate 登記經驗證的遠端裝置憑證（唯讀持有，無私鑰）.
func (m *Manager) RegisterPeerCertificate(cert *DeviceCertificate) error {
	if cert == nil {
		return fmt.Errorf("certificate cannot be nil")
	}
	if !cert.VerifySignature() {
		return fmt.Errorf("%w: peer certificate self-signature", secerr.ErrSignatureInvalid)
	}

	m.mu.Lock()
	m.certs[cert.DeviceID] = cert.Clone()
	m.mu.Unlock()
	return nil
}

// SignData 以裝置的憑證私鑰對資料簽章（供身份揭露與密鑰交換使用）.
func (m *Manager) SignData(deviceID string, data []byte) ([]byte, error) {
	m.mu.RLock()
	priv, ok := m.keys[deviceID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no private key for device %s", secerr.ErrNotFound, deviceID)
	}
	return SignData(priv, data), nil
}

// VerifyCertificate 完整驗證憑證：自簽章、有效期窗口與撤銷列表.
func (m *Manager) VerifyCertificate(cert *DeviceCertificate) error {
	if cert == nil {
		return fmt.Errorf("%w: certificate is nil", secerr.ErrNotFound)
	}
	if !cert.VerifySignature() {
		return fmt.Errorf("%w: certificate self-signature", secerr.ErrSignatureInvalid)
	}
	if !cert.IsValidAt(m.clock.Now()) {
		return fmt.Errorf("%w: certificate outside validity window", secerr.ErrExpired)
	}
	if m.revocations.IsRevoked(cert.SerialNumber) {
		return fmt.Errorf("%w: certificate %s revoked", secerr.ErrNotTrusted, cert.SerialNumber)
	}
	return nil
}

// Revocations 回傳撤銷列表.
func (m *Manager) Revocations() *RevocationList {
	return m.revocations
}

// LoadFromStore 啟動時從持久層載入憑證與撤銷記錄（私鑰不持久化，載入的
// 憑證一律視為唯讀的遠端副本）.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	certs, err := m.store.AllCertificates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load certificates: %w", err)
	}
	revs, err := m.store.AllRevocations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load revocations: %w", err)
	}

	m.mu.Lock()
	for _, cert := range certs {
		m.certs[cert.DeviceID] = cert
	}
	m.mu.Unlock()

	for _, rev := range revs {
		m.revocations.Add(rev)
	}
	return nil
}

// Snapshot 回傳所有憑證的唯讀副本（供管理 API 使用）.
func (m *Manager) Snapshot() []*DeviceCertificate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*DeviceCertificate, 0, len(m.certs))
	for _, cert := range m.certs {
		out = append(out, cert.Clone())
	}
	return out
}
