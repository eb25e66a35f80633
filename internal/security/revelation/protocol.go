package revelation

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/beacon"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/keyexchange"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
)

const (
	// ChallengeLength 挑戰 nonce 長度.
	ChallengeLength = 32
	// DefaultRequestTTL 揭露請求的有效期.
	DefaultRequestTTL = 5 * time.Minute
)

// Request 身份揭露請求.
// 請求是匿名的：請求方只亮出自己當前的 beacon（匿名對等原則），
// 不附憑證也不附裝置身份，被動觀察者與接收方在雙向揭露完成前
// 都無法得知請求方是誰.
type Request struct {
	ID              string                  `json:"id"`
	RequesterBeacon *beacon.AnonymousBeacon `json:"requester_beacon"`
	TargetBeacon    []byte                  `json:"target_beacon"` // 目標 beacon 識別碼
	Challenge       []byte                  `json:"challenge"`
	Timestamp       time.Time               `json:"timestamp"`
	ExpiresAt       time.Time               `json:"expires_at"`
}

// IsExpired 判斷請求是否過期.
func (r *Request) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Response 身份揭露回應.
// 接受時回應方交出身份證明、beacon 秘密與挑戰回應：秘密證明其確實
// 持有該 beacon，挑戰回應證明回應是針對本次請求新鮮計算的.
// 拒絕時回應保持同樣的外形：帶挑戰回應與否決結果，但不含身份資料，
// 觀察回應的人無法從形狀分辨拒絕原因.
type Response struct {
	RequestID         string                     `json:"request_id"`
	Accepted          bool                       `json:"accepted"`
	Reason            string                     `json:"reason,omitempty"`
	Revelation        *beacon.IdentityRevelation `json:"revelation,omitempty"`
	DisclosedSecret   []byte                     `json:"disclosed_secret,omitempty"`
	ChallengeResponse []byte                     `json:"challenge_response"`
	Timestamp         time.Time                  `json:"timestamp"`
}

// MutualResult 雙向認證的結果：兩個方向的揭露都驗證通過、且前向保密
// 會話建立完成後才產生.
// 保留兩個方向的身份證明與會話材料以便事後獨立複驗.
type MutualResult struct {
	LocalDevice     string
	PeerDevice      string
	PeerCert        *certificate.DeviceCertificate
	PeerRevelation  *beacon.IdentityRevelation
	LocalRevelation *beacon.IdentityRevelation
	SessionID       string
	SharedSecret    []byte
	CompletedAt     time.Time
}

// Peer 遠端對等方的揭露協議介面.
// 迴路測試中由另一個 Protocol 實例直接實作；跨裝置時由傳輸層適配器實作.
type Peer interface {
	RequestIdentityRevelation(targetBeacon *beacon.AnonymousBeacon) (*Request, error)
	RespondToRevelationRequest(req *Request) (*Response, error)
	VerifyRevelationResponse(resp *Response, target *beacon.AnonymousBeacon) (*certificate.DeviceCertificate, error)
	HandleKeyExchangeRequest(req *keyexchange.Request) (*keyexchange.Response, error)
}

// Protocol 身份揭露協議.
// 持有本機 beacon 引擎與反追蹤策略，管理進行中的揭露請求.
type Protocol struct {
	deviceID  string
	engine    *beacon.Engine
	authority beacon.Authority
	trust     *trust.Manager
	policy    *PolicyEnforcer
	exchanger *keyexchange.Exchanger
	audit     *audit.Log
	clock     clockwork.Clock
	ttl       time.Duration

	mu      sync.Mutex
	pending map[string]*Request // 本機發出、等待回應的請求
}

// ProtocolOptions 協議建構選項.
type ProtocolOptions struct {
	DeviceID   string
	Engine     *beacon.Engine
	Authority  beacon.Authority
	Trust      *trust.Manager
	Policy     *PolicyEnforcer
	Exchanger  *keyexchange.Exchanger
	Audit      *audit.Log
	Clock      clockwork.Clock
	RequestTTL time.Duration
}

// NewProtocol 創建揭露協議.
func NewProtocol(opts ProtocolOptions) *Protocol {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	return &Protocol{
		deviceID:  opts.DeviceID,
		engine:    opts.Engine,
		authority: opts.Authority,
		trust:     opts.Trust,
		policy:    opts.Policy,
		exchanger: opts.Exchanger,
		audit:     opts.Audit,
		clock:     opts.Clock,
		ttl:       opts.RequestTTL,
		pending:   make(map[string]*Request),
	}
}

// RequestIdentityRevelation 對偵測到的 beacon 發起揭露請求.
// 本機必須有活躍 beacon（匿名對等原則：不廣播者無權要求他人揭露）；
// 該 beacon 就是請求方在這筆請求中唯一亮出的東西.
func (p *Protocol) RequestIdentityRevelation(target *beacon.AnonymousBeacon) (*Request, error) {
	if target == nil {
		return nil, fmt.Errorf("target beacon cannot be nil")
	}
	current := p.engine.CurrentBeacon()
	if current == nil {
		return nil, fmt.Errorf("%w: cannot request revelation without an active beacon", secerr.ErrNoActiveBeacon)
	}

	challenge := make([]byte, ChallengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("%w: challenge generation: %v", secerr.ErrCryptoFailure, err)
	}

	now := p.clock.Now()
	req := &Request{
		ID:              uuid.New().String(),
		RequesterBeacon: current,
		TargetBeacon:    append([]byte(nil), target.ID...),
		Challenge:       challenge,
		Timestamp:       now,
		ExpiresAt:       now.Add(p.ttl),
	}

	p.mu.Lock()
	p.pending[req.ID] = req
	p.mu.Unlock()

	if p.audit != nil {
		p.audit.Record(audit.EventIdentityRequested, audit.SeverityInfo,
			"identity revelation requested",
			audit.WithSource(p.deviceID),
			audit.WithDetails(map[string]interface{}{
				"request_id":  req.ID,
				"beacon_hash": beacon.HashIdentifier(target.ID),
			}))
	}

	return req, nil
}

// verifyRequest 驗證收到的揭露請求：形狀、請求方 beacon 的新鮮度與有效期.
// 請求是匿名的，沒有簽章可驗；能驗的是請求方確實亮出了一個未過期的 beacon.
func (p *Protocol) verifyRequest(req *Request) error {
	if req == nil || req.RequesterBeacon == nil {
		return fmt.Errorf("%w: empty request", secerr.ErrSignatureInvalid)
	}
	if len(req.RequesterBeacon.ID) != beacon.IdentifierLength ||
		len(req.RequesterBeacon.Commitment) != beacon.CommitmentLength {
		return fmt.Errorf("%w: malformed requester beacon", secerr.ErrSignatureInvalid)
	}
	if len(req.Challenge) != ChallengeLength {
		return fmt.Errorf("%w: malformed challenge", secerr.ErrSignatureInvalid)
	}
	now := p.clock.Now()
	if req.IsExpired(now) {
		return fmt.Errorf("%w: revelation request %s", secerr.ErrExpired, req.ID)
	}
	if req.RequesterBeacon.IsExpired(now) {
		return fmt.Errorf("%w: requester beacon", secerr.ErrExpired)
	}
	return nil
}

// RespondToRevelationRequest 處理收到的揭露請求.
// 請求方以其 beacon 雜湊識別並經反追蹤策略裁決；拒絕時仍回傳同形
// 的拒絕回應（挑戰回應照算，身份資料不給）.
// 唯一的沉默路徑是本機不持有目標 beacon：非持有者不該對請求有任何反應.
func (p *Protocol) RespondToRevelationRequest(req *Request) (*Response, error) {
	if err := p.verifyRequest(req); err != nil {
		p.rejected(req, err)
		return p.refusal(req), err
	}

	if p.policy != nil {
		if err := p.policy.Allow(beacon.HashIdentifier(req.RequesterBeacon.ID)); err != nil {
			p.rejected(req, err)
			return p.refusal(req), err
		}
	}

	secret := p.engine.SecretFor(req.TargetBeacon)
	if secret == nil {
		err := fmt.Errorf("%w: beacon not held by this device", secerr.ErrNotFound)
		p.rejected(req, err)
		return nil, err
	}

	rev, err := p.engine.RevealIdentity(req.TargetBeacon, req.Challenge)
	if err != nil {
		p.rejected(req, err)
		return p.refusal(req), err
	}

	return &Response{
		RequestID:         req.ID,
		Accepted:          true,
		Revelation:        rev,
		DisclosedSecret:   append([]byte(nil), secret.Value...),
		ChallengeResponse: beacon.ChallengeResponse(secret.Value, req.Challenge),
		Timestamp:         p.clock.Now(),
	}, nil
}

// refusal 構造與接受回應同形的拒絕回應.
// 無論拒絕原因為何，挑戰回應照常以持有的秘密計算，理由固定為同一
// 字串：回應的形狀與內容都不洩漏裁決依據.
func (p *Protocol) refusal(req *Request) *Response {
	if req == nil {
		return nil
	}
	resp := &Response{
		RequestID: req.ID,
		Accepted:  false,
		Reason:    "revelation refused",
		Timestamp: p.clock.Now(),
	}
	if secret := p.engine.SecretFor(req.TargetBeacon); secret != nil {
		resp.ChallengeResponse = beacon.ChallengeResponse(secret.Value, req.Challenge)
	}
	return resp
}

// rejected 記錄一次拒絕的揭露請求；請求方以 beacon 雜湊記入審計.
func (p *Protocol) rejected(req *Request, cause error) {
	if p.audit == nil || req == nil {
		return
	}
	source := "unknown"
	if req.RequesterBeacon != nil {
		source = beacon.HashIdentifier(req.RequesterBeacon.ID)
	}
	p.audit.Record(audit.EventIdentityRejected, audit.SeverityWarning,
		"identity revelation request rejected",
		audit.WithSource(source),
		audit.WithTarget(p.deviceID),
		audit.WithError(cause))
}

// VerifyRevelationResponse 驗證揭露回應是否兌現了指定請求.
// 檢查順序：請求存在且未過期、否決結果、身份證明、秘密與 beacon 的
// 綁定、挑戰回應.
// 驗證通過後請求自 pending 移除（單次消費，重放視為未知請求），
// 初次相遇的對方裝置進入 Pending 信任等級.
func (p *Protocol) VerifyRevelationResponse(resp *Response, target *beacon.AnonymousBeacon) (*certificate.DeviceCertificate, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", secerr.ErrSignatureInvalid)
	}

	p.mu.Lock()
	req, ok := p.pending[resp.RequestID]
	if ok {
		delete(p.pending, resp.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no pending request %s", secerr.ErrNotFound, resp.RequestID)
	}
	if req.IsExpired(p.clock.Now()) {
		return nil, fmt.Errorf("%w: revelation request %s", secerr.ErrExpired, req.ID)
	}
	if !resp.Accepted {
		return nil, fmt.Errorf("%w: request %s", secerr.ErrRefused, req.ID)
	}
	if resp.Revelation == nil {
		return nil, fmt.Errorf("%w: accepted response without revelation", secerr.ErrSignatureInvalid)
	}

	if err := p.engine.VerifyIdentityRevelation(resp.Revelation, req.TargetBeacon); err != nil {
		return nil, err
	}
	if !beacon.VerifySecretBinding(resp.DisclosedSecret, target) {
		return nil, fmt.Errorf("%w: disclosed secret does not derive target beacon", secerr.ErrSignatureInvalid)
	}
	if !beacon.VerifyChallengeResponse(resp.DisclosedSecret, req.Challenge, resp.ChallengeResponse) {
		return nil, fmt.Errorf("%w: challenge response", secerr.ErrSignatureInvalid)
	}

	cert := resp.Revelation.Certificate.Clone()
	if p.trust != nil && p.trust.TrustLevel(cert.DeviceID) == trust.LevelUnknown {
		if err := p.trust.SetTrust(cert.DeviceID, trust.LevelPending); err != nil {
			return nil, fmt.Errorf("trust update: %w", err)
		}
	}
	return cert, nil
}

// HandleKeyExchangeRequest 代理本機交換器處理對端的密鑰交換請求.
// 雙向認證的收尾步驟經此入口觸達本機（跨裝置時由傳輸層適配器轉送）.
func (p *Protocol) HandleKeyExchangeRequest(req *keyexchange.Request) (*keyexchange.Response, error) {
	if p.exchanger == nil {
		return nil, fmt.Errorf("key exchange unavailable")
	}
	return p.exchanger.HandleKeyExchangeRequest(req)
}

// PerformMutualAuthentication 與對等方執行雙向揭露認證並建立會話.
// 全有或全無：任一步失敗時丟棄本次交換的全部臨時狀態並回傳首個錯誤.
// 兩個方向的揭露都驗證通過後（雙方各自把對方升到 Pending），
// 以前向保密密鑰交換收尾，結果綁定會話識別碼與共享密鑰.
func (p *Protocol) PerformMutualAuthentication(peer Peer, peerBeacon *beacon.AnonymousBeacon) (*MutualResult, error) {
	if p.exchanger == nil {
		return nil, fmt.Errorf("mutual auth: key exchange unavailable")
	}

	ourReq, err := p.RequestIdentityRevelation(peerBeacon)
	if err != nil {
		return nil, fmt.Errorf("mutual auth: outbound request: %w", err)
	}

	cleanup := func() {
		p.mu.Lock()
		delete(p.pending, ourReq.ID)
		p.mu.Unlock()
	}

	theirResp, err := peer.RespondToRevelationRequest(ourReq)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mutual auth: peer refused revelation: %w", err)
	}

	peerCert, err := p.VerifyRevelationResponse(theirResp, peerBeacon)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mutual auth: peer revelation invalid: %w", err)
	}

	// 反向：讓對方認證我們
	ourBeacon := p.engine.CurrentBeacon()
	if ourBeacon == nil {
		return nil, fmt.Errorf("%w: local beacon lost during mutual auth", secerr.ErrNoActiveBeacon)
	}
	theirReq, err := peer.RequestIdentityRevelation(ourBeacon)
	if err != nil {
		return nil, fmt.Errorf("mutual auth: peer request: %w", err)
	}
	ourResp, err := p.RespondToRevelationRequest(theirReq)
	if err != nil {
		return nil, fmt.Errorf("mutual auth: local revelation refused: %w", err)
	}
	if _, err := peer.VerifyRevelationResponse(ourResp, ourBeacon); err != nil {
		return nil, fmt.Errorf("mutual auth: local revelation rejected by peer: %w", err)
	}

	// 身份互認完成，建立前向保密會話
	kexReq, err := p.exchanger.InitiateKeyExchange(peerCert.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("mutual auth: key exchange: %w", err)
	}
	kexResp, err := peer.HandleKeyExchangeRequest(kexReq)
	if err != nil {
		p.exchanger.Abort(kexReq.ID)
		return nil, fmt.Errorf("mutual auth: peer key exchange: %w", err)
	}
	session, err := p.exchanger.HandleKeyExchangeResponse(kexResp)
	if err != nil {
		return nil, fmt.Errorf("mutual auth: session establishment: %w", err)
	}
	sharedSecret := append([]byte(nil), session.EncryptionKey...)
	sessionID := session.SessionID
	session.Zero()

	return &MutualResult{
		LocalDevice:     p.deviceID,
		PeerDevice:      peerCert.DeviceID,
		PeerCert:        peerCert,
		PeerRevelation:  theirResp.Revelation,
		LocalRevelation: ourResp.Revelation,
		SessionID:       sessionID,
		SharedSecret:    sharedSecret,
		CompletedAt:     p.clock.Now(),
	}, nil
}

// VerifyMutualAuthentication 獨立複驗一次雙向認證的結果.
// 重新驗證兩個方向的身份證明與對方憑證，確認結果綁定了會話材料，
// 並確認對方未被撤銷.
func (p *Protocol) VerifyMutualAuthentication(result *MutualResult) bool {
	if result == nil || result.PeerCert == nil {
		return false
	}
	if result.PeerRevelation == nil || result.LocalRevelation == nil {
		return false
	}
	if result.SessionID == "" || len(result.SharedSecret) == 0 {
		return false
	}
	if result.PeerRevelation.DeviceID != result.PeerDevice {
		return false
	}
	if err := p.engine.VerifyIdentityRevelation(result.PeerRevelation, nil); err != nil {
		return false
	}
	if err := p.engine.VerifyIdentityRevelation(result.LocalRevelation, nil); err != nil {
		return false
	}
	if err := p.authority.VerifyCertificate(result.PeerCert); err != nil {
		return false
	}
	if p.trust != nil && p.trust.TrustLevel(result.PeerDevice) == trust.LevelRevoked {
		return false
	}
	return true
}

// GenerateDecoyBeacons 生成 n 個誘餌 beacon.
// 誘餌的秘密生成後即丟棄，永遠無法被揭露，用於混淆被動觀察者.
func (p *Protocol) GenerateDecoyBeacons(n int) ([]*beacon.AnonymousBeacon, error) {
	decoys := make([]*beacon.AnonymousBeacon, 0, n)
	for i := 0; i < n; i++ {
		secret := make([]byte, beacon.SecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("%w: decoy generation: %v", secerr.ErrCryptoFailure, err)
		}
		d := beacon.NewFromSecret(secret, p.clock.Now(), 0)
		decoys = append(decoys, d)
	}
	return decoys, nil
}

// RotateIdentifiers 立即輪換本機 beacon 並丟棄所有進行中的請求.
// 供懷疑被追蹤時手動切斷可關聯性.
func (p *Protocol) RotateIdentifiers(capabilities map[string]string) error {
	p.mu.Lock()
	p.pending = make(map[string]*Request)
	p.mu.Unlock()

	_, err := p.engine.RotateBeacon(capabilities)
	return err
}

// CleanupExpiredRequests 清除過期的待回應請求，回傳清除數量.
func (p *Protocol) CleanupExpiredRequests() int {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, req := range p.pending {
		if req.IsExpired(now) {
			delete(p.pending, id)
			removed++
		}
	}
	return removed
}

// PendingCount 待回應請求數（供測試與管理 API 使用）.
func (p *Protocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
