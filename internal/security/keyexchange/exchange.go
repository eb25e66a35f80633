package keyexchange

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
)

const (
	// NonceLength 交換 nonce 長度.
	NonceLength = 32

	// DefaultSessionTTL 會話硬性到期時間.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultRotationThreshold 會話輪換門檻.
	DefaultRotationThreshold = time.Hour
)

// Authority 憑證能力介面（由 certificate.Manager 提供）.
type Authority interface {
	Certificate(deviceID string) (*certificate.DeviceCertificate, error)
	SignData(deviceID string, data []byte) ([]byte, error)
	VerifyCertificate(cert *certificate.DeviceCertificate) error
}

// Request 密鑰交換請求.
// 攜帶一次性 X25519 臨時公鑰，以發起方憑證私鑰簽章防中間人.
type Request struct {
	ID           string                         `json:"id"`
	InitiatorID  string                         `json:"initiator_id"`
	Certificate  *certificate.DeviceCertificate `json:"certificate"`
	EphemeralPub []byte                         `json:"ephemeral_pub"` // 32 bytes
	Nonce        []byte                         `json:"nonce"`
	Timestamp    time.Time                      `json:"timestamp"`
	Signature    []byte                         `json:"signature"`
}

func (r *Request) signedPayload() []byte {
	body := fmt.Sprintf("kex-request;id=%s;initiator=%s;pub=%s;nonce=%s;ts=%d",
		r.ID,
		r.InitiatorID,
		base64.RawURLEncoding.EncodeToString(r.EphemeralPub),
		base64.RawURLEncoding.EncodeToString(r.Nonce),
		r.Timestamp.Unix(),
	)
	return []byte(body)
}

// Response 密鑰交換回應.
type Response struct {
	RequestID    string                         `json:"request_id"`
	ResponderID  string                         `json:"responder_id"`
	Certificate  *certificate.DeviceCertificate `json:"certificate"`
	EphemeralPub []byte                         `json:"ephemeral_pub"` // 32 bytes
	Nonce        []byte                         `json:"nonce"`
	Timestamp    time.Time                      `json:"timestamp"`
	Signature    []byte                         `json:"signature"`
}

func (r *Response) signedPayload() []byte {
	body := fmt.Sprintf("kex-response;req=%s;responder=%s;pub=%s;nonce=%s;ts=%d",
		r.RequestID,
		r.ResponderID,
		base64.RawURLEncoding.EncodeToString(r.EphemeralPub),
		base64.RawURLEncoding.EncodeToString(r.Nonce),
		r.Timestamp.Unix(),
	)
	return []byte(body)
}

// pendingExchange 發起方等待回應期間持有的臨時狀態.
type pendingExchange struct {
	request      *Request
	ephemeralKey []byte // X25519 私鑰，單次使用
	createdAt    time.Time
}

// Exchanger 前向保密密鑰交換器.
// 每次交換使用全新的 X25519 臨時密鑰對，共享密鑰經 HKDF-SHA256 導出
// 加密與 MAC 兩把密鑰；臨時私鑰在導出後立即清零，舊會話無法事後解密.
type Exchanger struct {
	deviceID  string
	authority Authority
	trust     *trust.Manager
	audit     *audit.Log
	clock     clockwork.Clock

	sessionTTL        time.Duration
	rotationThreshold time.Duration
	requestTTL        time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingExchange // requestID -> 臨時狀態
	sessions map[string]*SessionKey      // peerDevice -> 當前會話
}

// Options 交換器建構選項.
type Options struct {
	DeviceID          string
	Authority         Authority
	Trust             *trust.Manager
	Audit             *audit.Log
	Clock             clockwork.Clock
	SessionTTL        time.Duration // 預設 24 小時
	RotationThreshold time.Duration // 預設 1 小時
	RequestTTL        time.Duration // 預設 5 分鐘
}

// NewExchanger 創建密鑰交換器.
func NewExchanger(opts Options) *Exchanger {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.RotationThreshold <= 0 || opts.RotationThreshold >= opts.SessionTTL {
		opts.RotationThreshold = DefaultRotationThreshold
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = 5 * time.Minute
	}
	return &Exchanger{
		deviceID:          opts.DeviceID,
		authority:         opts.Authority,
		trust:             opts.Trust,
		audit:             opts.Audit,
		clock:             opts.Clock,
		sessionTTL:        opts.SessionTTL,
		rotationThreshold: opts.RotationThreshold,
		requestTTL:        opts.RequestTTL,
		pending:           make(map[string]*pendingExchange),
		sessions:          make(map[string]*SessionKey),
	}
}

// generateEphemeral 生成一次性 X25519 密鑰對.
func generateEphemeral() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("%w: ephemeral key generation: %v", secerr.ErrCryptoFailure, err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ephemeral public key: %v", secerr.ErrCryptoFailure, err)
	}
	return priv, pub, nil
}

// deriveSessionKeys 由 DH 共享密鑰導出加密密鑰、MAC 密鑰與會話識別碼.
// salt = 發起方 nonce ∥ 回應方 nonce；info 綁定兩端裝置身份，
// 同一共享密鑰在不同裝置對之間導出的材料互不相同.
// 會話識別碼取自同一 HKDF 輸出流的尾段，兩端導出的識別碼必然一致，
// 加密封包以它作為附加認證資料時雙方才對得上.
func deriveSessionKeys(shared, initNonce, respNonce []byte, initiator, responder string) (enc, mac []byte, sessionID string, err error) {
	salt := make([]byte, 0, len(initNonce)+len(respNonce))
	salt = append(salt, initNonce...)
	salt = append(salt, respNonce...)
	info := fmt.Sprintf("proximity-session:%s:%s", initiator, responder)

	out := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(info)), out); err != nil {
		return nil, nil, "", fmt.Errorf("%w: session key derivation: %v", secerr.ErrCryptoFailure, err)
	}
	return out[:32], out[32:64], hex.EncodeToString(out[64:80]), nil
}

// zeroKey 清零密鑰材料.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// checkPeer 交換准入閘門：Unknown 與 Revoked 一律拒絕.
func (e *Exchanger) checkPeer(peerDevice string) error {
	if e.trust != nil && e.trust.IsDenied(peerDevice) {
		return fmt.Errorf("%w: key exchange with %s denied", secerr.ErrNotTrusted, peerDevice)
	}
	return nil
}

// InitiateKeyExchange 向對端發起密鑰交換.
// 生成的臨時私鑰保存在待回應狀態中，收到回應或清理掃描後銷毀.
func (e *Exchanger) InitiateKeyExchange(peerDevice string) (*Request, error) {
	if err := e.checkPeer(peerDevice); err != nil {
		return nil, err
	}

	cert, err := e.authority.Certificate(e.deviceID)
	if err != nil {
		return nil, fmt.Errorf("local certificate unavailable: %w", err)
	}

	priv, pub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		zeroKey(priv)
		return nil, fmt.Errorf("%w: nonce generation: %v", secerr.ErrCryptoFailure, err)
	}

	req := &Request{
		ID:           uuid.New().String(),
		InitiatorID:  e.deviceID,
		Certificate:  cert,
		EphemeralPub: pub,
		Nonce:        nonce,
		Timestamp:    e.clock.Now(),
	}

	sig, err := e.authority.SignData(e.deviceID, req.signedPayload())
	if err != nil {
		zeroKey(priv)
		return nil, fmt.Errorf("%w: request signing: %v", secerr.ErrCryptoFailure, err)
	}
	req.Signature = sig

	e.mu.Lock()
	e.pending[req.ID] = &pendingExchange{
		request:      req,
		ephemeralKey: priv,
		createdAt:    req.Timestamp,
	}
	e.mu.Unlock()

	if e.audit != nil {
		e.audit.Record(audit.EventKeyExchangeInitiated, audit.SeverityInfo,
			"key exchange initiated",
			audit.WithSource(e.deviceID),
			audit.WithTarget(peerDevice),
			audit.WithDetails(map[string]interface{}{"request_id": req.ID}))
	}

	return req, nil
}

// verifyExchangeCert 驗證交換訊息所附憑證與簽章.
func (e *Exchanger) verifyExchangeCert(cert *certificate.DeviceCertificate, claimedDevice string, payload, sig []byte) error {
	if cert == nil {
		return fmt.Errorf("%w: missing certificate", secerr.ErrSignatureInvalid)
	}
	if cert.DeviceID != claimedDevice {
		return fmt.Errorf("%w: certificate identity mismatch", secerr.ErrSignatureInvalid)
	}
	if err := e.authority.VerifyCertificate(cert); err != nil {
		return err
	}
	if !cert.HasUsage(certificate.UsageKeyExchange) {
		return fmt.Errorf("%w: certificate lacks key_exchange usage", secerr.ErrNotTrusted)
	}
	if !certificate.VerifyDataSignature(cert, payload, sig) {
		return fmt.Errorf("%w: exchange message signature", secerr.ErrSignatureInvalid)
	}
	return nil
}

// HandleKeyExchangeRequest 處理對端發起的交換請求並建立會話.
// 失敗路徑不留下任何局部狀態：會話只在全部步驟成功後寫入.
func (e *Exchanger) HandleKeyExchangeRequest(req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", secerr.ErrSignatureInvalid)
	}
	if err := e.verifyExchangeCert(req.Certificate, req.InitiatorID, req.signedPayload(), req.Signature); err != nil {
		e.failed(req.InitiatorID, err)
		return nil, err
	}
	if err := e.checkPeer(req.InitiatorID); err != nil {
		e.failed(req.InitiatorID, err)
		return nil, err
	}
	if len(req.EphemeralPub) != 32 {
		err := fmt.Errorf("%w: malformed ephemeral public key", secerr.ErrCryptoFailure)
		e.failed(req.InitiatorID, err)
		return nil, err
	}

	cert, err := e.authority.Certificate(e.deviceID)
	if err != nil {
		return nil, fmt.Errorf("local certificate unavailable: %w", err)
	}

	priv, pub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	defer zeroKey(priv)

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", secerr.ErrCryptoFailure, err)
	}

	shared, err := curve25519.X25519(priv, req.EphemeralPub)
	if err != nil {
		e.failed(req.InitiatorID, err)
		return nil, fmt.Errorf("%w: shared secret: %v", secerr.ErrCryptoFailure, err)
	}
	defer zeroKey(shared)

	encKey, macKey, sessionID, err := deriveSessionKeys(shared, req.Nonce, nonce, req.InitiatorID, e.deviceID)
	if err != nil {
		e.failed(req.InitiatorID, err)
		return nil, err
	}

	resp := &Response{
		RequestID:    req.ID,
		ResponderID:  e.deviceID,
		Certificate:  cert,
		EphemeralPub: pub,
		Nonce:        nonce,
		Timestamp:    e.clock.Now(),
	}
	sig, err := e.authority.SignData(e.deviceID, resp.signedPayload())
	if err != nil {
		zeroKey(encKey)
		zeroKey(macKey)
		return nil, fmt.Errorf("%w: response signing: %v", secerr.ErrCryptoFailure, err)
	}
	resp.Signature = sig

	e.storeSession(req.InitiatorID, sessionID, encKey, macKey)

	return resp, nil
}

// HandleKeyExchangeResponse 處理回應並完成交換.
// 待回應狀態單次消費：重放同一回應時狀態已不存在，以 NotFound 失敗.
func (e *Exchanger) HandleKeyExchangeResponse(resp *Response) (*SessionKey, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", secerr.ErrSignatureInvalid)
	}

	e.mu.Lock()
	pend, ok := e.pending[resp.RequestID]
	if ok {
		delete(e.pending, resp.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no pending exchange %s", secerr.ErrNotFound, resp.RequestID)
	}
	defer zeroKey(pend.ephemeralKey)

	if err := e.verifyExchangeCert(resp.Certificate, resp.ResponderID, resp.signedPayload(), resp.Signature); err != nil {
		e.failed(resp.ResponderID, err)
		return nil, err
	}
	if err := e.checkPeer(resp.ResponderID); err != nil {
		e.failed(resp.ResponderID, err)
		return nil, err
	}
	if len(resp.EphemeralPub) != 32 {
		err := fmt.Errorf("%w: malformed ephemeral public key", secerr.ErrCryptoFailure)
		e.failed(resp.ResponderID, err)
		return nil, err
	}

	shared, err := curve25519.X25519(pend.ephemeralKey, resp.EphemeralPub)
	if err != nil {
		e.failed(resp.ResponderID, err)
		return nil, fmt.Errorf("%w: shared secret: %v", secerr.ErrCryptoFailure, err)
	}
	defer zeroKey(shared)

	encKey, macKey, sessionID, err := deriveSessionKeys(shared, pend.request.Nonce, resp.Nonce, e.deviceID, resp.ResponderID)
	if err != nil {
		e.failed(resp.ResponderID, err)
		return nil, err
	}

	session := e.storeSession(resp.ResponderID, sessionID, encKey, macKey)

	if e.audit != nil {
		e.audit.Record(audit.EventKeyExchangeCompleted, audit.SeverityInfo,
			"key exchange completed",
			audit.WithSource(e.deviceID),
			audit.WithTarget(resp.ResponderID),
			audit.WithSession(session.SessionID))
	}

	return session, nil
}

// storeSession 寫入新會話，覆蓋同一對端的舊會話（舊密鑰清零）.
// 會話識別碼由雙方各自從 HKDF 導出，同一次交換兩端持有相同識別碼.
func (e *Exchanger) storeSession(peerDevice, sessionID string, encKey, macKey []byte) *SessionKey {
	now := e.clock.Now()
	session := &SessionKey{
		SessionID:     sessionID,
		LocalDevice:   e.deviceID,
		PeerDevice:    peerDevice,
		EncryptionKey: encKey,
		MACKey:        macKey,
		EstablishedAt: now,
		RotateAfter:   now.Add(e.rotationThreshold),
		ExpiresAt:     now.Add(e.sessionTTL),
	}

	e.mu.Lock()
	if old, ok := e.sessions[peerDevice]; ok {
		old.Zero()
	}
	e.sessions[peerDevice] = session
	// 回傳值在鎖內複製：發布後原件可能被併發撤銷清零
	out := session.clone()
	e.mu.Unlock()

	if e.audit != nil {
		e.audit.Record(audit.EventSessionEstablished, audit.SeverityInfo,
			"forward-secret session established",
			audit.WithSource(e.deviceID),
			audit.WithTarget(peerDevice),
			audit.WithSession(session.SessionID))
	}

	return out
}

// failed 記錄一次交換失敗.
func (e *Exchanger) failed(peerDevice string, cause error) {
	if e.audit == nil {
		return
	}
	e.audit.Record(audit.EventKeyExchangeFailed, audit.SeverityWarning,
		"key exchange failed",
		audit.WithSource(e.deviceID),
		audit.WithTarget(peerDevice),
		audit.WithError(cause))
}

// GetSessionKey 取得與對端的當前會話.
// 已過硬性到期時間的會話就地清除並回傳 Expired；
// 對端被撤銷時即使會話尚未到期也一併清除.
func (e *Exchanger) GetSessionKey(peerDevice string) (*SessionKey, error) {
	if e.trust != nil && e.trust.TrustLevel(peerDevice) == trust.LevelRevoked {
		e.mu.Lock()
		if session, ok := e.sessions[peerDevice]; ok {
			session.Zero()
			delete(e.sessions, peerDevice)
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: peer %s is revoked", secerr.ErrNotTrusted, peerDevice)
	}

	now := e.clock.Now()

	e.mu.Lock()
	session, ok := e.sessions[peerDevice]
	if ok && session.IsExpired(now) {
		session.Zero()
		delete(e.sessions, peerDevice)
		e.mu.Unlock()

		if e.audit != nil {
			e.audit.Record(audit.EventSessionExpired, audit.SeverityInfo,
				"session key expired",
				audit.WithTarget(peerDevice),
				audit.WithSession(session.SessionID))
		}
		return nil, fmt.Errorf("%w: session with %s", secerr.ErrExpired, peerDevice)
	}
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no session with %s", secerr.ErrNotFound, peerDevice)
	}
	// 複製必須在鎖內完成：RevokeSession 可能併發清零原件
	out := session.clone()
	e.mu.Unlock()

	return out, nil
}

// HasActiveSession 判斷與對端是否存在可用的會話.
func (e *Exchanger) HasActiveSession(peerDevice string) bool {
	_, err := e.GetSessionKey(peerDevice)
	return err == nil
}

// RevokeSession 立即作廢與對端的會話（密鑰清零）.
func (e *Exchanger) RevokeSession(peerDevice string) error {
	e.mu.Lock()
	session, ok := e.sessions[peerDevice]
	if ok {
		session.Zero()
		delete(e.sessions, peerDevice)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no session with %s", secerr.ErrNotFound, peerDevice)
	}

	if e.audit != nil {
		e.audit.Record(audit.EventSessionRevoked, audit.SeverityWarning,
			"session key revoked",
			audit.WithTarget(peerDevice),
			audit.WithSession(session.SessionID))
	}
	return nil
}

// Abort 丟棄一筆發起中、尚未收到回應的交換（臨時私鑰清零）.
func (e *Exchanger) Abort(requestID string) {
	e.mu.Lock()
	if pend, ok := e.pending[requestID]; ok {
		zeroKey(pend.ephemeralKey)
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
}

// RenewSession 作廢現有會話並重新發起交換.
// 沒有現有會話時視同首次交換；回傳的請求仍須由呼叫方送達對端.
func (e *Exchanger) RenewSession(peerDevice string) (*Request, error) {
	if err := e.RevokeSession(peerDevice); err != nil && !errors.Is(err, secerr.ErrNotFound) {
		return nil, err
	}
	return e.InitiateKeyExchange(peerDevice)
}

// SessionsNeedingRotation 列出已越過輪換門檻的對端（供上層重新交換）.
func (e *Exchanger) SessionsNeedingRotation() []string {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0)
	for peer, session := range e.sessions {
		if session.NeedsRotation(now) && !session.IsExpired(now) {
			out = append(out, peer)
		}
	}
	return out
}

// CleanupExpiredSessions 清除過期會話與逾時的待回應交換，回傳清除的會話數.
// 冪等：重複呼叫不影響仍然有效的狀態.
func (e *Exchanger) CleanupExpiredSessions() int {
	now := e.clock.Now()

	e.mu.Lock()
	expired := make([]*SessionKey, 0)
	for peer, session := range e.sessions {
		if session.IsExpired(now) {
			session.Zero()
			delete(e.sessions, peer)
			expired = append(expired, session)
		}
	}
	for id, pend := range e.pending {
		if now.Sub(pend.createdAt) > e.requestTTL {
			zeroKey(pend.ephemeralKey)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for _, session := range expired {
		if e.audit != nil {
			e.audit.Record(audit.EventSessionExpired, audit.SeverityInfo,
				"session key expired",
				audit.WithTarget(session.PeerDevice),
				audit.WithSession(session.SessionID))
		}
	}
	return len(expired)
}

// SessionMetas 回傳所有會話的中繼資料（供管理 API 使用）.
func (e *Exchanger) SessionMetas() []Meta {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Meta, 0, len(e.sessions))
	for _, session := range e.sessions {
		out = append(out, session.Meta())
	}
	return out
}

// PendingCount 待回應交換數（供測試使用）.
func (e *Exchanger) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
