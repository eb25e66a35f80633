package beacon

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/platform/logger"
	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/transport"
)

// Authority 憑證能力介面（由 certificate.Manager 提供）.
type Authority interface {
	Certificate(deviceID string) (*certificate.DeviceCertificate, error)
	SignData(deviceID string, data []byte) ([]byte, error)
	VerifyCertificate(cert *certificate.DeviceCertificate) error
}

// Engine 匿名 beacon 引擎.
// 負責輪換、廣播與掃描匿名識別碼，並在持有對應秘密時產生身份證明.
// 秘密存儲以識別碼雜湊為鍵：掃描方手上只有識別碼，持有方可用雜湊回查.
type Engine struct {
	deviceID  string
	transport transport.Transport
	authority Authority
	audit     *audit.Log
	clock     clockwork.Clock

	rotationInterval time.Duration
	secretRetention  time.Duration

	mu          sync.RWMutex
	current     *AnonymousBeacon
	secrets     map[string]*Secret // IDHash -> 秘密
	decoySource func() ([]*AnonymousBeacon, error)
	beaconing   bool
	stopBeaco   context.CancelFunc
}

// EngineOptions 引擎建構選項.
type EngineOptions struct {
	DeviceID         string
	Transport        transport.Transport
	Authority        Authority
	Audit            *audit.Log
	Clock            clockwork.Clock
	RotationInterval time.Duration // 預設 5 分鐘
	SecretRetention  time.Duration // 預設 1 小時
}

// NewEngine 創建 beacon 引擎.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = 5 * time.Minute
	}
	if opts.SecretRetention <= 0 {
		opts.SecretRetention = time.Hour
	}
	return &Engine{
		deviceID:         opts.DeviceID,
		transport:        opts.Transport,
		authority:        opts.Authority,
		audit:            opts.Audit,
		clock:            opts.Clock,
		rotationInterval: opts.RotationInterval,
		secretRetention:  opts.SecretRetention,
		secrets:          make(map[string]*Secret),
	}
}

// SetDecoySource 設定誘餌 beacon 來源.
// 設定後每次廣播負載都夾帶來源產生的誘餌，與真 beacon 不可區分.
func (e *Engine) SetDecoySource(source func() ([]*AnonymousBeacon, error)) {
	e.mu.Lock()
	e.decoySource = source
	e.mu.Unlock()
}

// RotateBeacon 生成全新秘密並導出新 beacon.
// 舊秘密留在存儲中直到保留期滿，輪換後仍能回應遲到的揭露請求；
// 逾保留期的秘密在此處就地清除，不依賴外部清理排程.
func (e *Engine) RotateBeacon(capabilities map[string]string) (*AnonymousBeacon, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("%w: beacon secret generation: %v", secerr.ErrCryptoFailure, err)
	}

	now := e.clock.Now()
	id, commitment := deriveParts(secret, now)

	b := &AnonymousBeacon{
		ID:               id,
		Commitment:       commitment,
		CreatedAt:        now,
		RotationInterval: e.rotationInterval,
		Capabilities:     capabilities,
	}

	e.mu.Lock()
	e.current = b
	e.secrets[b.IDHash()] = &Secret{
		DeviceID:  e.deviceID,
		Value:     secret,
		CreatedAt: now,
	}
	for hash, s := range e.secrets {
		if now.Sub(s.CreatedAt) > e.secretRetention {
			delete(e.secrets, hash)
		}
	}
	advertising := e.beaconing
	e.mu.Unlock()

	if e.audit != nil {
		e.audit.Record(audit.EventBeaconRotated, audit.SeverityInfo,
			"anonymous beacon rotated",
			audit.WithSource(e.deviceID),
			audit.WithDetails(map[string]interface{}{"beacon_hash": b.IDHash()}))
	}

	// 正在廣播時立即替換負載
	if advertising {
		if err := e.advertise(context.Background(), b); err != nil {
			logger.LogWarnf("beacon 負載替換失敗: %v", err)
		}
	}

	return cloneBeacon(b), nil
}

// advertise 將 beacon 序列化後交給傳輸層廣播.
// 負載是一個 beacon 陣列：真 beacon 混在誘餌之間，每次輪換廣播時
// 誘餌都重新生成.
func (e *Engine) advertise(ctx context.Context, b *AnonymousBeacon) error {
	frame := []*AnonymousBeacon{b}

	e.mu.RLock()
	source := e.decoySource
	e.mu.RUnlock()
	if source != nil {
		decoys, err := source()
		if err != nil {
			return fmt.Errorf("decoy generation: %w", err)
		}
		frame = append(frame, decoys...)
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("beacon marshal: %w", err)
	}
	if err := e.transport.Advertise(ctx, payload); err != nil {
		return fmt.Errorf("%w: advertise: %v", secerr.ErrTransportFailure, err)
	}
	return nil
}

// StartBeaconing 開始廣播並按輪換間隔自動輪換；重複呼叫為空操作.
func (e *Engine) StartBeaconing(ctx context.Context, capabilities map[string]string) error {
	e.mu.Lock()
	if e.beaconing {
		e.mu.Unlock()
		return nil
	}
	e.beaconing = true
	loopCtx, cancel := context.WithCancel(ctx)
	e.stopBeaco = cancel
	e.mu.Unlock()

	if _, err := e.RotateBeacon(capabilities); err != nil {
		e.StopBeaconing()
		return err
	}

	e.mu.RLock()
	current := e.current
	e.mu.RUnlock()
	if err := e.advertise(ctx, current); err != nil {
		e.StopBeaconing()
		return err
	}

	go func() {
		ticker := e.clock.NewTicker(e.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if _, err := e.RotateBeacon(capabilities); err != nil {
					logger.LogErrorf("beacon 輪換失敗: %v", err)
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()

	return nil
}

// StopBeaconing 停止廣播與自動輪換；冪等.
func (e *Engine) StopBeaconing() {
	e.mu.Lock()
	if !e.beaconing {
		e.mu.Unlock()
		return
	}
	e.beaconing = false
	cancel := e.stopBeaco
	e.stopBeaco = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.transport.StopAdvertising()
}

// CurrentBeacon 回傳當前 beacon 的副本；尚未輪換過時為 nil.
func (e *Engine) CurrentBeacon() *AnonymousBeacon {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneBeacon(e.current)
}

// SecretFor 回查識別碼對應的秘密；未持有或已逾保留期時回傳 nil.
func (e *Engine) SecretFor(beaconID []byte) *Secret {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.secrets[HashIdentifier(beaconID)]
	if !ok {
		return nil
	}
	if e.clock.Now().Sub(s.CreatedAt) > e.secretRetention {
		return nil
	}
	return s
}

// DetectBeacons 掃描附近的 beacon；回傳可取消的偵測串流.
// 同一 beacon 在輪換前可能被重複回報，呼叫方須自行去重.
func (e *Engine) DetectBeacons(ctx context.Context) (<-chan *Detection, error) {
	raw, err := e.transport.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", secerr.ErrTransportFailure, err)
	}

	out := make(chan *Detection)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-raw:
				if !ok {
					return
				}
				var frame []*AnonymousBeacon
				if err := json.Unmarshal(d.Payload, &frame); err != nil {
					continue
				}
				for _, b := range frame {
					if b == nil || len(b.ID) != IdentifierLength || len(b.Commitment) != CommitmentLength {
						continue
					}
					det := &Detection{
						Beacon:            b,
						DetectedAt:        e.clock.Now(),
						SignalStrength:    d.SignalStrength,
						EstimatedDistance: estimateDistance(d.SignalStrength),
					}
					select {
					case out <- det:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// estimateDistance 以對數路徑損耗模型從訊號強度粗估距離（公尺）.
// 參考功率 −40 dBm（1 公尺處），路徑損耗指數 2.0.
func estimateDistance(rssi float64) *float64 {
	if rssi >= 0 {
		return nil
	}
	d := math.Pow(10, (-40-rssi)/20)
	return &d
}

// RevealIdentity 為持有的 beacon 產生身份證明.
// 僅在仍持有秘密且憑證可用時產生；已輪換逾保留期的 beacon 直接拒絕.
func (e *Engine) RevealIdentity(beaconID []byte, nonce []byte) (*IdentityRevelation, error) {
	secret := e.SecretFor(beaconID)
	if secret == nil {
		return nil, fmt.Errorf("%w: no secret for beacon", secerr.ErrNotFound)
	}

	cert, err := e.authority.Certificate(e.deviceID)
	if err != nil {
		return nil, fmt.Errorf("local certificate unavailable: %w", err)
	}

	rev := &IdentityRevelation{
		DeviceID:     e.deviceID,
		Certificate:  cert,
		BeaconIDHash: HashIdentifier(beaconID),
		Timestamp:    e.clock.Now(),
		Nonce:        append([]byte(nil), nonce...),
	}

	proof, err := e.authority.SignData(e.deviceID, rev.ProofPayload())
	if err != nil {
		return nil, fmt.Errorf("%w: proof signing: %v", secerr.ErrCryptoFailure, err)
	}
	rev.Proof = proof

	if e.audit != nil {
		e.audit.Record(audit.EventIdentityRevealed, audit.SeverityInfo,
			"identity revealed for beacon",
			audit.WithSource(e.deviceID),
			audit.WithDetails(map[string]interface{}{"beacon_hash": rev.BeaconIDHash}))
	}

	return rev, nil
}

// VerifyIdentityRevelation 驗證身份證明：憑證完整驗證、用途檢查、
// beacon 綁定與證明簽章.
func (e *Engine) VerifyIdentityRevelation(rev *IdentityRevelation, beaconID []byte) error {
	if rev == nil || rev.Certificate == nil {
		return fmt.Errorf("%w: empty revelation", secerr.ErrSignatureInvalid)
	}
	if err := e.authority.VerifyCertificate(rev.Certificate); err != nil {
		return fmt.Errorf("revelation certificate: %w", err)
	}
	if !rev.Certificate.HasUsage(certificate.UsageRevelation) {
		return fmt.Errorf("%w: certificate lacks revelation usage", secerr.ErrNotTrusted)
	}
	if rev.DeviceID != rev.Certificate.DeviceID {
		return fmt.Errorf("%w: device mismatch", secerr.ErrSignatureInvalid)
	}
	if beaconID != nil && rev.BeaconIDHash != HashIdentifier(beaconID) {
		return fmt.Errorf("%w: beacon binding mismatch", secerr.ErrSignatureInvalid)
	}

	if !certificate.VerifyDataSignature(rev.Certificate, rev.ProofPayload(), rev.Proof) {
		if e.audit != nil {
			e.audit.Record(audit.EventSignatureInvalid, audit.SeverityWarning,
				"identity revelation proof verification failed",
				audit.WithSource(rev.DeviceID))
		}
		return fmt.Errorf("%w: revelation proof", secerr.ErrSignatureInvalid)
	}
	return nil
}

// CleanupSecrets 清除逾保留期的 beacon 秘密，回傳清除數量.
func (e *Engine) CleanupSecrets() int {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for hash, s := range e.secrets {
		if now.Sub(s.CreatedAt) > e.secretRetention {
			delete(e.secrets, hash)
			removed++
		}
	}
	return removed
}

// SecretCount 當前持有的秘密數（供測試與管理 API 使用）.
func (e *Engine) SecretCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.secrets)
}

// cloneBeacon 複製 beacon（nil 安全）.
func cloneBeacon(b *AnonymousBeacon) *AnonymousBeacon {
	if b == nil {
		return nil
	}
	dup := *b
	dup.ID = append([]byte(nil), b.ID...)
	dup.Commitment = append([]byte(nil), b.Commitment...)
	if b.Capabilities != nil {
		dup.Capabilities = make(map[string]string, len(b.Capabilities))
		for k, v := range b.Capabilities {
			dup.Capabilities[k] = v
		}
	}
	return &dup
}
