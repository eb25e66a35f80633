package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/platform/config"
	"proximity-gateway/internal/platform/logger"
	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/beacon"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/keyexchange"
	"proximity-gateway/internal/security/revelation"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
	"proximity-gateway/internal/transport"
)

// 線上訊息類型.
const (
	kindRevelationRequest  = "revelation-request"
	kindRevelationResponse = "revelation-response"
	kindKexRequest         = "kex-request"
	kindKexResponse        = "kex-response"
	kindRevocation         = "revocation"
)

// wireMessage 近距離傳輸上的訊息信封.
type wireMessage struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Gateway 近距離安全子系統的編排器.
// 持有全部安全組件並驅動傳輸收發與背景維護掃描；組件之間的依賴
// 在這裡一次接好，各組件自身不認識彼此.
type Gateway struct {
	deviceID  string
	cfg       *config.Config
	clock     clockwork.Clock
	transport transport.Transport

	auditLog    *audit.Log
	trustMgr    *trust.Manager
	permissions *trust.PermissionStore
	certMgr     *certificate.Manager
	engine      *beacon.Engine
	policy      *revelation.PolicyEnforcer
	protocol    *revelation.Protocol
	exchanger   *keyexchange.Exchanger

	mu             sync.Mutex
	pendingTargets map[string]*beacon.AnonymousBeacon // 揭露請求 ID -> 目標 beacon
	renewing       bool                               // 本機憑證續期流程進行中
	started        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// Options 編排器建構選項.
type Options struct {
	Config    *config.Config
	Transport transport.Transport
	Store     *certificate.Store // 可為 nil（純記憶體模式）
	Clock     clockwork.Clock
}

// New 創建編排器並接線全部安全組件.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	cfg := opts.Config
	deviceID := cfg.App.DeviceID

	auditLog := audit.NewLog(
		cfg.Security.Audit.MaxEntries,
		audit.ParseSeverity(cfg.Security.Audit.MinSeverity),
		opts.Clock,
	)
	trustMgr := trust.NewManager(auditLog)
	permissions := trust.NewPermissionStore(trustMgr, auditLog, opts.Clock)

	certMgr := certificate.NewManager(certificate.Options{
		Trust:      trustMgr,
		Audit:      auditLog,
		Store:      opts.Store,
		Clock:      opts.Clock,
		Validity:   cfg.CertificateValidity(),
		IssuerName: cfg.App.Name,
	})

	engine := beacon.NewEngine(beacon.EngineOptions{
		DeviceID:         deviceID,
		Transport:        opts.Transport,
		Authority:        certMgr,
		Audit:            auditLog,
		Clock:            opts.Clock,
		RotationInterval: cfg.BeaconRotationInterval(),
		SecretRetention:  cfg.SecretRetention(),
	})

	policy := revelation.NewPolicyEnforcer(
		revelation.ParsePolicyLevel(cfg.Security.AntiTracking.Level),
		auditLog,
		opts.Clock,
	)

	exchanger := keyexchange.NewExchanger(keyexchange.Options{
		DeviceID:          deviceID,
		Authority:         certMgr,
		Trust:             trustMgr,
		Audit:             auditLog,
		Clock:             opts.Clock,
		SessionTTL:        cfg.SessionHardExpiry(),
		RotationThreshold: cfg.SessionRotationThreshold(),
		RequestTTL:        cfg.RequestTTL(),
	})

	protocol := revelation.NewProtocol(revelation.ProtocolOptions{
		DeviceID:   deviceID,
		Engine:     engine,
		Authority:  certMgr,
		Trust:      trustMgr,
		Policy:     policy,
		Exchanger:  exchanger,
		Audit:      auditLog,
		Clock:      opts.Clock,
		RequestTTL: cfg.RequestTTL(),
	})

	// 廣播負載夾帶誘餌 beacon，誘餌數取自反追蹤配置
	if n := cfg.Security.AntiTracking.DecoyCount; n > 0 {
		engine.SetDecoySource(func() ([]*beacon.AnonymousBeacon, error) {
			return protocol.GenerateDecoyBeacons(n)
		})
	}

	g := &Gateway{
		deviceID:       deviceID,
		cfg:            cfg,
		clock:          opts.Clock,
		transport:      opts.Transport,
		auditLog:       auditLog,
		trustMgr:       trustMgr,
		permissions:    permissions,
		certMgr:        certMgr,
		engine:         engine,
		policy:         policy,
		protocol:       protocol,
		exchanger:      exchanger,
		pendingTargets: make(map[string]*beacon.AnonymousBeacon),
	}

	// 本機撤銷經傳輸層廣播給在場的對端
	certMgr.SetDistributor(g)

	return g, nil
}

// DistributeRevocation 把撤銷記錄廣播給傳輸範圍內的所有對端.
// 實作 certificate.Distributor；對端經 revocation 訊息採納記錄.
func (g *Gateway) DistributeRevocation(ctx context.Context, rev *certificate.Revocation) error {
	return g.send(ctx, "", kindRevocation, rev)
}

// Start 啟動編排器：簽發本機憑證、開始廣播、啟動收發與維護掃描.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.certMgr.LoadFromStore(runCtx); err != nil {
		logger.LogWarnf("憑證載入失敗，以空狀態啟動: %v", err)
	}

	// 本機尚無憑證時簽發
	if _, err := g.certMgr.Certificate(g.deviceID); err != nil {
		if _, err := g.certMgr.Issue(runCtx, g.deviceID); err != nil {
			cancel()
			return fmt.Errorf("local certificate issuance: %w", err)
		}
	}

	if err := g.engine.StartBeaconing(runCtx, map[string]string{"proto": "v1"}); err != nil {
		cancel()
		return fmt.Errorf("beaconing: %w", err)
	}

	inbound, err := g.transport.Receive(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("transport receive: %w", err)
	}

	g.wg.Add(2)
	go g.receiveLoop(runCtx, inbound)
	go g.sweepLoop(runCtx)

	logger.Info(runCtx, "proximity gateway started",
		logger.WithDeviceID(g.deviceID),
		logger.WithAction("startup"))
	return nil
}

// receiveLoop 傳輸收發迴圈：按信封類型分派給對應協議.
func (g *Gateway) receiveLoop(ctx context.Context, inbound <-chan transport.Inbound) {
	defer g.wg.Done()

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := g.dispatch(ctx, msg); err != nil {
				logger.Warning(ctx, "inbound message rejected",
					logger.WithDeviceID(g.deviceID),
					logger.WithDetails(map[string]interface{}{
						"peer":  msg.PeerID,
						"error": err.Error(),
					}))
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch 處理單筆入站訊息.
func (g *Gateway) dispatch(ctx context.Context, msg transport.Inbound) error {
	var env wireMessage
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}

	switch env.Kind {
	case kindRevelationRequest:
		var req revelation.Request
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("malformed revelation request: %w", err)
		}
		resp, err := g.protocol.RespondToRevelationRequest(&req)
		if resp != nil {
			// 拒絕也回覆：同形的拒絕回應照樣送出
			if sendErr := g.send(ctx, msg.PeerID, kindRevelationResponse, resp); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			// 廣播請求會到達非持有者，不持有該 beacon 不是錯誤
			if errors.Is(err, secerr.ErrNotFound) {
				return nil
			}
			if secerr.IsDenial(err) {
				return nil
			}
			return err
		}
		return nil

	case kindRevelationResponse:
		var resp revelation.Response
		if err := json.Unmarshal(env.Body, &resp); err != nil {
			return fmt.Errorf("malformed revelation response: %w", err)
		}
		return g.handleRevelationResponse(&resp)

	case kindKexRequest:
		var req keyexchange.Request
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("malformed key exchange request: %w", err)
		}
		resp, err := g.exchanger.HandleKeyExchangeRequest(&req)
		if err != nil {
			return err
		}
		return g.send(ctx, msg.PeerID, kindKexResponse, resp)

	case kindKexResponse:
		var resp keyexchange.Response
		if err := json.Unmarshal(env.Body, &resp); err != nil {
			return fmt.Errorf("malformed key exchange response: %w", err)
		}
		_, err := g.exchanger.HandleKeyExchangeResponse(&resp)
		return err

	case kindRevocation:
		var rev certificate.Revocation
		if err := json.Unmarshal(env.Body, &rev); err != nil {
			return fmt.Errorf("malformed revocation: %w", err)
		}
		if err := g.certMgr.AcceptRevocation(ctx, &rev); err != nil {
			return err
		}
		// 被撤銷對端的會話立即作廢
		if err := g.exchanger.RevokeSession(rev.DeviceID); err != nil && !errors.Is(err, secerr.ErrNotFound) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown message kind %q", env.Kind)
	}
}

// handleRevelationResponse 驗證揭露回應並登記對方身份.
// 信任升級（Unknown → Pending）由協議層在驗證通過時完成.
func (g *Gateway) handleRevelationResponse(resp *revelation.Response) error {
	g.mu.Lock()
	target, ok := g.pendingTargets[resp.RequestID]
	if ok {
		delete(g.pendingTargets, resp.RequestID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("unsolicited revelation response %s", resp.RequestID)
	}

	peerCert, err := g.protocol.VerifyRevelationResponse(resp, target)
	if err != nil {
		return err
	}
	return g.certMgr.RegisterPeerCertificate(peerCert)
}

// send 序列化並發送一則信封訊息.
func (g *Gateway) send(ctx context.Context, peerID, kind string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	data, err := json.Marshal(wireMessage{Kind: kind, Body: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return g.transport.Send(ctx, peerID, data)
}

// RequestPeerIdentity 對偵測到的 beacon 發起身份揭露.
func (g *Gateway) RequestPeerIdentity(ctx context.Context, det *beacon.Detection) error {
	if det == nil || det.Beacon == nil {
		return fmt.Errorf("detection cannot be nil")
	}
	req, err := g.protocol.RequestIdentityRevelation(det.Beacon)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.pendingTargets[req.ID] = det.Beacon
	g.mu.Unlock()

	// 目標尚屬匿名，無可定址身份，以廣播送出；持有者以秘密回查判斷是否回應
	return g.send(ctx, "", kindRevelationRequest, req)
}

// EstablishSession 與已揭露身份的對端發起前向保密密鑰交換.
func (g *Gateway) EstablishSession(ctx context.Context, peerDevice string) error {
	req, err := g.exchanger.InitiateKeyExchange(peerDevice)
	if err != nil {
		return err
	}
	return g.send(ctx, peerDevice, kindKexRequest, req)
}

// RenewSession 作廢與對端的現有會話並重新協商.
func (g *Gateway) RenewSession(ctx context.Context, peerDevice string) error {
	req, err := g.exchanger.RenewSession(peerDevice)
	if err != nil {
		return err
	}
	return g.send(ctx, peerDevice, kindKexRequest, req)
}

// renewLocalCertificate 續期本機憑證，按配置的重試策略退避.
// 同一時間只有一個續期流程；全部嘗試失敗後放棄，下一輪到期掃描重新觸發.
func (g *Gateway) renewLocalCertificate(ctx context.Context) {
	g.mu.Lock()
	if g.renewing {
		g.mu.Unlock()
		return
	}
	g.renewing = true
	g.mu.Unlock()

	maxAttempts := g.cfg.Security.Certificate.RenewalMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryIn := time.Duration(g.cfg.Security.Certificate.RenewalRetrySeconds) * time.Second

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			g.renewing = false
			g.mu.Unlock()
		}()

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if _, err := g.certMgr.Renew(ctx, g.deviceID); err == nil {
				return
			} else if attempt == maxAttempts {
				logger.LogErrorf("本機憑證續期失敗，已達重試上限 %d: %v", maxAttempts, err)
				return
			} else {
				logger.LogWarnf("本機憑證續期失敗 (第 %d/%d 次): %v", attempt, maxAttempts, err)
			}
			select {
			case <-g.clock.After(retryIn):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweepLoop 背景維護掃描.
// 每一輪失敗只記錄不中斷；所有間隔取自配置.
func (g *Gateway) sweepLoop(ctx context.Context) {
	defer g.wg.Done()

	certTicker := g.clock.NewTicker(time.Duration(g.cfg.Security.Certificate.SweepIntervalSeconds) * time.Second)
	sessionTicker := g.clock.NewTicker(time.Duration(g.cfg.Security.Session.SweepIntervalSeconds) * time.Second)
	auditTicker := g.clock.NewTicker(time.Duration(g.cfg.Security.Audit.RotationMinutes) * time.Minute)
	defer certTicker.Stop()
	defer sessionTicker.Stop()
	defer auditTicker.Stop()

	for {
		select {
		case <-certTicker.Chan():
			expiring := g.certMgr.CheckExpiry(g.cfg.RenewalThreshold())
			for _, cert := range expiring {
				if cert.DeviceID == g.deviceID {
					g.renewLocalCertificate(ctx)
					break
				}
			}
			g.certMgr.CleanupExpired(ctx)

		case <-sessionTicker.Chan():
			for _, peer := range g.exchanger.SessionsNeedingRotation() {
				if err := g.RenewSession(ctx, peer); err != nil {
					logger.LogWarnf("會話輪換失敗 (%s): %v", peer, err)
				}
			}
			g.exchanger.CleanupExpiredSessions()
			g.protocol.CleanupExpiredRequests()
			g.engine.CleanupSecrets()
			g.policy.Cleanup(time.Duration(g.cfg.Security.AntiTracking.RequestTTLSeconds) * time.Second * 2)
			g.permissions.CleanupExpired()

		case <-auditTicker.Chan():
			retention := time.Duration(g.cfg.Security.Audit.RetentionHours) * time.Hour
			g.auditLog.Cleanup(g.clock.Now().Add(-retention))

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown 關閉編排器：停止廣播與掃描、丟棄臨時狀態並釋放傳輸資源.
// 冪等，重複呼叫為空操作.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	cancel := g.cancel
	g.cancel = nil
	g.pendingTargets = make(map[string]*beacon.AnonymousBeacon)
	g.mu.Unlock()

	g.engine.StopBeaconing()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	if err := g.transport.Close(); err != nil {
		logger.LogWarnf("傳輸層關閉失敗: %v", err)
	}
}

// DeviceID 本機裝置 ID.
func (g *Gateway) DeviceID() string { return g.deviceID }

// Audit 審計日誌組件.
func (g *Gateway) Audit() *audit.Log { return g.auditLog }

// Trust 信任管理器.
func (g *Gateway) Trust() *trust.Manager { return g.trustMgr }

// Permissions 權限存儲.
func (g *Gateway) Permissions() *trust.PermissionStore { return g.permissions }

// Certificates 憑證管理器.
func (g *Gateway) Certificates() *certificate.Manager { return g.certMgr }

// Beacons Beacon 引擎.
func (g *Gateway) Beacons() *beacon.Engine { return g.engine }

// Policy 反追蹤策略.
func (g *Gateway) Policy() *revelation.PolicyEnforcer { return g.policy }

// Revelation 揭露協議.
func (g *Gateway) Revelation() *revelation.Protocol { return g.protocol }

// Sessions 密鑰交換器.
func (g *Gateway) Sessions() *keyexchange.Exchanger { return g.exchanger }
