package revelation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/beacon"
	"proximity-gateway/internal/security/certificate"
	"proximity-gateway/internal/security/keyexchange"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
	"proximity-gateway/internal/transport"
)

// node 測試用的單裝置協議棧.
type node struct {
	deviceID  string
	clock     *clockwork.FakeClock
	audit     *audit.Log
	trust     *trust.Manager
	certs     *certificate.Manager
	engine    *beacon.Engine
	policy    *PolicyEnforcer
	exchanger *keyexchange.Exchanger
	protocol  *Protocol
}

func newNode(t *testing.T, deviceID string, hub *transport.Hub, clock *clockwork.FakeClock, level PolicyLevel) *node {
	t.Helper()

	auditLog := audit.NewLog(1000, audit.SeverityInfo, clock)
	trustMgr := trust.NewManager(auditLog)
	certMgr := certificate.NewManager(certificate.Options{
		Trust: trustMgr,
		Audit: auditLog,
		Clock: clock,
	})
	if _, err := certMgr.Issue(context.Background(), deviceID); err != nil {
		t.Fatal(err)
	}

	engine := beacon.NewEngine(beacon.EngineOptions{
		DeviceID:         deviceID,
		Transport:        hub.Endpoint(deviceID),
		Authority:        certMgr,
		Audit:            auditLog,
		Clock:            clock,
		RotationInterval: 5 * time.Minute,
		SecretRetention:  time.Hour,
	})
	policy := NewPolicyEnforcer(level, auditLog, clock)
	exchanger := keyexchange.NewExchanger(keyexchange.Options{
		DeviceID:  deviceID,
		Authority: certMgr,
		Trust:     trustMgr,
		Audit:     auditLog,
		Clock:     clock,
	})
	protocol := NewProtocol(ProtocolOptions{
		DeviceID:   deviceID,
		Engine:     engine,
		Authority:  certMgr,
		Trust:      trustMgr,
		Policy:     policy,
		Exchanger:  exchanger,
		Audit:      auditLog,
		Clock:      clock,
		RequestTTL: 5 * time.Minute,
	})

	return &node{
		deviceID:  deviceID,
		clock:     clock,
		audit:     auditLog,
		trust:     trustMgr,
		certs:     certMgr,
		engine:    engine,
		policy:    policy,
		exchanger: exchanger,
		protocol:  protocol,
	}
}

// pair 建立兩個互相認得對方憑證的裝置.
func pair(t *testing.T, levelB PolicyLevel) (*node, *node) {
	t.Helper()

	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()
	a := newNode(t, "device-a", hub, clock, PolicyNone)
	b := newNode(t, "device-b", hub, clock, levelB)

	// 交換自簽憑證（相遇時的前置步驟）
	certA, _ := a.certs.Certificate("device-a")
	certB, _ := b.certs.Certificate("device-b")
	if err := a.certs.RegisterPeerCertificate(certB); err != nil {
		t.Fatal(err)
	}
	if err := b.certs.RegisterPeerCertificate(certA); err != nil {
		t.Fatal(err)
	}

	// 兩邊都有活躍 beacon
	if _, err := a.engine.RotateBeacon(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := b.engine.RotateBeacon(nil); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestRevelationRoundTrip(t *testing.T) {
	a, b := pair(t, PolicyNone)

	target := b.engine.CurrentBeacon()
	req, err := a.protocol.RequestIdentityRevelation(target)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	resp, err := b.protocol.RespondToRevelationRequest(req)
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	peerCert, err := a.protocol.VerifyRevelationResponse(resp, target)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if peerCert.DeviceID != "device-b" {
		t.Errorf("revealed identity = %s, want device-b", peerCert.DeviceID)
	}

	// 單次消費：重放同一回應視為未知請求
	if _, err := a.protocol.VerifyRevelationResponse(resp, target); !errors.Is(err, secerr.ErrNotFound) {
		t.Errorf("replayed response: got %v, want ErrNotFound", err)
	}
}

func TestRequestRequiresActiveBeacon(t *testing.T) {
	hub := transport.NewHub()
	clock := clockwork.NewFakeClock()
	a := newNode(t, "device-a", hub, clock, PolicyNone)
	b := newNode(t, "device-b", hub, clock, PolicyNone)

	target, _ := b.engine.RotateBeacon(nil)

	// 本機未曾輪換 beacon：匿名對等原則拒絕請求
	if _, err := a.protocol.RequestIdentityRevelation(target); !errors.Is(err, secerr.ErrNoActiveBeacon) {
		t.Errorf("got %v, want ErrNoActiveBeacon", err)
	}
}

func TestExpiredRequestRejected(t *testing.T) {
	a, b := pair(t, PolicyNone)

	target := b.engine.CurrentBeacon()
	req, err := a.protocol.RequestIdentityRevelation(target)
	if err != nil {
		t.Fatal(err)
	}

	// 越過請求 TTL
	a.clock.Advance(6 * time.Minute)

	if _, err := b.protocol.RespondToRevelationRequest(req); !errors.Is(err, secerr.ErrExpired) {
		t.Errorf("expired request: got %v, want ErrExpired", err)
	}
}

func TestBasicPolicyBlocksFourthRequest(t *testing.T) {
	a, b := pair(t, PolicyBasic)

	// Basic：60 秒內第 4 次請求被阻擋
	for i := 0; i < 3; i++ {
		target := b.engine.CurrentBeacon()
		req, err := a.protocol.RequestIdentityRevelation(target)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.protocol.RespondToRevelationRequest(req); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}

	target := b.engine.CurrentBeacon()
	req, _ := a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); !errors.Is(err, secerr.ErrPolicyBlocked) {
		t.Fatalf("fourth request: got %v, want ErrPolicyBlocked", err)
	}

	// 阻擋寫入審計
	blocked := b.audit.Find(audit.Query{Types: []audit.EventType{audit.EventPolicyBlocked}})
	if len(blocked) != 1 {
		t.Errorf("expected 1 ANTI_TRACKING_BLOCKED event, got %d", len(blocked))
	}

	// 窗口滑過後恢復
	a.clock.Advance(61 * time.Second)
	target = b.engine.CurrentBeacon()
	req, _ = a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); err != nil {
		t.Errorf("request after window should pass: %v", err)
	}
}

func TestEnhancedPolicy(t *testing.T) {
	a, b := pair(t, PolicyEnhanced)

	target := b.engine.CurrentBeacon()
	req, _ := a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	req, _ = a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); !errors.Is(err, secerr.ErrPolicyBlocked) {
		t.Errorf("second request within 300s: got %v, want ErrPolicyBlocked", err)
	}
}

func TestMaximumPolicyAllowList(t *testing.T) {
	a, b := pair(t, PolicyMaximum)

	target := b.engine.CurrentBeacon()
	req, _ := a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); !errors.Is(err, secerr.ErrPolicyBlocked) {
		t.Fatalf("non-allow-listed requester: got %v, want ErrPolicyBlocked", err)
	}

	// 白名單以請求方當前 beacon 的雜湊為鍵
	b.policy.AllowRequester(beacon.HashIdentifier(a.engine.CurrentBeacon().ID))
	req, _ = a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); err != nil {
		t.Errorf("allow-listed requester should pass: %v", err)
	}
}

func TestRequestCarriesNoIdentity(t *testing.T) {
	a, b := pair(t, PolicyNone)

	req, err := a.protocol.RequestIdentityRevelation(b.engine.CurrentBeacon())
	if err != nil {
		t.Fatal(err)
	}

	// 請求只亮出請求方當前的 beacon
	if !bytes.Equal(req.RequesterBeacon.ID, a.engine.CurrentBeacon().ID) {
		t.Error("request should present the requester's current beacon")
	}

	// 線上形式不得出現裝置身份或憑證材料
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	for _, leak := range []string{"device-a", "certificate", "public_key", "signature"} {
		if strings.Contains(string(raw), leak) {
			t.Errorf("serialized request leaks %q", leak)
		}
	}
}

func TestRefusedRequestGetsUniformResponse(t *testing.T) {
	a, b := pair(t, PolicyEnhanced)

	target := b.engine.CurrentBeacon()
	req, _ := a.protocol.RequestIdentityRevelation(target)
	if _, err := b.protocol.RespondToRevelationRequest(req); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	// 策略擋下的請求仍得到同形回應：有挑戰回應與否決結果，無身份資料
	req2, _ := a.protocol.RequestIdentityRevelation(target)
	resp, err := b.protocol.RespondToRevelationRequest(req2)
	if !errors.Is(err, secerr.ErrPolicyBlocked) {
		t.Fatalf("second request: got %v, want ErrPolicyBlocked", err)
	}
	if resp == nil {
		t.Fatal("refused request must still produce a response")
	}
	if resp.Accepted {
		t.Error("refusal must not be marked accepted")
	}
	if resp.Revelation != nil || resp.DisclosedSecret != nil {
		t.Error("refusal must not carry identity material")
	}
	if len(resp.ChallengeResponse) == 0 {
		t.Error("refusal still computes the challenge response")
	}

	// 請求方那側只看到被拒
	if _, err := a.protocol.VerifyRevelationResponse(resp, target); !errors.Is(err, secerr.ErrRefused) {
		t.Errorf("verifying a refusal: got %v, want ErrRefused", err)
	}
}

func TestMutualAuthentication(t *testing.T) {
	a, b := pair(t, PolicyNone)

	result, err := a.protocol.PerformMutualAuthentication(b.protocol, b.engine.CurrentBeacon())
	if err != nil {
		t.Fatalf("mutual auth failed: %v", err)
	}
	if result.PeerDevice != "device-b" {
		t.Errorf("peer = %s, want device-b", result.PeerDevice)
	}
	// 通過後雙方各自把對方升到 Pending
	if a.trust.TrustLevel("device-b") != trust.LevelPending {
		t.Errorf("trust after mutual auth = %s, want pending", a.trust.TrustLevel("device-b"))
	}
	if b.trust.TrustLevel("device-a") != trust.LevelPending {
		t.Errorf("peer-side trust after mutual auth = %s, want pending", b.trust.TrustLevel("device-a"))
	}

	// 認證以前向保密會話收尾，結果綁定會話材料
	if result.SessionID == "" || len(result.SharedSecret) != 32 {
		t.Errorf("result session binding: id=%q secret=%d bytes", result.SessionID, len(result.SharedSecret))
	}
	sessA, err := a.exchanger.GetSessionKey("device-b")
	if err != nil {
		t.Fatalf("initiator has no session after mutual auth: %v", err)
	}
	if sessA.SessionID != result.SessionID {
		t.Error("result should reference the established session")
	}
	if !b.exchanger.HasActiveSession("device-a") {
		t.Error("responder should hold the session too")
	}

	// 結果可獨立複驗
	if !a.protocol.VerifyMutualAuthentication(result) {
		t.Error("VerifyMutualAuthentication should accept a fresh result")
	}

	// 對方事後被撤銷則複驗失敗
	a.trust.RevokeTrust("device-b")
	if a.protocol.VerifyMutualAuthentication(result) {
		t.Error("VerifyMutualAuthentication should reject a revoked peer")
	}
}

func TestVerifyMutualAuthenticationRejectsTampered(t *testing.T) {
	a, b := pair(t, PolicyNone)

	result, err := a.protocol.PerformMutualAuthentication(b.protocol, b.engine.CurrentBeacon())
	if err != nil {
		t.Fatalf("mutual auth failed: %v", err)
	}

	if a.protocol.VerifyMutualAuthentication(nil) {
		t.Error("nil result must not verify")
	}

	tampered := *result
	tampered.PeerDevice = "device-c"
	if a.protocol.VerifyMutualAuthentication(&tampered) {
		t.Error("result with a swapped peer identity must not verify")
	}

	stripped := *result
	stripped.PeerRevelation = nil
	if a.protocol.VerifyMutualAuthentication(&stripped) {
		t.Error("result missing a revelation must not verify")
	}

	unbound := *result
	unbound.SessionID = ""
	if a.protocol.VerifyMutualAuthentication(&unbound) {
		t.Error("result without session binding must not verify")
	}
}

func TestMutualAuthenticationAllOrNothing(t *testing.T) {
	a, b := pair(t, PolicyMaximum) // b 只接受白名單，a 不在其中

	if _, err := a.protocol.PerformMutualAuthentication(b.protocol, b.engine.CurrentBeacon()); err == nil {
		t.Fatal("mutual auth should fail when one direction is blocked")
	}
	// 失敗後不留下任何待回應請求
	if a.protocol.PendingCount() != 0 {
		t.Errorf("pending requests after failed mutual auth = %d, want 0", a.protocol.PendingCount())
	}
	if a.trust.TrustLevel("device-b") != trust.LevelUnknown {
		t.Error("failed mutual auth must not change trust")
	}
}

func TestDecoyBeacons(t *testing.T) {
	a, _ := pair(t, PolicyNone)

	decoys, err := a.protocol.GenerateDecoyBeacons(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoys) != 3 {
		t.Fatalf("decoy count = %d, want 3", len(decoys))
	}

	// 誘餌的秘密已丟棄：本機無法揭露它們
	for i, d := range decoys {
		if a.engine.SecretFor(d.ID) != nil {
			t.Errorf("decoy %d should not have a held secret", i)
		}
	}
}

func TestRotateIdentifiersDropsPending(t *testing.T) {
	a, b := pair(t, PolicyNone)

	target := b.engine.CurrentBeacon()
	if _, err := a.protocol.RequestIdentityRevelation(target); err != nil {
		t.Fatal(err)
	}
	if a.protocol.PendingCount() != 1 {
		t.Fatal("expected one pending request")
	}

	old := a.engine.CurrentBeacon()
	if err := a.protocol.RotateIdentifiers(nil); err != nil {
		t.Fatal(err)
	}
	if a.protocol.PendingCount() != 0 {
		t.Error("pending requests should be dropped on manual rotation")
	}
	if string(a.engine.CurrentBeacon().ID) == string(old.ID) {
		t.Error("manual rotation should change the beacon")
	}
}

func TestCleanupExpiredRequests(t *testing.T) {
	a, b := pair(t, PolicyNone)

	target := b.engine.CurrentBeacon()
	a.protocol.RequestIdentityRevelation(target)
	a.protocol.RequestIdentityRevelation(target)

	a.clock.Advance(6 * time.Minute)
	a.protocol.RequestIdentityRevelation(target)

	if removed := a.protocol.CleanupExpiredRequests(); removed != 2 {
		t.Errorf("CleanupExpiredRequests = %d, want 2", removed)
	}
	if a.protocol.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", a.protocol.PendingCount())
	}
}
