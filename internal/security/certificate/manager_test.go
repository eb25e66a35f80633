package certificate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"proximity-gateway/internal/security/audit"
	"proximity-gateway/internal/security/secerr"
	"proximity-gateway/internal/security/trust"
)

type testEnv struct {
	clock *clockwork.FakeClock
	audit *audit.Log
	trust *trust.Manager
	mgr   *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClock()
	auditLog := audit.NewLog(1000, audit.SeverityInfo, clock)
	trustMgr := trust.NewManager(auditLog)
	mgr := NewManager(Options{
		Trust:      trustMgr,
		Audit:      auditLog,
		Clock:      clock,
		Validity:   365 * 24 * time.Hour,
		IssuerName: "test-gateway",
	})
	return &testEnv{clock: clock, audit: auditLog, trust: trustMgr, mgr: mgr}
}

func TestIssueAndRetrieve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cert, err := env.mgr.Issue(ctx, "device-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !cert.VerifySignature() {
		t.Error("issued certificate should be self-signed and valid")
	}
	if cert.Issuer != "test-gateway" {
		t.Errorf("issuer = %s, want test-gateway", cert.Issuer)
	}

	got, err := env.mgr.Certificate("device-a")
	if err != nil {
		t.Fatalf("Certificate failed: %v", err)
	}
	if got.SerialNumber != cert.SerialNumber {
		t.Error("retrieved certificate serial mismatch")
	}

	if _, err := env.mgr.Issue(ctx, ""); err == nil {
		t.Error("empty deviceID should fail")
	}
}

func TestRenewRequiresTrust(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Issue(ctx, "device-a"); err != nil {
		t.Fatal(err)
	}

	// 未受信任：續期必須失敗
	if _, err := env.mgr.Renew(ctx, "device-a"); !errors.Is(err, secerr.ErrNotTrusted) {
		t.Fatalf("renew of untrusted device: got %v, want ErrNotTrusted", err)
	}

	if err := env.trust.SetTrust("device-a", trust.LevelTrusted); err != nil {
		t.Fatal(err)
	}

	old, _ := env.mgr.Certificate("device-a")
	renewed, err := env.mgr.Renew(ctx, "device-a")
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed.SerialNumber == old.SerialNumber {
		t.Error("renewal should replace the certificate")
	}

	// 續期歷史記錄兩次嘗試：一次失敗、一次成功
	hist := env.mgr.RenewalHistory("device-a")
	if len(hist) != 2 {
		t.Fatalf("renewal history length = %d, want 2", len(hist))
	}
	if hist[0].Success || !hist[1].Success {
		t.Error("history order mismatch: want failed then success")
	}
}

func TestRevokeIsAtomicWithTrust(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cert, _ := env.mgr.Issue(ctx, "device-a")
	if err := env.trust.SetTrust("device-a", trust.LevelVerified); err != nil {
		t.Fatal(err)
	}

	rev, err := env.mgr.Revoke(ctx, "device-a", "key sold on ebay", "device-admin")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if rev.CertificateID != cert.SerialNumber {
		t.Error("revocation should reference the revoked serial")
	}

	// 撤銷後：憑證消失、信任進入吸收態、撤銷列表命中
	if _, err := env.mgr.Certificate("device-a"); !errors.Is(err, secerr.ErrNotFound) {
		t.Error("certificate should be gone after revocation")
	}
	if env.trust.TrustLevel("device-a") != trust.LevelRevoked {
		t.Error("trust should be revoked")
	}
	if !env.mgr.Revocations().IsRevoked(cert.SerialNumber) {
		t.Error("serial should be on the revocation list")
	}
	if err := env.trust.SetTrust("device-a", trust.LevelTrusted); err == nil {
		t.Error("revoked trust must not be restorable in place")
	}

	// 重複撤銷：已無憑證
	if _, err := env.mgr.Revoke(ctx, "device-a", "again", "x"); !errors.Is(err, secerr.ErrNotFound) {
		t.Errorf("second revoke: got %v, want ErrNotFound", err)
	}
}

func TestReissueStartsNewIdentityCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mgr.Issue(ctx, "device-a")
	env.trust.SetTrust("device-a", trust.LevelTrusted)
	env.mgr.Revoke(ctx, "device-a", "compromise", "admin")

	// 重新簽發是全新身份週期：信任條目清除、撤銷不再阻擋
	cert, err := env.mgr.Issue(ctx, "device-a")
	if err != nil {
		t.Fatalf("re-issue failed: %v", err)
	}
	if env.trust.TrustLevel("device-a") != trust.LevelUnknown {
		t.Error("re-issued device should start from unknown trust")
	}
	if err := env.mgr.VerifyCertificate(cert); err != nil {
		t.Errorf("re-issued certificate should verify: %v", err)
	}
}

func TestCheckExpiryEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mgr.Issue(ctx, "device-a")
	env.mgr.Issue(ctx, "device-b")
	env.trust.SetTrust("device-a", trust.LevelTrusted)
	env.trust.SetTrust("device-b", trust.LevelTrusted)

	// 尚未接近到期：無結果
	if got := env.mgr.CheckExpiry(7 * 24 * time.Hour); len(got) != 0 {
		t.Fatalf("expected no expiring certs, got %d", len(got))
	}

	// 推進到到期前 3 天：EXPIRING_SOON
	env.clock.Advance(365*24*time.Hour - 3*24*time.Hour)
	expiring := env.mgr.CheckExpiry(7 * 24 * time.Hour)
	if len(expiring) != 2 {
		t.Fatalf("expected 2 expiring certs, got %d", len(expiring))
	}
	warnings := env.audit.Find(audit.Query{Types: []audit.EventType{audit.EventCertificateExpiringSoon}})
	if len(warnings) != 2 {
		t.Errorf("expected 2 EXPIRING_SOON events, got %d", len(warnings))
	}

	// 推進越過到期：EXPIRED（critical）
	env.clock.Advance(4 * 24 * time.Hour)
	env.mgr.CheckExpiry(7 * 24 * time.Hour)
	criticals := env.audit.Find(audit.Query{Types: []audit.EventType{audit.EventCertificateExpired}})
	if len(criticals) != 2 {
		t.Errorf("expected 2 EXPIRED events, got %d", len(criticals))
	}
	for _, e := range criticals {
		if e.Severity != audit.SeverityCritical {
			t.Errorf("EXPIRED severity = %v, want critical", e.Severity)
		}
	}
}

func TestCleanupExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mgr.Issue(ctx, "device-a")
	env.mgr.Issue(ctx, "device-b")
	env.trust.SetTrust("device-a", trust.LevelTrusted)

	env.clock.Advance(366 * 24 * time.Hour)

	if removed := env.mgr.CleanupExpired(ctx); removed != 2 {
		t.Fatalf("CleanupExpired = %d, want 2", removed)
	}
	if _, err := env.mgr.Certificate("device-a"); err == nil {
		t.Error("expired certificate should be removed")
	}
	// 冪等
	if removed := env.mgr.CleanupExpired(ctx); removed != 0 {
		t.Errorf("second cleanup = %d, want 0", removed)
	}
}

func TestHandleCompromise(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cert, _ := env.mgr.Issue(ctx, "device-a")
	env.trust.SetTrust("device-a", trust.LevelVerified)

	rev, err := env.mgr.HandleCompromise(ctx, "device-a", "private key posted publicly")
	if err != nil {
		t.Fatalf("HandleCompromise failed: %v", err)
	}
	if rev.Reason != "compromise: private key posted publicly" {
		t.Errorf("unexpected reason: %s", rev.Reason)
	}
	if !env.mgr.Revocations().IsRevoked(cert.SerialNumber) {
		t.Error("compromised certificate should be revoked")
	}

	events := env.audit.Find(audit.Query{Types: []audit.EventType{audit.EventCompromiseDetected}})
	if len(events) != 1 || events[0].Severity != audit.SeverityCritical {
		t.Error("compromise should record one critical event")
	}
}

func TestVerifyCertificate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cert, _ := env.mgr.Issue(ctx, "device-a")
	if err := env.mgr.VerifyCertificate(cert); err != nil {
		t.Fatalf("valid certificate rejected: %v", err)
	}

	tampered := cert.Clone()
	tampered.Subject = "someone-else"
	if err := env.mgr.VerifyCertificate(tampered); !errors.Is(err, secerr.ErrSignatureInvalid) {
		t.Errorf("tampered cert: got %v, want ErrSignatureInvalid", err)
	}

	env.clock.Advance(366 * 24 * time.Hour)
	if err := env.mgr.VerifyCertificate(cert); !errors.Is(err, secerr.ErrExpired) {
		t.Errorf("expired cert: got %v, want ErrExpired", err)
	}
}

func TestRegisterPeerCertificate(t *testing.T) {
	env := newTestEnv(t)

	peerEnv := newTestEnv(t)
	peerCert, _ := peerEnv.mgr.Issue(context.Background(), "peer-device")

	if err := env.mgr.RegisterPeerCertificate(peerCert); err != nil {
		t.Fatalf("RegisterPeerCertificate failed: %v", err)
	}
	got, err := env.mgr.Certificate("peer-device")
	if err != nil {
		t.Fatal(err)
	}
	if got.SerialNumber != peerCert.SerialNumber {
		t.Error("registered peer certificate mismatch")
	}

	// 無私鑰：不可代表對方簽章
	if _, err := env.mgr.SignData("peer-device", []byte("x")); !errors.Is(err, secerr.ErrNotFound) {
		t.Error("signing with a peer certificate should fail")
	}

	bad := peerCert.Clone()
	bad.DeviceID = "impostor"
	if err := env.mgr.RegisterPeerCertificate(bad); err == nil {
		t.Error("tampered peer certificate should be rejected")
	}
}
